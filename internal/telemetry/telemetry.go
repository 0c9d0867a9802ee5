// Package telemetry はゲートウェイのPrometheusメトリクスを定義する。
//
// Collectors のメソッドはnilレシーバーでも安全に呼び出せる。
// メトリクスを使わないテストやコンポーネントではnilを渡せばよい。
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "edugate"

// Collectors はゲートウェイが公開するメトリクスの集合。
// グローバルなレジストリは使用せず、インスタンスごとに専用のレジストリを持つ。
type Collectors struct {
	registry *prometheus.Registry

	chainRequests     *prometheus.CounterVec
	chainDuration     *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	upstreamOutcomes  *prometheus.CounterVec
	breakerState      *prometheus.GaugeVec
	serviceHealthy    *prometheus.GaugeVec
	cacheLookups      *prometheus.CounterVec
}

// New はメトリクスを生成して専用のレジストリに登録する。
func New() *Collectors {
	c := &Collectors{
		registry: prometheus.NewRegistry(),
		chainRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chain_requests_total",
			Help:      "Requests processed by a middleware chain, by status code.",
		}, []string{"chain", "status"}),
		chainDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chain_request_duration_seconds",
			Help:      "Time spent in a middleware chain.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_rejections_total",
			Help:      "Requests rejected by a rate limiter.",
		}, []string{"limiter"}),
		upstreamOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_requests_total",
			Help:      "Proxied calls by service and outcome.",
		}, []string{"service", "outcome"}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit state per service: 0 closed, 1 half-open, 2 open.",
		}, []string{"service"}),
		serviceHealthy: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_healthy",
			Help:      "Result of the last health probe: 1 healthy, 0 unhealthy.",
		}, []string{"service"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Response cache lookups by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.chainRequests,
		c.chainDuration,
		c.rateLimitRejected,
		c.upstreamOutcomes,
		c.breakerState,
		c.serviceHealthy,
		c.cacheLookups,
	)
	return c
}

// Registry は登録先のレジストリを返す。
func (c *Collectors) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler はスクレイプ用のHTTPハンドラを返す。
func (c *Collectors) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// ObserveChain はミドルウェアチェーンの処理結果を記録する。
func (c *Collectors) ObserveChain(chain string, status int, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.chainRequests.WithLabelValues(chain, strconv.Itoa(status)).Inc()
	c.chainDuration.WithLabelValues(chain).Observe(elapsed.Seconds())
}

// RateLimitRejected は流量制限による拒否を記録する。
func (c *Collectors) RateLimitRejected(limiter string) {
	if c == nil {
		return
	}
	c.rateLimitRejected.WithLabelValues(limiter).Inc()
}

// Upstream outcomes.
const (
	OutcomeSuccess     = "success"
	OutcomeRejected    = "circuit_open"
	OutcomeUnavailable = "unavailable"
	OutcomeTimeout     = "timeout"
	OutcomeError       = "error"
)

// UpstreamOutcome はバックエンド呼び出しの結果を記録する。
func (c *Collectors) UpstreamOutcome(service, outcome string) {
	if c == nil {
		return
	}
	c.upstreamOutcomes.WithLabelValues(service, outcome).Inc()
}

// SetBreakerState はサーキットの状態を数値で記録する。
func (c *Collectors) SetBreakerState(service string, value float64) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(service).Set(value)
}

// SetServiceHealthy はヘルスチェックの結果を記録する。
func (c *Collectors) SetServiceHealthy(service string, healthy bool) {
	if c == nil {
		return
	}
	v := 0.0
	if healthy {
		v = 1
	}
	c.serviceHealthy.WithLabelValues(service).Set(v)
}

// CacheLookup はキャッシュ参照の結果を記録する。
func (c *Collectors) CacheLookup(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.cacheLookups.WithLabelValues(result).Inc()
}
