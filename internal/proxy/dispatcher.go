// Package proxy はクライアントのリクエストをバックエンドサービスへ転送する。
//
// パスのプレフィックスからサービスを決定し、プレフィックスを除いたパスで
// バックエンドへ転送する。転送前にサーキットブレーカーに問い合わせ、
// Openの場合はネットワーク呼び出しを行わずに503を返す。
package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/apperror"
	"github.com/nao1215/edugate/internal/breaker"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/internal/telemetry"
	"github.com/nao1215/edugate/pkg/httpclient"
	"github.com/nao1215/edugate/pkg/middleware"
)

const (
	// HeaderServedBy は応答したサービス名を示すレスポンスヘッダー。
	HeaderServedBy = "X-Served-By"
	// HeaderResponseTime はバックエンド呼び出しに要した時間を示すレスポンスヘッダー。
	HeaderResponseTime = "X-Response-Time"
	// HeaderForwardedBy は転送したゲートウェイを示すリクエストヘッダー。
	HeaderForwardedBy = "X-Forwarded-By"

	// statusClientClosedRequest はクライアントが応答を待たずに切断した場合のステータス。
	statusClientClosedRequest = 499
)

// hopByHopHeaders は転送しないヘッダー。
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
	"Host",
}

// route は転送先サービスとそのクライアント。
type route struct {
	service  config.Service
	client   *httpclient.Client
	requests atomic.Int64
}

// Dispatcher はプレフィックスでサービスを決定しリクエストを転送する。
type Dispatcher struct {
	// routes はプレフィックスの長い順に並べた転送先。
	routes    []*route
	byName    map[string]*route
	breakers  *breaker.Registry
	tag       string
	logger    *slog.Logger
	metrics   *telemetry.Collectors
	transport http.RoundTripper
	maxBody   int64
}

// Option はDispatcherの生成オプション。
type Option func(*Dispatcher)

// WithServiceTag はX-Forwarded-Byに設定するゲートウェイ名を設定する。
func WithServiceTag(tag string) Option {
	return func(d *Dispatcher) {
		d.tag = tag
	}
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(c *telemetry.Collectors) Option {
	return func(d *Dispatcher) {
		d.metrics = c
	}
}

// WithTransport はバックエンド通信に使うRoundTripperを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(d *Dispatcher) {
		d.transport = rt
	}
}

// WithMaxResponseBytes はバックエンドから受け取るレスポンスボディの上限を設定する。
// 上限を超えた応答は中継せず500を返す。
func WithMaxResponseBytes(n int64) Option {
	return func(d *Dispatcher) {
		d.maxBody = n
	}
}

// New はDispatcherを生成する。
func New(services []config.Service, breakers *breaker.Registry, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		byName:   make(map[string]*route, len(services)),
		breakers: breakers,
		tag:      "api-gateway",
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With(slog.String("component", "proxy"))

	for _, s := range services {
		clientOpts := []httpclient.Option{
			httpclient.WithTimeout(s.Timeout),
			httpclient.WithMaxResponseBytes(d.maxBody),
		}
		if d.transport != nil {
			clientOpts = append(clientOpts, httpclient.WithTransport(d.transport))
		}
		r := &route{
			service: s,
			client:  httpclient.New(strings.TrimRight(s.BaseURL, "/"), clientOpts...),
		}
		d.routes = append(d.routes, r)
		d.byName[s.Name] = r
	}
	sort.SliceStable(d.routes, func(i, j int) bool {
		return len(d.routes[i].service.Prefix) > len(d.routes[j].service.Prefix)
	})
	return d
}

// Resolve はパスに最長一致するサービスと、プレフィックスを除いた残りのパスを返す。
// プレフィックスはパス区切りの境界でのみ一致する。
func (d *Dispatcher) Resolve(path string) (config.Service, string, bool) {
	r, rest, ok := d.resolve(path)
	if !ok {
		return config.Service{}, "", false
	}
	return r.service, rest, true
}

func (d *Dispatcher) resolve(path string) (*route, string, bool) {
	for _, r := range d.routes {
		prefix := strings.TrimRight(r.service.Prefix, "/")
		rest, found := strings.CutPrefix(path, prefix)
		if !found || (rest != "" && !strings.HasPrefix(rest, "/")) {
			continue
		}
		if rest == "" {
			rest = "/"
		}
		return r, rest, true
	}
	return nil, "", false
}

// RequestCounts はサービスごとの転送要求数を返す。
func (d *Dispatcher) RequestCounts() map[string]int64 {
	counts := make(map[string]int64, len(d.byName))
	for name, r := range d.byName {
		counts[name] = r.requests.Load()
	}
	return counts
}

// Services は転送先サービスの一覧を名前順で返す。
func (d *Dispatcher) Services() []config.Service {
	services := make([]config.Service, 0, len(d.byName))
	for _, r := range d.routes {
		services = append(services, r.service)
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	return services
}

// Dispatch はリクエストを転送し、バックエンドの応答を中継する。チェーンの終端として使う。
func (d *Dispatcher) Dispatch(c *gin.Context) {
	r, rest, ok := d.resolve(c.Request.URL.Path)
	if !ok {
		apperror.Write(c, apperror.NotFound(c.Request.URL.Path))
		return
	}
	name := r.service.Name
	r.requests.Add(1)

	done, err := d.breakers.Allow(name)
	if err != nil {
		d.metrics.UpstreamOutcome(name, telemetry.OutcomeRejected)
		d.logger.Warn("request rejected by open circuit",
			slog.String("service", name),
			slog.String("request_id", middleware.GetRequestID(c)))
		apperror.Write(c, apperror.CircuitOpen(name, err))
		return
	}

	body, err := readBody(c.Request)
	if err != nil {
		done(breaker.ErrNotCounted)
		d.metrics.UpstreamOutcome(name, telemetry.OutcomeError)
		apperror.Write(c, apperror.Internal(fmt.Errorf("リクエストボディの読み込みに失敗: %w", err)))
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), r.service.Timeout)
	defer cancel()

	start := time.Now()
	resp, err := r.client.Forward(ctx, httpclient.Request{
		Method:   c.Request.Method,
		Path:     rest,
		RawQuery: c.Request.URL.RawQuery,
		Header:   d.forwardHeader(c),
		Body:     body,
	})
	elapsed := time.Since(start)
	if err != nil {
		d.fail(c, name, done, err, elapsed)
		return
	}
	done(nil)
	d.metrics.UpstreamOutcome(name, telemetry.OutcomeSuccess)

	relayHeader(c.Writer.Header(), resp.Header)
	c.Header(HeaderServedBy, name)
	c.Header(HeaderResponseTime, formatElapsed(elapsed))
	c.Status(resp.StatusCode)
	if len(resp.Body) > 0 {
		if _, err := c.Writer.Write(resp.Body); err != nil {
			d.logger.Debug("failed to write response body", slog.String("service", name), slog.Any("error", err))
		}
	} else {
		c.Writer.WriteHeaderNow()
	}
}

// fail は転送の失敗を分類し、ブレーカーへの報告とエラー応答を行う。
func (d *Dispatcher) fail(c *gin.Context, service string, done func(error), err error, elapsed time.Duration) {
	attrs := []any{
		slog.String("service", service),
		slog.String("request_id", middleware.GetRequestID(c)),
		slog.Int64("elapsed_ms", elapsed.Milliseconds()),
		slog.Any("error", err),
	}

	switch Classify(c.Request.Context(), err) {
	case FailureClientGone:
		done(context.Canceled)
		d.logger.Info("client closed request before upstream responded", attrs...)
		c.AbortWithStatus(statusClientClosedRequest)
	case FailureUnavailable:
		done(err)
		d.metrics.UpstreamOutcome(service, telemetry.OutcomeUnavailable)
		d.logger.Error("upstream unavailable", attrs...)
		apperror.Write(c, apperror.UpstreamUnavailable(service, err))
	case FailureTimeout:
		done(err)
		d.metrics.UpstreamOutcome(service, telemetry.OutcomeTimeout)
		d.logger.Error("upstream timed out", attrs...)
		apperror.Write(c, apperror.UpstreamTimeout(service, err))
	default:
		done(breaker.ErrNotCounted)
		d.metrics.UpstreamOutcome(service, telemetry.OutcomeError)
		d.logger.Error("proxy error", attrs...)
		apperror.Write(c, apperror.Internal(err))
	}
}

// Failure は転送失敗の分類。
type Failure int

const (
	// FailureOther はその他のゲートウェイ内部エラー。ブレーカーには数えない。
	FailureOther Failure = iota
	// FailureUnavailable は接続拒否など、サービスに到達できない失敗。
	FailureUnavailable
	// FailureTimeout はタイムアウトまたは接続リセット。
	FailureTimeout
	// FailureClientGone はクライアントが先に切断した。ブレーカーには数えない。
	FailureClientGone
)

// Classify は転送エラーを分類する。reqCtxはクライアントのリクエストのコンテキスト。
func Classify(reqCtx context.Context, err error) Failure {
	if errors.Is(reqCtx.Err(), context.Canceled) {
		return FailureClientGone
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return FailureUnavailable
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) && dnsErr.IsNotFound {
		return FailureUnavailable
	}
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, io.EOF) {
		return FailureTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return FailureTimeout
	}
	return FailureOther
}

// forwardHeader はバックエンドへ送るリクエストヘッダーを組み立てる。
func (d *Dispatcher) forwardHeader(c *gin.Context) http.Header {
	h := c.Request.Header.Clone()
	removeHopByHop(h)

	if id := middleware.GetRequestID(c); id != "" {
		h.Set(middleware.HeaderRequestID, id)
	}
	if ip := remoteIP(c.Request.RemoteAddr); ip != "" {
		if prior := h.Get("X-Forwarded-For"); prior != "" {
			ip = prior + ", " + ip
		}
		h.Set("X-Forwarded-For", ip)
	}
	h.Set(HeaderForwardedBy, d.tag)
	h.Set("X-Forwarded-Host", c.Request.Host)
	proto := "http"
	if c.Request.TLS != nil {
		proto = "https"
	}
	h.Set("X-Forwarded-Proto", proto)
	return h
}

// relayHeader はバックエンドのレスポンスヘッダーをクライアント向けにコピーする。
func relayHeader(dst, src http.Header) {
	for k, vs := range src {
		if isHopByHop(k) {
			continue
		}
		dst.Del(k)
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
}

func removeHopByHop(h http.Header) {
	// Connectionヘッダーで列挙されたヘッダーも転送しない
	for _, v := range h.Values("Connection") {
		for _, name := range strings.Split(v, ",") {
			if name = strings.TrimSpace(name); name != "" {
				h.Del(name)
			}
		}
	}
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

func isHopByHop(key string) bool {
	key = http.CanonicalHeaderKey(key)
	for _, k := range hopByHopHeaders {
		if key == k {
			return true
		}
	}
	return false
}

func remoteIP(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	return io.ReadAll(r.Body)
}

func formatElapsed(d time.Duration) string {
	return strconv.FormatInt(d.Milliseconds(), 10) + "ms"
}
