// Package health はバックエンドサービスの定期ヘルスチェックを行う。
//
// 各サービスのヘルスチェックパスにGETを送り、2xxかつJSONボディの
// success が true の場合のみ正常とみなす。結果はサーキットブレーカーの
// 連続失敗回数に反映し、/status 向けのステータス表として保持する。
// ヘルスチェックの失敗はログに記録するだけで、処理を止めることはない。
package health

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/edugate/internal/breaker"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/internal/telemetry"
	"github.com/nao1215/edugate/pkg/event"
	"github.com/nao1215/edugate/pkg/httpclient"
)

// Status はあるサービスの直近のヘルスチェック結果。
type Status struct {
	Service        string    `json:"service"`
	Healthy        bool      `json:"healthy"`
	StatusCode     int       `json:"statusCode"`
	Error          string    `json:"error,omitempty"`
	ResponseTimeMs int64     `json:"responseTimeMs"`
	CheckedAt      time.Time `json:"checkedAt"`
}

// probeBody はヘルスチェック応答のうち判定に使うフィールド。
type probeBody struct {
	Success bool `json:"success"`
}

// target はヘルスチェック対象。
type target struct {
	service config.Service
	client  *httpclient.Client
}

// Monitor は全サービスのヘルスチェックを定期実行する。
type Monitor struct {
	targets  []target
	interval time.Duration
	timeout  time.Duration
	breakers *breaker.Registry
	logger   *slog.Logger
	recorder event.Recorder
	metrics  *telemetry.Collectors

	mu       sync.RWMutex
	statuses map[string]Status

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// Option はMonitorの生成オプション。
type Option func(*Monitor)

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithRecorder はヘルス状態変化イベントの記録先を設定する。
func WithRecorder(rec event.Recorder) Option {
	return func(m *Monitor) {
		m.recorder = rec
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(c *telemetry.Collectors) Option {
	return func(m *Monitor) {
		m.metrics = c
	}
}

// NewMonitor はMonitorを生成する。開始するにはStartを呼ぶ。
func NewMonitor(services []config.Service, cfg config.Health, breakers *breaker.Registry, opts ...Option) *Monitor {
	m := &Monitor{
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		breakers: breakers,
		logger:   slog.New(slog.DiscardHandler),
		statuses: make(map[string]Status, len(services)),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "health"))

	for _, s := range services {
		m.targets = append(m.targets, target{
			service: s,
			client:  httpclient.New(s.BaseURL, httpclient.WithTimeout(cfg.Timeout)),
		})
	}
	return m
}

// Start は初回のヘルスチェックを非同期に実行し、以降はintervalごとに繰り返す。
// ctxがキャンセルされるかStopが呼ばれると停止する。二重に開始した場合は何もしない。
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.CheckAll(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.CheckAll(ctx)
			}
		}
	}()

	m.logger.Info("health monitor started", slog.Duration("interval", m.interval))
}

// Stop は定期実行を停止し、実行中のヘルスチェックの終了を待つ。
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.logger.Info("health monitor stopped")
}

// CheckAll は全サービスのヘルスチェックを並行に実行し、完了を待つ。
func (m *Monitor) CheckAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, t := range m.targets {
		wg.Add(1)
		go func(t target) {
			defer wg.Done()
			m.check(ctx, t)
		}(t)
	}
	wg.Wait()
}

// Check は指定サービスのヘルスチェックを1回実行して結果を返す。
func (m *Monitor) Check(ctx context.Context, service string) (Status, error) {
	for _, t := range m.targets {
		if t.service.Name == service {
			return m.check(ctx, t), nil
		}
	}
	return Status{}, fmt.Errorf("未登録のサービス: %s", service)
}

func (m *Monitor) check(ctx context.Context, t target) Status {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	var body probeBody
	code, err := t.client.GetJSON(ctx, t.service.HealthPath, &body)
	if err == nil && !body.Success {
		err = errors.New("ヘルスチェック応答のsuccessがtrueではない")
	}

	st := Status{
		Service:        t.service.Name,
		Healthy:        err == nil,
		StatusCode:     code,
		ResponseTimeMs: time.Since(start).Milliseconds(),
		CheckedAt:      time.Now().UTC(),
	}
	if err != nil {
		st.Error = err.Error()
	}

	// 停止処理による中断は結果として扱わない
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), context.Canceled) {
		return st
	}

	m.feedBreaker(t.service.Name, err)
	m.store(st)
	return st
}

// feedBreaker はヘルスチェック結果をサーキットブレーカーに反映する。
// Openの間は反映せず、次回試行時刻を過ぎていればこの結果がHalfOpenの試行になる。
func (m *Monitor) feedBreaker(service string, probeErr error) {
	if m.breakers == nil {
		return
	}
	done, err := m.breakers.Allow(service)
	if err != nil {
		return
	}
	done(probeErr)
}

func (m *Monitor) store(st Status) {
	m.mu.Lock()
	prev, seen := m.statuses[st.Service]
	m.statuses[st.Service] = st
	m.mu.Unlock()

	m.metrics.SetServiceHealthy(st.Service, st.Healthy)

	if !st.Healthy {
		m.logger.Warn("health check failed",
			slog.String("service", st.Service),
			slog.Int("status", st.StatusCode),
			slog.String("error", st.Error))
	}

	changed := !seen || prev.Healthy != st.Healthy
	if !changed || m.recorder == nil {
		return
	}
	eventType := event.TypeServiceHealthy
	if !st.Healthy {
		eventType = event.TypeServiceUnhealthy
	}
	e, err := event.New(st.Service, event.SourceTypeHealth, eventType, event.HealthChangeData{
		StatusCode:     st.StatusCode,
		Error:          st.Error,
		ResponseTimeMs: st.ResponseTimeMs,
	})
	if err != nil {
		m.logger.Error("failed to build health event", slog.Any("error", err))
		return
	}
	m.recorder.Record(e)
}

// Snapshot はサービス名をキーとしたステータス表のコピーを返す。
// 一度もチェックしていないサービスは含まない。
func (m *Monitor) Snapshot() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]Status, len(m.statuses))
	for k, v := range m.statuses {
		out[k] = v
	}
	return out
}
