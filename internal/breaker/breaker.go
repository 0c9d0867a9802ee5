// Package breaker はバックエンドサービスごとのサーキットブレーカーを管理する。
//
// 状態遷移は Closed → Open → HalfOpen → (Closed | Open) のみ。
// HalfOpen では1件の試行だけを通し、その結果で Closed か Open に戻る。
// 遷移の判定は gobreaker に委ね、このパッケージは次回試行時刻や最終失敗時刻など
// ステータス表示に必要な情報と、イベント記録・ログ・メトリクスを扱う。
package breaker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/nao1215/edugate/internal/telemetry"
	"github.com/nao1215/edugate/pkg/event"
	"github.com/sony/gobreaker/v2"
)

// State はサーキットの状態。
type State string

const (
	// StateClosed は通常状態。リクエストを転送する。
	StateClosed State = "closed"
	// StateOpen は遮断状態。ネットワーク呼び出しを行わずに拒否する。
	StateOpen State = "open"
	// StateHalfOpen は回復確認中。1件の試行のみ許可する。
	StateHalfOpen State = "half_open"
)

var (
	// ErrOpen はサーキットがOpen、またはHalfOpenで試行枠が埋まっているため拒否されたことを表す。
	ErrOpen = errors.New("サーキットが開いています")
	// ErrNotCounted をdoneに渡すと、その呼び出しは成功にも失敗にも数えない。
	ErrNotCounted = errors.New("サーキットの判定対象外")
)

// excluded は連続失敗回数に影響させないエラーかどうかを返す。
// クライアントの切断はサービスの失敗ではない。
func excluded(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, ErrNotCounted)
}

// Snapshot はあるサービスのサーキット状態の読み取り専用コピー。
type Snapshot struct {
	Service             string     `json:"service"`
	State               State      `json:"state"`
	ConsecutiveFailures uint32     `json:"consecutiveFailures"`
	LastFailure         *time.Time `json:"lastFailure,omitempty"`
	NextAttempt         *time.Time `json:"nextAttempt,omitempty"`
	Threshold           int        `json:"threshold"`
	OpenDurationMs      int64      `json:"openDurationMs"`
}

// Registry はサービス名ごとのサーキットを保持する。
// 未知のサービス名で参照された場合はClosedのサーキットを生成する。
type Registry struct {
	threshold    int
	openDuration time.Duration
	logger       *slog.Logger
	recorder     event.Recorder
	metrics      *telemetry.Collectors

	mu       sync.RWMutex
	circuits map[string]*circuit
}

// circuit は1サービス分のサーキット。
// gobreakerのミューテックスを保持したままOnStateChangeが呼ばれるため、
// mu を保持した状態でgobreakerのメソッドを呼んではならない。
type circuit struct {
	name string
	cb   *gobreaker.TwoStepCircuitBreaker[struct{}]

	mu          sync.Mutex
	lastFailure time.Time
	nextAttempt time.Time
}

// Option はRegistryの生成オプション。
type Option func(*Registry)

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder は状態遷移イベントの記録先を設定する。
func WithRecorder(rec event.Recorder) Option {
	return func(r *Registry) {
		r.recorder = rec
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *telemetry.Collectors) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// New はRegistryを生成する。thresholdは1以上、openDurationは正の値を指定する。
func New(threshold int, openDuration time.Duration, opts ...Option) *Registry {
	if threshold < 1 {
		threshold = 1
	}
	r := &Registry{
		threshold:    threshold,
		openDuration: openDuration,
		logger:       slog.New(slog.DiscardHandler),
		circuits:     make(map[string]*circuit),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(slog.String("component", "breaker"))
	return r
}

// Register は指定したサービスのサーキットを事前に生成する。
func (r *Registry) Register(services ...string) {
	for _, s := range services {
		r.get(s)
	}
}

// get はサービスのサーキットを取得し、無ければ生成する。
func (r *Registry) get(service string) *circuit {
	r.mu.RLock()
	c, ok := r.circuits[service]
	r.mu.RUnlock()
	if ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.circuits[service]; ok {
		return c
	}
	c = r.newCircuit(service)
	r.circuits[service] = c
	r.metrics.SetBreakerState(service, stateValue(StateClosed))
	return c
}

func (r *Registry) newCircuit(service string) *circuit {
	c := &circuit{name: service}
	threshold := uint32(r.threshold)
	c.cb = gobreaker.NewTwoStepCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     r.openDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		IsExcluded: excluded,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			r.onStateChange(c, convert(from), convert(to))
		},
	})
	return c
}

// onStateChange はgobreakerのミューテックス保持中に呼ばれる。
func (r *Registry) onStateChange(c *circuit, from, to State) {
	now := time.Now()

	c.mu.Lock()
	var next *time.Time
	switch to {
	case StateOpen:
		c.nextAttempt = now.Add(r.openDuration)
		na := c.nextAttempt
		next = &na
	case StateClosed:
		c.nextAttempt = time.Time{}
	}
	c.mu.Unlock()

	r.metrics.SetBreakerState(c.name, stateValue(to))

	eventType := event.TypeCircuitClosed
	switch to {
	case StateOpen:
		eventType = event.TypeCircuitOpened
		r.logger.Warn("circuit opened",
			slog.String("service", c.name),
			slog.String("from", string(from)),
			slog.Time("next_attempt", *next))
	case StateHalfOpen:
		eventType = event.TypeCircuitHalfOpened
		r.logger.Info("circuit half-open, allowing trial", slog.String("service", c.name))
	default:
		r.logger.Info("circuit closed", slog.String("service", c.name))
	}

	if r.recorder == nil {
		return
	}
	e, err := event.New(c.name, event.SourceTypeCircuit, eventType, event.CircuitTransitionData{
		From:          string(from),
		To:            string(to),
		NextAttemptAt: next,
	})
	if err != nil {
		r.logger.Error("failed to build circuit event", slog.Any("error", err))
		return
	}
	r.recorder.Record(e)
}

// Allow は呼び出しを許可するか判定する。
// 許可された場合は呼び出し結果をdoneで報告する。doneにnilを渡すと成功、
// nil以外は失敗として連続失敗回数に加算する。context.CanceledとErrNotCountedは数えない。
// OpenまたはHalfOpenで試行中の場合はErrOpenを返す。
func (r *Registry) Allow(service string) (func(err error), error) {
	c := r.get(service)
	cbDone, err := c.cb.Allow()
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrOpen
		}
		return nil, err
	}

	return func(callErr error) {
		if callErr != nil && !excluded(callErr) {
			c.mu.Lock()
			c.lastFailure = time.Now()
			c.mu.Unlock()
		}
		cbDone(callErr)
	}, nil
}

// RecordSuccess は呼び出しの成功を記録する。Openで許可されない場合は何もしない。
func (r *Registry) RecordSuccess(service string) {
	if done, err := r.Allow(service); err == nil {
		done(nil)
	}
}

// RecordFailure は呼び出しの失敗を記録する。Openで許可されない場合は何もしない。
func (r *Registry) RecordFailure(service string, cause error) {
	if cause == nil {
		cause = errors.New("failure")
	}
	if done, err := r.Allow(service); err == nil {
		done(cause)
	}
}

// State はサービスの現在の状態を返す。
// Openで次回試行時刻を過ぎている場合はHalfOpenに遷移したうえで返す。
func (r *Registry) State(service string) State {
	return convert(r.get(service).cb.State())
}

// Snapshot はサービスのサーキット状態のコピーを返す。
func (r *Registry) Snapshot(service string) Snapshot {
	c := r.get(service)

	// gobreakerの呼び出しはc.muの外で行う
	state := convert(c.cb.State())
	counts := c.cb.Counts()

	s := Snapshot{
		Service:             service,
		State:               state,
		ConsecutiveFailures: counts.ConsecutiveFailures,
		Threshold:           r.threshold,
		OpenDurationMs:      r.openDuration.Milliseconds(),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lastFailure.IsZero() {
		lf := c.lastFailure
		s.LastFailure = &lf
	}
	if state == StateOpen && !c.nextAttempt.IsZero() {
		na := c.nextAttempt
		s.NextAttempt = &na
	}
	return s
}

// Snapshots は登録済みの全サービスのサーキット状態を返す。
func (r *Registry) Snapshots() map[string]Snapshot {
	r.mu.RLock()
	names := make([]string, 0, len(r.circuits))
	for name := range r.circuits {
		names = append(names, name)
	}
	r.mu.RUnlock()

	out := make(map[string]Snapshot, len(names))
	for _, name := range names {
		out[name] = r.Snapshot(name)
	}
	return out
}

func convert(s gobreaker.State) State {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}

func stateValue(s State) float64 {
	switch s {
	case StateHalfOpen:
		return 1
	case StateOpen:
		return 2
	default:
		return 0
	}
}
