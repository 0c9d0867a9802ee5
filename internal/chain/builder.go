package chain

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/nao1215/edugate/internal/cache"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/internal/telemetry"
)

// Deps はユニットの生成に必要な依存関係。
type Deps struct {
	Security    config.Security
	CORSOrigins []string
	Logging     config.Logging
	Logger      *slog.Logger
	// Cache はcachingユニットが使用するキャッシュ。nilの場合はcachingを構成できない。
	Cache     *cache.ResponseCache
	Telemetry *telemetry.Collectors
}

// Builder はユニット名の並びからチェーンを組み立てる。
// チェーンごとのMetricsユニットを保持し、集計結果を返せるようにする。
type Builder struct {
	deps     Deps
	security *Security
	logging  *Logging

	mu      sync.Mutex
	metrics map[string]*Metrics
	chains  map[string]*Chain
}

// NewBuilder はBuilderを生成する。
func NewBuilder(deps Deps) *Builder {
	if deps.Logger == nil {
		deps.Logger = slog.New(slog.DiscardHandler)
	}
	return &Builder{
		deps:     deps,
		security: NewSecurity(deps.Security, deps.CORSOrigins, deps.Logger.With(slog.String("component", "security"))),
		logging:  NewLogging(deps.Logging, deps.Logger.With(slog.String("component", "access"))),
		metrics:  make(map[string]*Metrics),
		chains:   make(map[string]*Chain),
	}
}

// Build はnameのチェーンをunitNamesの順で組み立てる。
// 未知のユニット名や重複がある場合はエラーを返す。
func (b *Builder) Build(name string, unitNames []string, terminal Handler) (*Chain, error) {
	seen := make(map[string]struct{}, len(unitNames))
	units := make([]Unit, 0, len(unitNames))
	for _, un := range unitNames {
		if _, dup := seen[un]; dup {
			return nil, fmt.Errorf("チェーン%sでユニット%sが重複", name, un)
		}
		seen[un] = struct{}{}

		u, err := b.unit(name, un)
		if err != nil {
			return nil, fmt.Errorf("チェーン%sの構成に失敗: %w", name, err)
		}
		units = append(units, u)
	}

	ch := New(name, terminal, units...)
	b.mu.Lock()
	b.chains[name] = ch
	b.mu.Unlock()
	return ch, nil
}

func (b *Builder) unit(chainName, unitName string) (Unit, error) {
	switch unitName {
	case UnitSecurity:
		return b.security, nil
	case UnitLogging:
		return b.logging, nil
	case UnitMetrics:
		m := NewMetrics(chainName, b.deps.Telemetry)
		b.mu.Lock()
		b.metrics[chainName] = m
		b.mu.Unlock()
		return m, nil
	case UnitCaching:
		if b.deps.Cache == nil {
			return nil, fmt.Errorf("キャッシュが未設定のためユニット%sを構成できない", unitName)
		}
		return NewCaching(b.deps.Cache, WithCacheMetrics(b.deps.Telemetry)), nil
	default:
		return nil, fmt.Errorf("未知のユニット: %s", unitName)
	}
}

// Units はチェーン名ごとのユニット構成を返す。
func (b *Builder) Units() map[string][]string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]string, len(b.chains))
	for name, ch := range b.chains {
		out[name] = ch.Units()
	}
	return out
}

// Stats はmetricsユニットを含むチェーンの集計結果を返す。
func (b *Builder) Stats() map[string]MetricsStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string]MetricsStats, len(b.metrics))
	for name, m := range b.metrics {
		out[name] = m.Stats()
	}
	return out
}
