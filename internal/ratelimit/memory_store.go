package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/maypok86/otter/v2"
)

// bucket は1キー分の固定ウィンドウ。
type bucket struct {
	windowStart time.Time
	count       int
}

const (
	// defaultMaxKeys は保持するキー数の上限。超えた分はotterが追い出す。
	defaultMaxKeys = 100_000
	// keepForever はSetExpiresAfterで上書きするまでの既定の保持期間。
	keepForever = 24 * 365 * time.Hour
)

// MemoryStore はプロセス内でカウントを保持するStore。
// バケットはウィンドウ開始から window 経過後にotterが破棄する。
type MemoryStore struct {
	mu      sync.Mutex
	buckets *otter.Cache[string, *bucket]
	now     func() time.Time
}

// MemoryOption はMemoryStoreの生成オプション。
type MemoryOption func(*memoryOptions)

type memoryOptions struct {
	maxKeys int
	now     func() time.Time
}

// WithMaxKeys は保持するキー数の上限を設定する。
func WithMaxKeys(n int) MemoryOption {
	return func(o *memoryOptions) {
		if n > 0 {
			o.maxKeys = n
		}
	}
}

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) MemoryOption {
	return func(o *memoryOptions) {
		if now != nil {
			o.now = now
		}
	}
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore(opts ...MemoryOption) (*MemoryStore, error) {
	o := &memoryOptions{maxKeys: defaultMaxKeys, now: time.Now}
	for _, opt := range opts {
		opt(o)
	}

	cache, err := otter.New(&otter.Options[string, *bucket]{
		MaximumSize:      o.maxKeys,
		ExpiryCalculator: otter.ExpiryWriting[string, *bucket](keepForever),
	})
	if err != nil {
		return nil, fmt.Errorf("バケットキャッシュの生成に失敗: %w", err)
	}
	return &MemoryStore{buckets: cache, now: o.now}, nil
}

// Take はキーのカウントを1つ進める。上限に達している場合はカウントを変えずに拒否する。
func (s *MemoryStore) Take(_ context.Context, key string, max int, window time.Duration) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets.GetIfPresent(key)
	if !ok || now.Sub(b.windowStart) > window {
		b = &bucket{windowStart: now}
		s.buckets.Set(key, b)
		s.buckets.SetExpiresAfter(key, window)
	}

	resetIn := window - now.Sub(b.windowStart)
	if b.count >= max {
		return Result{Allowed: false, Count: b.count, ResetIn: resetIn}, nil
	}
	b.count++
	return Result{Allowed: true, Count: b.count, ResetIn: resetIn}, nil
}
