package ratelimit

import (
	"context"
	"time"
)

// Result はStore.Takeの結果。
type Result struct {
	// Allowed はリクエストを許可したかどうか。
	Allowed bool
	// Count は現在のウィンドウでのカウント。上限を超えることはない。
	Count int
	// ResetIn は現在のウィンドウが終わるまでの時間。
	ResetIn time.Duration
}

// Store は流量制限のカウントを保持する。
// Takeはキーに対する読み取りと更新を不可分に行わなければならない。
type Store interface {
	Take(ctx context.Context, key string, max int, window time.Duration) (Result, error)
}
