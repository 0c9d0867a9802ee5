package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

// fakeRedisEvalClient は固定ウィンドウスクリプトと同じ振る舞いをするRedisの代替。
type fakeRedisEvalClient struct {
	mu      sync.Mutex
	counts  map[string]int64
	ttls    map[string]int64
	scripts []string
	err     error
}

func newFakeRedisEvalClient() *fakeRedisEvalClient {
	return &fakeRedisEvalClient{counts: make(map[string]int64), ttls: make(map[string]int64)}
}

func (c *fakeRedisEvalClient) Eval(_ context.Context, script string, keys []string, args ...any) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.err != nil {
		return nil, c.err
	}
	if len(keys) != 1 || len(args) != 2 {
		return nil, fmt.Errorf("想定外の引数: keys=%v args=%v", keys, args)
	}
	c.scripts = append(c.scripts, script)

	max := int64(args[0].(int))
	window := args[1].(int64)
	key := keys[0]

	if c.counts[key] >= max {
		return []any{int64(0), c.counts[key], c.ttls[key]}, nil
	}
	c.counts[key]++
	if c.counts[key] == 1 {
		c.ttls[key] = window
	}
	return []any{int64(1), c.counts[key], c.ttls[key]}, nil
}

// expire はキーのTTL切れを再現する。
func (c *fakeRedisEvalClient) expire(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.counts, key)
	delete(c.ttls, key)
}

// TestRedisStore_Take はRedisStoreの結果の解釈を検証する。
func TestRedisStore_Take(t *testing.T) {
	t.Parallel()

	ctx := context.Background()

	t.Run("キーに接頭辞が付きスクリプトの結果がResultに変換されること", func(t *testing.T) {
		t.Parallel()

		client := newFakeRedisEvalClient()
		s, err := NewRedisStore(client, "edugate:rl:")
		if err != nil {
			t.Fatalf("NewRedisStore()でエラーが発生: %v", err)
		}

		res, err := s.Take(ctx, "ip:1.2.3.4", 2, time.Minute)
		if err != nil {
			t.Fatalf("Take()でエラーが発生: %v", err)
		}
		if !res.Allowed || res.Count != 1 || res.ResetIn != time.Minute {
			t.Errorf("Result = %+v, want {true 1 1m}", res)
		}
		if _, ok := client.counts["edugate:rl:ip:1.2.3.4"]; !ok {
			t.Errorf("接頭辞付きのキーが使われていない: %v", client.counts)
		}
		if !strings.Contains(client.scripts[0], "INCR") {
			t.Error("固定ウィンドウスクリプトが送信されていない")
		}
	})

	t.Run("上限超過で拒否されTTL切れ後にカウント1から再開すること", func(t *testing.T) {
		t.Parallel()

		client := newFakeRedisEvalClient()
		s, _ := NewRedisStore(client, "")

		for range 2 {
			_, _ = s.Take(ctx, "k", 2, time.Minute)
		}
		res, _ := s.Take(ctx, "k", 2, time.Minute)
		if res.Allowed || res.Count != 2 {
			t.Errorf("Result = %+v, want 拒否かつCount=2", res)
		}

		client.expire("ratelimit:k")
		res, _ = s.Take(ctx, "k", 2, time.Minute)
		if !res.Allowed || res.Count != 1 {
			t.Errorf("TTL切れ後 = %+v, want 許可かつCount=1", res)
		}
	})

	t.Run("Redisのエラーがラップされて返ること", func(t *testing.T) {
		t.Parallel()

		client := newFakeRedisEvalClient()
		client.err = errors.New("connection refused")
		s, _ := NewRedisStore(client, "")

		if _, err := s.Take(ctx, "k", 1, time.Minute); !errors.Is(err, client.err) {
			t.Errorf("エラー = %v, want %v をラップしたもの", err, client.err)
		}
	})

	t.Run("nilクライアントでエラーになること", func(t *testing.T) {
		t.Parallel()

		if _, err := NewRedisStore(nil, ""); err == nil {
			t.Error("nilクライアントでエラーが返らなかった")
		}
	})
}

// TestToInt64 はスクリプト結果の数値変換を検証する。
func TestToInt64(t *testing.T) {
	t.Parallel()

	if n, err := toInt64("42"); err != nil || n != 42 {
		t.Errorf(`toInt64("42") = %d, %v`, n, err)
	}
	if _, err := toInt64(1.5); err == nil {
		t.Error("toInt64(1.5)でエラーが返らなかった")
	}
}
