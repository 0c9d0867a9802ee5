package ratelimit

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

//go:embed fixed_window.lua
var fixedWindowLua string

// EvalClient はLuaスクリプトを実行できるRedisクライアント。
type EvalClient interface {
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// scripter はgo-redisのクライアントをEvalClientに合わせる。
type scripter struct {
	c redis.Scripter
}

func (s scripter) Eval(ctx context.Context, script string, keys []string, args ...any) (any, error) {
	return s.c.Eval(ctx, script, keys, args...).Result()
}

// NewEvalClient はgo-redisのクライアントからEvalClientを生成する。
func NewEvalClient(c redis.Scripter) EvalClient {
	return scripter{c: c}
}

// DialRedis はRedisに接続し、疎通を確認したクライアントを返す。
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	return client, nil
}

// RedisStore はRedisでカウントを保持するStore。複数のゲートウェイ間で共有できる。
// 読み取りと更新は1つのLuaスクリプトで不可分に行う。
type RedisStore struct {
	client EvalClient
	prefix string
}

// NewRedisStore はRedisStoreを生成する。prefixが空の場合は "ratelimit:" を使う。
func NewRedisStore(client EvalClient, prefix string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("Redisクライアントがnil")
	}
	if prefix == "" {
		prefix = "ratelimit:"
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

// Take はキーのカウントを1つ進める。上限に達している場合はカウントを変えずに拒否する。
func (s *RedisStore) Take(ctx context.Context, key string, max int, window time.Duration) (Result, error) {
	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		return Result{}, errors.New("ウィンドウは1ミリ秒以上が必要")
	}

	raw, err := s.client.Eval(ctx, fixedWindowLua, []string{s.prefix + key}, max, windowMs)
	if err != nil {
		return Result{}, fmt.Errorf("流量制限スクリプトの実行に失敗: %w", err)
	}

	values, ok := raw.([]any)
	if !ok || len(values) != 3 {
		return Result{}, fmt.Errorf("流量制限スクリプトの結果が不正: %T", raw)
	}
	nums := make([]int64, 3)
	for i, v := range values {
		n, err := toInt64(v)
		if err != nil {
			return Result{}, err
		}
		nums[i] = n
	}

	return Result{
		Allowed: nums[0] == 1,
		Count:   int(nums[1]),
		ResetIn: time.Duration(nums[2]) * time.Millisecond,
	}, nil
}

func toInt64(v any) (int64, error) {
	switch t := v.(type) {
	case int64:
		return t, nil
	case int:
		return int64(t), nil
	case string:
		n, err := strconv.ParseInt(t, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("数値の解析に失敗: %w", err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("想定外の数値型: %T", v)
	}
}
