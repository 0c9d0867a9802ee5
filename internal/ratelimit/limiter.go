package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/apperror"
	"github.com/nao1215/edugate/internal/telemetry"
	"github.com/nao1215/edugate/pkg/middleware"
)

// Profile は流量制限の名前付き設定。
type Profile struct {
	// Name はリミッター名。ログとキーの接頭辞に使う。
	Name string
	// Window はウィンドウの長さ。
	Window time.Duration
	// Max はウィンドウ内で許可するリクエスト数の上限。
	Max int
}

// Decision はLimiter.Allowの判定結果。
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetIn   time.Duration
}

// KeyFunc はリクエストから流量制限のキーを求める。
type KeyFunc func(c *gin.Context) string

// ByIP はクライアントIPをキーにする。
func ByIP(c *gin.Context) string {
	return c.ClientIP()
}

// ByUser は認証済みユーザーIDをキーにする。匿名の場合はクライアントIPを使う。
func ByUser(c *gin.Context) string {
	if id := middleware.GetUserID(c); id != "" {
		return "user:" + id
	}
	return "ip:" + c.ClientIP()
}

// ByIPAndPath はクライアントIPとパスの組をキーにする。
func ByIPAndPath(c *gin.Context) string {
	return c.ClientIP() + ":" + c.Request.URL.Path
}

// exemptPaths はすべてのリミッターから除外するパス。
var exemptPaths = map[string]struct{}{
	"/health":  {},
	"/metrics": {},
}

// IsExempt は流量制限の対象外のパスかどうかを返す。
func IsExempt(path string) bool {
	_, ok := exemptPaths[path]
	return ok
}

// Limiter は1つのプロファイルに従って流量制限を行う。
type Limiter struct {
	profile    Profile
	store      Store
	keyFn      KeyFunc
	bypassRole string
	logger     *slog.Logger
	metrics    *telemetry.Collectors
}

// Option はLimiterの生成オプション。
type Option func(*Limiter)

// WithKeyFunc はキーの求め方を設定する。既定はByIP。
func WithKeyFunc(fn KeyFunc) Option {
	return func(l *Limiter) {
		if fn != nil {
			l.keyFn = fn
		}
	}
}

// WithBypassRole は指定したロールの利用者を制限の対象外にする。
func WithBypassRole(role string) Option {
	return func(l *Limiter) {
		l.bypassRole = role
	}
}

// WithLogger はロガーを設定する。
func WithLogger(lg *slog.Logger) Option {
	return func(l *Limiter) {
		if lg != nil {
			l.logger = lg
		}
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func WithMetrics(m *telemetry.Collectors) Option {
	return func(l *Limiter) {
		l.metrics = m
	}
}

// New はLimiterを生成する。
func New(profile Profile, store Store, opts ...Option) *Limiter {
	l := &Limiter{
		profile: profile,
		store:   store,
		keyFn:   ByIP,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With(slog.String("component", "ratelimit"), slog.String("limiter", profile.Name))
	return l
}

// Name はリミッター名を返す。
func (l *Limiter) Name() string {
	return l.profile.Name
}

// Profile はリミッターの設定を返す。
func (l *Limiter) Profile() Profile {
	return l.profile
}

// Allow はキーに対するリクエストを1件数え、許可するかどうかを返す。
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	res, err := l.store.Take(ctx, l.profile.Name+":"+key, l.profile.Max, l.profile.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("流量制限の判定に失敗: %w", err)
	}
	remaining := l.profile.Max - res.Count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   res.Allowed,
		Limit:     l.profile.Max,
		Remaining: remaining,
		ResetIn:   res.ResetIn,
	}, nil
}

// Middleware はLimiterを適用するGinミドルウェアを返す。
// ヘルスチェックとメトリクス取得のパスは対象外。ストアの障害時はリクエストを許可する。
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if IsExempt(c.Request.URL.Path) {
			c.Next()
			return
		}
		if l.bypassRole != "" && middleware.GetRole(c) == l.bypassRole {
			c.Next()
			return
		}

		key := l.keyFn(c)
		d, err := l.Allow(c.Request.Context(), key)
		if err != nil {
			l.logger.Error("rate limit store unavailable, allowing request",
				slog.String("key", key),
				slog.Any("error", err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.Itoa(int(math.Ceil(d.ResetIn.Seconds()))))

		if !d.Allowed {
			l.logger.Warn("rate limit exceeded",
				slog.String("key", key),
				slog.String("path", c.Request.URL.Path),
				slog.Duration("retry_after", d.ResetIn))
			l.metrics.RateLimitRejected(l.profile.Name)
			apperror.Write(c, apperror.AdmissionRejected(l.profile.Name, d.ResetIn))
			return
		}
		c.Next()
	}
}
