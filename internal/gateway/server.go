package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/apperror"
	"github.com/nao1215/edugate/internal/breaker"
	"github.com/nao1215/edugate/internal/cache"
	"github.com/nao1215/edugate/internal/chain"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/internal/health"
	"github.com/nao1215/edugate/internal/proxy"
	"github.com/nao1215/edugate/internal/ratelimit"
	"github.com/nao1215/edugate/internal/telemetry"
	"github.com/nao1215/edugate/pkg/event"
	"github.com/nao1215/edugate/pkg/middleware"
)

// Version はゲートウェイのバージョン。/info で返す。
const Version = "1.0.0"

const (
	// journalCapacity はイベントジャーナルに保持する件数。
	journalCapacity = 200
	// statusEventCount は /status に含める直近イベントの件数。
	statusEventCount = 20
	// shutdownTimeout はグレースフルシャットダウンの待ち時間の上限。
	shutdownTimeout = 10 * time.Second
)

// リミッター名。X-RateLimitヘッダーとメトリクスのラベルに現れる。
const (
	limiterGlobal   = "global"
	limiterAuth     = "auth"
	limiterRegister = "register"
	limiterUser     = "user"
	limiterIP       = "ip"
	limiterCritical = "critical"
)

// registerPath はアカウント登録のパス。専用のリミッターを追加で適用する。
const registerPath = "/api/auth/register"

// Server はAPIゲートウェイのHTTPサーバー。
type Server struct {
	// cfg はゲートウェイ全体の設定。
	cfg *config.Config
	// router はGinのHTTPルーター。
	router *gin.Engine
	logger *slog.Logger

	telemetry  *telemetry.Collectors
	journal    *event.Journal
	breakers   *breaker.Registry
	monitor    *health.Monitor
	dispatcher *proxy.Dispatcher
	cache      *cache.ResponseCache
	chains     *chain.Builder
	// limiters は適用順のリミッター一覧。
	limiters []*ratelimit.Limiter

	startedAt time.Time
	// closers は終了時に解放するリソース。
	closers []func() error
}

// Option はServerの生成オプション。
type Option func(*options)

type options struct {
	logger    *slog.Logger
	store     ratelimit.Store
	transport http.RoundTripper
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithStore は流量制限のストアを差し替える。指定した場合はRedisへ接続しない。
func WithStore(s ratelimit.Store) Option {
	return func(o *options) {
		o.store = s
	}
}

// WithTransport はバックエンドへの転送に使うRoundTripperを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(o *options) {
		o.transport = rt
	}
}

// NewServer は設定から全コンポーネントを生成し、ルーティングを構成したサーバーを返す。
// ヘルスモニターは開始しない。Runを呼ぶかMonitor().Startで開始する。
func NewServer(ctx context.Context, cfg *config.Config, opts ...Option) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	s := &Server{
		cfg:       cfg,
		logger:    o.logger,
		telemetry: telemetry.New(),
		journal:   event.NewJournal(journalCapacity),
		cache:     cache.New(cfg.Cache.MaxSize, cfg.Cache.TTL),
		startedAt: time.Now(),
	}

	names := make([]string, 0, len(cfg.Services))
	for _, svc := range cfg.Services {
		names = append(names, svc.Name)
	}
	s.breakers = breaker.New(cfg.Breaker.Threshold, cfg.Breaker.OpenDuration,
		breaker.WithLogger(o.logger),
		breaker.WithRecorder(s.journal),
		breaker.WithMetrics(s.telemetry))
	s.breakers.Register(names...)

	s.monitor = health.NewMonitor(cfg.Services, cfg.Health, s.breakers,
		health.WithLogger(o.logger),
		health.WithRecorder(s.journal),
		health.WithMetrics(s.telemetry))

	proxyOpts := []proxy.Option{
		proxy.WithServiceTag(cfg.ServiceTag),
		proxy.WithLogger(o.logger),
		proxy.WithMetrics(s.telemetry),
	}
	if o.transport != nil {
		proxyOpts = append(proxyOpts, proxy.WithTransport(o.transport))
	}
	s.dispatcher = proxy.New(cfg.Services, s.breakers, proxyOpts...)

	store := o.store
	if store == nil {
		var err error
		store, err = s.newStore(ctx)
		if err != nil {
			return nil, err
		}
	}
	s.limiters = s.newLimiters(store)

	s.chains = chain.NewBuilder(chain.Deps{
		Security:    cfg.Security,
		CORSOrigins: cfg.CORSOrigins,
		Logging:     cfg.Logging,
		Logger:      o.logger,
		Cache:       s.cache,
		Telemetry:   s.telemetry,
	})

	s.router = gin.New()
	s.router.Use(middleware.Recovery(o.logger))
	s.router.Use(middleware.RequestID())
	s.router.Use(middleware.CORS(cfg.CORSOrigins))
	s.router.Use(middleware.Identity(cfg.JWTSecret))
	if err := s.setupRoutes(); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// newStore は設定に応じて流量制限のストアを生成する。
// Redisのアドレスが設定されている場合はRedisを共有ストアとして使う。
func (s *Server) newStore(ctx context.Context) (ratelimit.Store, error) {
	rl := s.cfg.RateLimit
	if rl.RedisAddr == "" {
		store, err := ratelimit.NewMemoryStore()
		if err != nil {
			return nil, fmt.Errorf("流量制限ストアの生成に失敗: %w", err)
		}
		return store, nil
	}

	client, err := ratelimit.DialRedis(ctx, rl.RedisAddr, rl.RedisPassword, rl.RedisDB)
	if err != nil {
		return nil, fmt.Errorf("Redisへの接続に失敗: %w", err)
	}
	s.closers = append(s.closers, client.Close)
	store, err := ratelimit.NewRedisStore(ratelimit.NewEvalClient(client), rl.RedisPrefix)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("流量制限ストアの生成に失敗: %w", err)
	}
	s.logger.Info("using redis rate limit store", slog.String("addr", rl.RedisAddr))
	return store, nil
}

func (s *Server) newLimiters(store ratelimit.Store) []*ratelimit.Limiter {
	rl := s.cfg.RateLimit
	common := []ratelimit.Option{
		ratelimit.WithLogger(s.logger),
		ratelimit.WithMetrics(s.telemetry),
	}
	limiter := func(name string, p config.RateLimitProfile, opts ...ratelimit.Option) *ratelimit.Limiter {
		profile := ratelimit.Profile{Name: name, Window: p.Window, Max: p.Max}
		return ratelimit.New(profile, store, append(opts, common...)...)
	}

	return []*ratelimit.Limiter{
		limiter(limiterGlobal, rl.Default),
		limiter(limiterAuth, rl.Auth),
		limiter(limiterRegister, rl.Register),
		limiter(limiterUser, rl.User,
			ratelimit.WithKeyFunc(ratelimit.ByUser),
			ratelimit.WithBypassRole(s.cfg.AdminRole)),
		limiter(limiterIP, rl.IP),
		limiter(limiterCritical, rl.Critical, ratelimit.WithKeyFunc(ratelimit.ByIPAndPath)),
	}
}

func (s *Server) limiter(name string) gin.HandlerFunc {
	for _, l := range s.limiters {
		if l.Name() == name {
			return l.Middleware()
		}
	}
	panic("未登録のリミッター: " + name)
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() error {
	s.router.GET("/health", s.handleHealth())
	s.router.GET("/metrics", gin.WrapH(s.telemetry.Handler()))

	local := s.router.Group("", s.limiter(limiterIP))
	{
		local.GET("/status", s.handleStatus())
		local.GET("/info", s.handleInfo())
	}

	// ルートクラスごとに追加するリミッター
	classLimiters := map[string][]gin.HandlerFunc{
		config.ClassAuth: {
			s.limiter(limiterAuth),
			onlyPath(registerPath, s.limiter(limiterRegister)),
		},
		config.ClassCourses:     {s.limiter(limiterUser)},
		config.ClassEnrollments: {s.limiter(limiterUser)},
		config.ClassPayments:    {s.limiter(limiterUser), s.limiter(limiterCritical)},
	}

	api := s.router.Group("", s.limiter(limiterGlobal))
	for _, svc := range s.cfg.Services {
		ch, err := s.chains.Build(svc.Name, s.cfg.Chains[svc.Name], s.dispatcher.Dispatch)
		if err != nil {
			return fmt.Errorf("チェーン%sの構築に失敗: %w", svc.Name, err)
		}
		handlers := slices.Concat(classLimiters[svc.Name], []gin.HandlerFunc{ch.HandlerFunc()})
		api.Any(svc.Prefix, handlers...)
		api.Any(svc.Prefix+"/*path", handlers...)
	}

	s.router.NoRoute(func(c *gin.Context) {
		apperror.Write(c, apperror.NotFound(c.Request.URL.Path))
	})
	return nil
}

// onlyPath はパスが一致するリクエストにだけhを適用する。末尾のスラッシュは無視する。
func onlyPath(path string, h gin.HandlerFunc) gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimRight(c.Request.URL.Path, "/") != path {
			c.Next()
			return
		}
		h(c)
	}
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Monitor はヘルスモニターを返す。
func (s *Server) Monitor() *health.Monitor {
	return s.monitor
}

// Breakers はサーキットブレーカーのレジストリを返す。
func (s *Server) Breakers() *breaker.Registry {
	return s.breakers
}

// Run はヘルスモニターとHTTPサーバーを起動し、ctxがキャンセルされるまで待つ。
// 終了時はヘルスモニターを止めてからHTTPサーバーをシャットダウンする。
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              ":" + s.cfg.Port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.monitor.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("gateway listening",
			slog.String("addr", srv.Addr),
			slog.String("environment", string(s.cfg.Environment)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		s.monitor.Stop()
		if ok {
			return fmt.Errorf("HTTPサーバーの起動に失敗: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down gateway")
	s.monitor.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTPサーバーのシャットダウンに失敗: %w", err)
	}
	return nil
}

// Close はサーバーが保持する外部リソースを解放する。
func (s *Server) Close() error {
	var errs []error
	for _, closeFn := range s.closers {
		if err := closeFn(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
