package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Environment はゲートウェイの実行環境。
type Environment string

const (
	// EnvProduction は本番環境。エラー詳細とスタックトレースを応答に含めない。
	EnvProduction Environment = "production"
	// EnvDevelopment は開発環境。
	EnvDevelopment Environment = "development"
	// EnvTest はテスト環境。
	EnvTest Environment = "test"
)

// Route class names. Each class has its own middleware chain.
const (
	ClassAuth        = "auth"
	ClassCourses     = "courses"
	ClassEnrollments = "enrollments"
	ClassPayments    = "payments"
)

// Service はプロキシ先バックエンドサービスの記述子。起動後は変更しない。
type Service struct {
	// Name はサービス名。ルートクラス名と一致する。
	Name string `json:"name"`
	// BaseURL は転送先のベースURL。
	BaseURL string `json:"baseUrl"`
	// Prefix はゲートウェイ上のパスプレフィックス（例: "/api/courses"）。
	Prefix string `json:"prefix"`
	// Timeout は1回の転送の上限時間。
	Timeout time.Duration `json:"timeout"`
	// Retries はリトライ予算。クライアントリクエスト内での自動リトライには使用しない。
	Retries int `json:"retries"`
	// HealthPath はヘルスチェックのパス。
	HealthPath string `json:"healthPath"`
}

// RateLimitProfile は固定ウィンドウ流量制限の設定。
type RateLimitProfile struct {
	// Window はウィンドウの長さ。
	Window time.Duration
	// Max はウィンドウ内で許可するリクエスト数の上限。
	Max int
}

// RateLimit は流量制限の全プロファイルと共有ストアの設定。
type RateLimit struct {
	Default  RateLimitProfile
	Auth     RateLimitProfile
	Register RateLimitProfile
	User     RateLimitProfile
	IP       RateLimitProfile
	Critical RateLimitProfile

	// RedisAddr が空の場合はプロセス内のストアを使用する。
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// RedisPrefix はRedisキーの接頭辞。
	RedisPrefix string
}

// Breaker はサーキットブレーカーの設定。
type Breaker struct {
	// Threshold はOpenに遷移する連続失敗回数。
	Threshold int
	// OpenDuration はOpenを維持する時間。経過後に1件の試行を許可する。
	OpenDuration time.Duration
}

// Cache はレスポンスキャッシュの設定。
type Cache struct {
	TTL     time.Duration
	MaxSize int
}

// Health はヘルスモニターの設定。
type Health struct {
	// Interval はヘルスチェックの実行間隔。
	Interval time.Duration
	// Timeout は1回のヘルスチェックの上限時間。
	Timeout time.Duration
}

// Security はセキュリティユニットの設定。
type Security struct {
	// MaxBodyBytes はリクエストボディの最大サイズ。
	MaxBodyBytes int64
	// BlockedIPs は拒否するクライアントIPの一覧。
	BlockedIPs []string
}

// Logging はログ出力の設定。
type Logging struct {
	Level slog.Level
	// Headers が true の場合、リクエストヘッダーをログに含める。
	Headers bool
	// Body が true の場合、リクエストボディをログに含める。
	Body bool
}

// Config はゲートウェイ全体の設定。
type Config struct {
	// Port はリッスンポート。
	Port string
	// Environment は実行環境。
	Environment Environment
	// ServiceTag はバックエンドへX-Forwarded-Byとして送るゲートウェイ識別子。
	ServiceTag string
	// JWTSecret は利用者識別に使うJWTの検証鍵。
	JWTSecret string
	// AdminRole は利用者単位の流量制限を免除するロール名。
	AdminRole string
	// CORSOrigins は許可するオリジンの一覧。
	CORSOrigins []string
	// Services はプロキシ先サービスの一覧。
	Services []Service

	RateLimit RateLimit
	Breaker   Breaker
	Cache     Cache
	Health    Health
	Security  Security
	Logging   Logging

	// Chains はルートクラスごとのミドルウェアユニット名の並び。
	Chains map[string][]string
}

// IsProduction は本番環境かどうかを返す。
func (c *Config) IsProduction() bool {
	return c.Environment == EnvProduction
}

// Service は名前に一致するサービス記述子を返す。
func (c *Config) Service(name string) (Service, bool) {
	for _, s := range c.Services {
		if s.Name == name {
			return s, true
		}
	}
	return Service{}, false
}

// serviceDef はサービスごとの環境変数名と既定値。
type serviceDef struct {
	name       string
	envPrefix  string
	prefix     string
	defaultURL string
	timeout    string
}

var serviceDefs = []serviceDef{
	{name: ClassAuth, envPrefix: "auth", prefix: "/api/auth", defaultURL: "http://localhost:3001", timeout: "10s"},
	{name: ClassCourses, envPrefix: "course", prefix: "/api/courses", defaultURL: "http://localhost:3002", timeout: "10s"},
	{name: ClassEnrollments, envPrefix: "enrollment", prefix: "/api/enrollments", defaultURL: "http://localhost:3003", timeout: "10s"},
	{name: ClassPayments, envPrefix: "payment", prefix: "/api/payments", defaultURL: "http://localhost:3004", timeout: "30s"},
}

// defaultChains はルートクラスごとの既定のユニット構成。キャッシュは講座一覧のみ。
var defaultChains = map[string]string{
	ClassAuth:        "security,logging,metrics",
	ClassCourses:     "security,logging,metrics,caching",
	ClassEnrollments: "security,logging,metrics",
	ClassPayments:    "security,logging,metrics",
}

var rateLimitDefaults = map[string][2]string{
	"default":  {"15m", "100"},
	"auth":     {"15m", "20"},
	"register": {"1h", "5"},
	"user":     {"15m", "300"},
	"ip":       {"15m", "100"},
	"critical": {"1m", "10"},
}

// Load はカレントディレクトリの.envファイルと環境変数から設定を読み込む。
// .envファイルが存在しない場合は環境変数のみを使用する。
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf(".envファイルの読み込みに失敗: %w", err)
	}

	v := viper.New()
	v.AutomaticEnv()
	return fromViper(v)
}

// setDefaults はすべての設定キーの既定値を登録する。
// キーは環境変数名を小文字にしたもので、AutomaticEnvが大文字の環境変数を参照する。
func setDefaults(v *viper.Viper) {
	v.SetDefault("port", "8080")
	v.SetDefault("gateway_env", string(EnvDevelopment))
	v.SetDefault("gateway_tag", "edugate")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_headers", false)
	v.SetDefault("log_body", false)
	v.SetDefault("jwt_secret", "")
	v.SetDefault("admin_role", "admin")
	v.SetDefault("cors_origins", "http://localhost:3000")

	for _, d := range serviceDefs {
		v.SetDefault(d.envPrefix+"_service_url", d.defaultURL)
		v.SetDefault(d.envPrefix+"_service_timeout", d.timeout)
		v.SetDefault(d.envPrefix+"_service_retries", 3)
		v.SetDefault(d.envPrefix+"_health_path", "/health")
	}

	for name, d := range rateLimitDefaults {
		v.SetDefault("rate_limit_"+name+"_window", d[0])
		v.SetDefault("rate_limit_"+name+"_max", d[1])
	}
	v.SetDefault("rate_limit_redis_addr", "")
	v.SetDefault("rate_limit_redis_password", "")
	v.SetDefault("rate_limit_redis_db", 0)
	v.SetDefault("rate_limit_redis_prefix", "edugate:ratelimit:")

	v.SetDefault("circuit_breaker_threshold", 5)
	v.SetDefault("circuit_breaker_timeout", "60s")
	v.SetDefault("cache_ttl", "5m")
	v.SetDefault("cache_max_size", 100)
	v.SetDefault("health_check_interval", "30s")
	v.SetDefault("health_check_timeout", "5s")
	v.SetDefault("security_max_body_bytes", 10<<20)
	v.SetDefault("security_blocked_ips", "")

	for class, units := range defaultChains {
		v.SetDefault("chain_"+class, units)
	}
}

// fromViper はviperに登録された値から Config を組み立てて検証する。
func fromViper(v *viper.Viper) (*Config, error) {
	setDefaults(v)

	p := &parser{v: v}
	cfg := &Config{
		Port:        strings.TrimSpace(v.GetString("port")),
		Environment: Environment(strings.ToLower(strings.TrimSpace(v.GetString("gateway_env")))),
		ServiceTag:  v.GetString("gateway_tag"),
		JWTSecret:   v.GetString("jwt_secret"),
		AdminRole:   v.GetString("admin_role"),
		CORSOrigins: splitList(v.GetString("cors_origins")),
		Logging: Logging{
			Level:   p.level("log_level"),
			Headers: v.GetBool("log_headers"),
			Body:    v.GetBool("log_body"),
		},
		Breaker: Breaker{
			Threshold:    p.integer("circuit_breaker_threshold"),
			OpenDuration: p.duration("circuit_breaker_timeout"),
		},
		Cache: Cache{
			TTL:     p.duration("cache_ttl"),
			MaxSize: p.integer("cache_max_size"),
		},
		Health: Health{
			Interval: p.duration("health_check_interval"),
			Timeout:  p.duration("health_check_timeout"),
		},
		Security: Security{
			MaxBodyBytes: int64(p.integer("security_max_body_bytes")),
			BlockedIPs:   splitList(v.GetString("security_blocked_ips")),
		},
		RateLimit: RateLimit{
			Default:       p.profile("default"),
			Auth:          p.profile("auth"),
			Register:      p.profile("register"),
			User:          p.profile("user"),
			IP:            p.profile("ip"),
			Critical:      p.profile("critical"),
			RedisAddr:     strings.TrimSpace(v.GetString("rate_limit_redis_addr")),
			RedisPassword: v.GetString("rate_limit_redis_password"),
			RedisDB:       p.integer("rate_limit_redis_db"),
			RedisPrefix:   v.GetString("rate_limit_redis_prefix"),
		},
		Chains: make(map[string][]string, len(defaultChains)),
	}

	for _, d := range serviceDefs {
		cfg.Services = append(cfg.Services, Service{
			Name:       d.name,
			BaseURL:    strings.TrimRight(strings.TrimSpace(v.GetString(d.envPrefix+"_service_url")), "/"),
			Prefix:     d.prefix,
			Timeout:    p.duration(d.envPrefix + "_service_timeout"),
			Retries:    p.integer(d.envPrefix + "_service_retries"),
			HealthPath: v.GetString(d.envPrefix + "_health_path"),
		})
	}
	for class := range defaultChains {
		cfg.Chains[class] = splitList(v.GetString("chain_" + class))
	}

	if len(p.errs) > 0 {
		return nil, fmt.Errorf("設定値の解析に失敗: %w", errors.Join(p.errs...))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定値の検証に失敗: %w", err)
	}
	return cfg, nil
}

// Validate は設定値の整合性を検証する。
func (c *Config) Validate() error {
	var errs []error

	switch c.Environment {
	case EnvProduction, EnvDevelopment, EnvTest:
	default:
		errs = append(errs, fmt.Errorf("GATEWAY_ENVが不正: %q", c.Environment))
	}
	if c.Port == "" {
		errs = append(errs, errors.New("PORTが空"))
	}
	if c.IsProduction() && c.JWTSecret == "" {
		errs = append(errs, errors.New("本番環境ではJWT_SECRETが必須"))
	}
	for _, s := range c.Services {
		u, err := url.Parse(s.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			errs = append(errs, fmt.Errorf("%sのサービスURLが不正: %q", s.Name, s.BaseURL))
		}
		if s.Timeout <= 0 {
			errs = append(errs, fmt.Errorf("%sのタイムアウトは正の値が必要", s.Name))
		}
		if !strings.HasPrefix(s.HealthPath, "/") {
			errs = append(errs, fmt.Errorf("%sのヘルスチェックパスは/で始まる必要がある: %q", s.Name, s.HealthPath))
		}
	}
	for name, p := range map[string]RateLimitProfile{
		"default": c.RateLimit.Default, "auth": c.RateLimit.Auth, "register": c.RateLimit.Register,
		"user": c.RateLimit.User, "ip": c.RateLimit.IP, "critical": c.RateLimit.Critical,
	} {
		if p.Window <= 0 || p.Max < 1 {
			errs = append(errs, fmt.Errorf("流量制限%sはウィンドウ>0かつ上限>=1が必要", name))
		}
	}
	if c.Breaker.Threshold < 1 {
		errs = append(errs, errors.New("CIRCUIT_BREAKER_THRESHOLDは1以上が必要"))
	}
	if c.Breaker.OpenDuration <= 0 {
		errs = append(errs, errors.New("CIRCUIT_BREAKER_TIMEOUTは正の値が必要"))
	}
	if c.Cache.MaxSize < 1 || c.Cache.TTL <= 0 {
		errs = append(errs, errors.New("CACHE_MAX_SIZEは1以上、CACHE_TTLは正の値が必要"))
	}
	if c.Health.Interval <= 0 || c.Health.Timeout <= 0 {
		errs = append(errs, errors.New("HEALTH_CHECK_INTERVALとHEALTH_CHECK_TIMEOUTは正の値が必要"))
	}
	if c.Security.MaxBodyBytes < 1 {
		errs = append(errs, errors.New("SECURITY_MAX_BODY_BYTESは1以上が必要"))
	}

	return errors.Join(errs...)
}

// parser は型変換エラーを蓄積しながら値を取り出す。
type parser struct {
	v    *viper.Viper
	errs []error
}

// duration はGoの時間表記（"30s"）またはミリ秒の整数（"30000"）を受け付ける。
func (p *parser) duration(key string) time.Duration {
	raw := strings.TrimSpace(p.v.GetString(key))
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%sの時間表記が不正: %q", strings.ToUpper(key), raw))
		return 0
	}
	return d
}

func (p *parser) integer(key string) int {
	raw := strings.TrimSpace(p.v.GetString(key))
	n, err := strconv.Atoi(raw)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%sの整数表記が不正: %q", strings.ToUpper(key), raw))
		return 0
	}
	return n
}

func (p *parser) level(key string) slog.Level {
	var lvl slog.Level
	raw := strings.TrimSpace(p.v.GetString(key))
	if err := lvl.UnmarshalText([]byte(raw)); err != nil {
		p.errs = append(p.errs, fmt.Errorf("%sが不正: %q", strings.ToUpper(key), raw))
		return slog.LevelInfo
	}
	return lvl
}

func (p *parser) profile(name string) RateLimitProfile {
	return RateLimitProfile{
		Window: p.duration("rate_limit_" + name + "_window"),
		Max:    p.integer("rate_limit_" + name + "_max"),
	}
}

// splitList はカンマ区切りの文字列を空要素を除いて分割する。
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
