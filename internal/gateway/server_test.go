package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/apperror"
	"github.com/nao1215/edugate/internal/breaker"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/internal/ratelimit"
	"github.com/nao1215/edugate/pkg/event"
	"github.com/nao1215/edugate/pkg/middleware"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testJWTSecret はテスト用のJWT署名秘密鍵。
const testJWTSecret = "test-secret-key"

// newTestConfig は全サービスをbaseURLに向けたテスト用の設定を生成する。
func newTestConfig(baseURL string) *config.Config {
	profile := config.RateLimitProfile{Window: time.Minute, Max: 1000}
	cfg := &config.Config{
		Port:        "0",
		Environment: config.EnvTest,
		ServiceTag:  "edugate-test",
		JWTSecret:   testJWTSecret,
		AdminRole:   "admin",
		CORSOrigins: []string{"http://localhost:3000"},
		RateLimit: config.RateLimit{
			Default:  profile,
			Auth:     profile,
			Register: config.RateLimitProfile{Window: time.Minute, Max: 5},
			User:     profile,
			IP:       profile,
			Critical: profile,
		},
		Breaker:  config.Breaker{Threshold: 3, OpenDuration: time.Minute},
		Cache:    config.Cache{TTL: time.Minute, MaxSize: 2},
		Health:   config.Health{Interval: time.Hour, Timeout: time.Second},
		Security: config.Security{MaxBodyBytes: 1 << 20},
		Chains: map[string][]string{
			config.ClassAuth:        {"security", "logging", "metrics"},
			config.ClassCourses:     {"security", "logging", "metrics", "caching"},
			config.ClassEnrollments: {"security", "logging", "metrics"},
			config.ClassPayments:    {"security", "logging", "metrics"},
		},
	}
	for _, svc := range []struct{ name, prefix string }{
		{config.ClassAuth, "/api/auth"},
		{config.ClassCourses, "/api/courses"},
		{config.ClassEnrollments, "/api/enrollments"},
		{config.ClassPayments, "/api/payments"},
	} {
		cfg.Services = append(cfg.Services, config.Service{
			Name:       svc.name,
			BaseURL:    baseURL,
			Prefix:     svc.prefix,
			Timeout:    time.Second,
			Retries:    3,
			HealthPath: "/health",
		})
	}
	return cfg
}

// newTestServer はテスト用のゲートウェイを生成する。流量制限はプロセス内のストアを使う。
func newTestServer(t *testing.T, cfg *config.Config, opts ...Option) *Server {
	t.Helper()

	store, err := ratelimit.NewMemoryStore()
	if err != nil {
		t.Fatalf("ストアの生成に失敗: %v", err)
	}
	s, err := NewServer(context.Background(), cfg, append([]Option{WithStore(store)}, opts...)...)
	if err != nil {
		t.Fatalf("サーバーの生成に失敗: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// newEchoBackend は受信したリクエストの内容をJSONで返すバックエンドを生成する。
func newEchoBackend(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success":   true,
			"path":      r.URL.Path,
			"query":     r.URL.RawQuery,
			"userId":    r.Header.Get("X-User-ID"),
			"requestId": r.Header.Get(middleware.HeaderRequestID),
		})
	}))
	t.Cleanup(backend.Close)
	return backend
}

func doRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

// refusingTransport は常に接続拒否を返し、呼び出し回数を数える。
type refusingTransport struct {
	calls atomic.Int32
}

func (rt *refusingTransport) RoundTrip(_ *http.Request) (*http.Response, error) {
	rt.calls.Add(1)
	return nil, &net.OpError{Op: "dial", Net: "tcp", Err: fmt.Errorf("connect: %w", syscall.ECONNREFUSED)}
}

func TestNewServer(t *testing.T) {
	t.Parallel()

	t.Run("不正な設定ではエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		cfg := newTestConfig("http://localhost:3002")
		cfg.Breaker.Threshold = 0
		if _, err := NewServer(context.Background(), cfg); err == nil {
			t.Error("エラーが返されなかった")
		}
	})

	t.Run("未知のユニットを含むチェーンではエラーを返すこと", func(t *testing.T) {
		t.Parallel()

		cfg := newTestConfig("http://localhost:3002")
		cfg.Chains[config.ClassPayments] = []string{"security", "compression"}
		store, err := ratelimit.NewMemoryStore()
		if err != nil {
			t.Fatalf("ストアの生成に失敗: %v", err)
		}
		if _, err := NewServer(context.Background(), cfg, WithStore(store)); err == nil {
			t.Error("エラーが返されなかった")
		}
	})
}

func TestServer_LocalEndpoints(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, newTestConfig("http://localhost:3002"))

	t.Run("/healthがゲートウェイ自身の稼働状態を返すこと", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body HealthResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if !body.Success || body.Status != "healthy" || body.Service != "edugate-test" {
			t.Errorf("body = %+v", body)
		}
		if w.Header().Get(middleware.HeaderRequestID) == "" {
			t.Error("X-Request-IDが設定されていない")
		}
		if w.Header().Get("X-RateLimit-Limit") != "" {
			t.Error("/healthに流量制限ヘッダーが付与されている")
		}
	})

	t.Run("/infoがサービス一覧とチェーン構成を返すこと", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, httptest.NewRequest(http.MethodGet, "/info", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body InfoResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if len(body.Services) != 4 {
			t.Errorf("services = %d, want 4", len(body.Services))
		}
		if got := strings.Join(body.Chains[config.ClassCourses], ","); got != "security,logging,metrics,caching" {
			t.Errorf("courses chain = %q", got)
		}
		if body.Version != Version {
			t.Errorf("version = %q, want %q", body.Version, Version)
		}
	})

	t.Run("/metricsがPrometheus形式で応答すること", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		if !strings.Contains(w.Body.String(), "go_goroutines") {
			t.Error("Goランタイムのメトリクスが含まれていない")
		}
	})

	t.Run("未登録のパスは404のエラーボディを返すこと", func(t *testing.T) {
		t.Parallel()

		w := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/unknown", nil))
		if w.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusNotFound)
		}
		var body apperror.Body
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if body.Success || body.RequestID == "" || body.Timestamp == "" {
			t.Errorf("body = %+v", body)
		}
	})
}

func TestServer_Proxy(t *testing.T) {
	t.Parallel()

	t.Run("プレフィックスを除いて転送し情報ヘッダーを付与すること", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		backend := newEchoBackend(t, &hits)
		s := newTestServer(t, newTestConfig(backend.URL))

		token, err := middleware.GenerateJWT(testJWTSecret, "user-1", "user@example.com", "student")
		if err != nil {
			t.Fatalf("トークンの生成に失敗: %v", err)
		}
		req := httptest.NewRequest(http.MethodGet, "/api/enrollments/mine?limit=5", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		w := doRequest(s, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d, body = %s", w.Code, http.StatusOK, w.Body.String())
		}
		var body struct {
			Path      string `json:"path"`
			Query     string `json:"query"`
			UserID    string `json:"userId"`
			RequestID string `json:"requestId"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if body.Path != "/mine" || body.Query != "limit=5" {
			t.Errorf("path = %q, query = %q", body.Path, body.Query)
		}
		if body.UserID != "user-1" {
			t.Errorf("X-User-ID = %q, want %q", body.UserID, "user-1")
		}
		if body.RequestID != w.Header().Get(middleware.HeaderRequestID) {
			t.Errorf("requestId = %q, want %q", body.RequestID, w.Header().Get(middleware.HeaderRequestID))
		}
		if got := w.Header().Get("X-Served-By"); got != config.ClassEnrollments {
			t.Errorf("X-Served-By = %q, want %q", got, config.ClassEnrollments)
		}
		if w.Header().Get("X-Content-Type-Options") != "nosniff" {
			t.Error("セキュリティヘッダーが付与されていない")
		}
		if w.Header().Get("X-RateLimit-Limit") == "" {
			t.Error("X-RateLimit-Limitが付与されていない")
		}
	})

	t.Run("講座のGETは2回目からキャッシュで応答すること", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		backend := newEchoBackend(t, &hits)
		s := newTestServer(t, newTestConfig(backend.URL))

		first := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/courses/list?page=1", nil))
		second := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/courses/list?page=1", nil))

		if got := first.Header().Get("X-Cache"); got != "MISS" {
			t.Errorf("1回目 X-Cache = %q, want MISS", got)
		}
		if got := second.Header().Get("X-Cache"); got != "HIT" {
			t.Errorf("2回目 X-Cache = %q, want HIT", got)
		}
		if second.Body.String() != first.Body.String() {
			t.Errorf("キャッシュの応答が異なる: %q, %q", second.Body.String(), first.Body.String())
		}
		if got := hits.Load(); got != 1 {
			t.Errorf("backend hits = %d, want 1", got)
		}
	})

	t.Run("プレフィックスちょうどのパスはリダイレクトせずに転送すること", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		backend := newEchoBackend(t, &hits)
		s := newTestServer(t, newTestConfig(backend.URL))

		tests := []struct {
			method string
			target string
			query  string
		}{
			{http.MethodGet, "/api/courses?dept=CS", "dept=CS"},
			{http.MethodPost, "/api/enrollments", ""},
		}
		for _, tt := range tests {
			var body io.Reader
			if tt.method == http.MethodPost {
				body = strings.NewReader(`{"courseId":"c-1"}`)
			}
			w := doRequest(s, httptest.NewRequest(tt.method, tt.target, body))
			if w.Code != http.StatusOK {
				t.Fatalf("%s %s status = %d, want %d, location = %q",
					tt.method, tt.target, w.Code, http.StatusOK, w.Header().Get("Location"))
			}
			var got struct {
				Path  string `json:"path"`
				Query string `json:"query"`
			}
			if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
				t.Fatalf("レスポンスのデコードに失敗: %v", err)
			}
			if got.Path != "/" || got.Query != tt.query {
				t.Errorf("%s %s: path = %q, query = %q", tt.method, tt.target, got.Path, got.Query)
			}
		}
		if got := hits.Load(); got != 2 {
			t.Errorf("backend hits = %d, want 2", got)
		}
	})

	t.Run("不正なパターンを含むリクエストは転送せず400を返すこと", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		backend := newEchoBackend(t, &hits)
		s := newTestServer(t, newTestConfig(backend.URL))

		w := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/courses/search?q=%3Cscript%3Ealert(1)%3C%2Fscript%3E", nil))
		if w.Code != http.StatusBadRequest {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
		if got := hits.Load(); got != 0 {
			t.Errorf("backend hits = %d, want 0", got)
		}
	})
}

// TestServer_CircuitBreaker は閾値3で講座サービスへの転送が3回失敗した後、
// 4回目はバックエンドへ通信せずに503を返し、/statusに反映されることを検証する。
func TestServer_CircuitBreaker(t *testing.T) {
	t.Parallel()

	rt := &refusingTransport{}
	s := newTestServer(t, newTestConfig("http://courses.invalid"), WithTransport(rt))

	for i := range 3 {
		w := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/courses/1", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Fatalf("%d回目 status = %d, want %d", i+1, w.Code, http.StatusServiceUnavailable)
		}
	}

	w := doRequest(s, httptest.NewRequest(http.MethodGet, "/api/courses/1", nil))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
	}
	if got := rt.calls.Load(); got != 3 {
		t.Errorf("backend calls = %d, want 3", got)
	}

	w = doRequest(s, httptest.NewRequest(http.MethodGet, "/status", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("/status status = %d, want %d", w.Code, http.StatusOK)
	}
	var status StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &status); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	circuit := status.Circuits[config.ClassCourses]
	if circuit.State != breaker.StateOpen {
		t.Errorf("courses state = %q, want %q", circuit.State, breaker.StateOpen)
	}
	if circuit.NextAttempt == nil {
		t.Error("nextAttemptが設定されていない")
	}
	if got := status.Circuits[config.ClassAuth].State; got != breaker.StateClosed {
		t.Errorf("auth state = %q, want %q", got, breaker.StateClosed)
	}
	if got := status.Requests[config.ClassCourses]; got != 4 {
		t.Errorf("courses requests = %d, want 4", got)
	}
	if len(status.Events) == 0 || status.Events[0].EventType != event.TypeCircuitOpened {
		t.Errorf("直近のイベントがCircuitOpenedではない: %+v", status.Events)
	}
	if got := status.Chains.Stats[config.ClassCourses].Total; got != 4 {
		t.Errorf("courses chain total = %d, want 4", got)
	}
}

// TestServer_RateLimit は登録エンドポイントが上限5件を超えると429を返すことを検証する。
func TestServer_RateLimit(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	backend := newEchoBackend(t, &hits)
	s := newTestServer(t, newTestConfig(backend.URL))

	for i := range 5 {
		w := doRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@example.com"}`)))
		if w.Code != http.StatusOK {
			t.Fatalf("%d回目 status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}

	w := doRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{"email":"a@example.com"}`)))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-Afterが付与されていない")
	}
	var body apperror.Body
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("レスポンスのデコードに失敗: %v", err)
	}
	if body.RetryAfter < 1 {
		t.Errorf("retryAfter = %d, want >= 1", body.RetryAfter)
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("backend hits = %d, want 5", got)
	}

	// 登録以外の認証エンドポイントは登録用の上限の影響を受けない
	w = doRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/login", strings.NewReader(`{}`)))
	if w.Code != http.StatusOK {
		t.Errorf("login status = %d, want %d", w.Code, http.StatusOK)
	}
}

// TestServer_RateLimitTrailingSlash は末尾にスラッシュを付けた登録リクエストにも
// 登録用の上限が適用されることを検証する。
func TestServer_RateLimitTrailingSlash(t *testing.T) {
	t.Parallel()

	var hits atomic.Int32
	backend := newEchoBackend(t, &hits)
	s := newTestServer(t, newTestConfig(backend.URL))

	for i := range 5 {
		w := doRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/register/", strings.NewReader(`{}`)))
		if w.Code != http.StatusOK {
			t.Fatalf("%d回目 status = %d, want %d", i+1, w.Code, http.StatusOK)
		}
	}
	w := doRequest(s, httptest.NewRequest(http.MethodPost, "/api/auth/register", strings.NewReader(`{}`)))
	if w.Code != http.StatusTooManyRequests {
		t.Errorf("status = %d, want %d", w.Code, http.StatusTooManyRequests)
	}
	if got := hits.Load(); got != 5 {
		t.Errorf("backend hits = %d, want 5", got)
	}
}

func TestServer_Run(t *testing.T) {
	t.Parallel()

	t.Run("コンテキストのキャンセルで正常に終了すること", func(t *testing.T) {
		t.Parallel()

		var hits atomic.Int32
		backend := newEchoBackend(t, &hits)
		s := newTestServer(t, newTestConfig(backend.URL))

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- s.Run(ctx) }()

		time.Sleep(50 * time.Millisecond)
		cancel()

		select {
		case err := <-errCh:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Runが終了しない")
		}
	})
}
