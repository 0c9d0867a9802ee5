package stub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestServer(t *testing.T) {
	t.Parallel()

	t.Run("/healthがsuccess:trueを返すこと", func(t *testing.T) {
		t.Parallel()

		s := NewServer("courses", "0")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body struct {
			Success bool `json:"success"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if !body.Success {
			t.Error("successがfalse")
		}
	})

	t.Run("ヘルスチェックを異常に切り替えると503を返すこと", func(t *testing.T) {
		t.Parallel()

		s := NewServer("courses", "0")
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPut, "/_stub/health", strings.NewReader(`{"healthy":false}`))
		req.Header.Set("Content-Type", "application/json")
		s.Handler().ServeHTTP(w, req)
		if w.Code != http.StatusOK {
			t.Fatalf("切り替え status = %d, want %d", w.Code, http.StatusOK)
		}

		w = httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want %d", w.Code, http.StatusServiceUnavailable)
		}
	})

	t.Run("リクエストの内容をそのまま返すこと", func(t *testing.T) {
		t.Parallel()

		s := NewServer("payments", "0")
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/charge?currency=jpy", strings.NewReader(`{"amount":100}`))
		req.Header.Set("X-Request-ID", "req-9")
		req.Header.Set("X-Forwarded-By", "edugate")
		s.Handler().ServeHTTP(w, req)

		if w.Code != http.StatusOK {
			t.Fatalf("status = %d, want %d", w.Code, http.StatusOK)
		}
		var body EchoResponse
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスのデコードに失敗: %v", err)
		}
		if body.Service != "payments" || body.Method != http.MethodPost || body.Path != "/charge" {
			t.Errorf("body = %+v", body)
		}
		if body.Query != "currency=jpy" {
			t.Errorf("query = %q, want %q", body.Query, "currency=jpy")
		}
		if body.Body != `{"amount":100}` {
			t.Errorf("body.Body = %q", body.Body)
		}
		if body.Headers["X-Request-ID"] != "req-9" || body.Headers["X-Forwarded-By"] != "edugate" {
			t.Errorf("headers = %v", body.Headers)
		}
	})

	t.Run("delayが不正な場合は400を返すこと", func(t *testing.T) {
		t.Parallel()

		s := NewServer("courses", "0")
		w := httptest.NewRecorder()
		s.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/slow?delay=abc", nil))
		if w.Code != http.StatusBadRequest {
			t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
		}
	})
}
