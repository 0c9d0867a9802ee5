package telemetry

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

// TestCollectors はメトリクスの記録を検証する。
func TestCollectors(t *testing.T) {
	t.Parallel()

	t.Run("記録した値がカウンタに反映されること", func(t *testing.T) {
		t.Parallel()

		c := New()
		c.RateLimitRejected("auth")
		c.RateLimitRejected("auth")
		c.UpstreamOutcome("courses", OutcomeTimeout)
		c.SetBreakerState("courses", 2)
		c.SetServiceHealthy("courses", true)

		if got := testutil.ToFloat64(c.rateLimitRejected.WithLabelValues("auth")); got != 2 {
			t.Errorf("rate_limit_rejections_total{auth} = %v, want 2", got)
		}
		if got := testutil.ToFloat64(c.upstreamOutcomes.WithLabelValues("courses", OutcomeTimeout)); got != 1 {
			t.Errorf("upstream_requests_total = %v, want 1", got)
		}
		if got := testutil.ToFloat64(c.breakerState.WithLabelValues("courses")); got != 2 {
			t.Errorf("circuit_breaker_state = %v, want 2", got)
		}
		if got := testutil.ToFloat64(c.serviceHealthy.WithLabelValues("courses")); got != 1 {
			t.Errorf("service_healthy = %v, want 1", got)
		}
	})

	t.Run("nilレシーバーでもパニックしないこと", func(t *testing.T) {
		t.Parallel()

		var c *Collectors
		c.ObserveChain("courses", 200, time.Millisecond)
		c.RateLimitRejected("auth")
		c.UpstreamOutcome("courses", OutcomeSuccess)
		c.SetBreakerState("courses", 0)
		c.SetServiceHealthy("courses", false)
		c.CacheLookup(true)
		if c.Registry() != nil {
			t.Error("Registry() != nil")
		}
	})

	t.Run("スクレイプハンドラがメトリクスを出力すること", func(t *testing.T) {
		t.Parallel()

		c := New()
		c.ObserveChain("courses", 200, 10*time.Millisecond)

		w := httptest.NewRecorder()
		c.Handler().ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		if w.Code != http.StatusOK {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusOK)
		}
		body, _ := io.ReadAll(w.Body)
		if !strings.Contains(string(body), `edugate_chain_requests_total{chain="courses",status="200"} 1`) {
			t.Errorf("スクレイプ結果にchain_requests_totalが含まれない:\n%s", body)
		}
	})
}
