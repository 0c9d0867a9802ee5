package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/breaker"
	"github.com/nao1215/edugate/internal/cache"
	"github.com/nao1215/edugate/internal/chain"
	"github.com/nao1215/edugate/internal/health"
	"github.com/nao1215/edugate/pkg/event"
)

// HealthResponse は /health の応答。
type HealthResponse struct {
	Success       bool   `json:"success"`
	Status        string `json:"status"`
	Service       string `json:"service"`
	Version       string `json:"version"`
	UptimeSeconds int64  `json:"uptimeSeconds"`
	Timestamp     string `json:"timestamp"`
}

// StatusResponse は /status の応答。
type StatusResponse struct {
	Success       bool                        `json:"success"`
	Gateway       string                      `json:"gateway"`
	Environment   string                      `json:"environment"`
	UptimeSeconds int64                       `json:"uptimeSeconds"`
	Timestamp     string                      `json:"timestamp"`
	Services      map[string]health.Status    `json:"services"`
	Circuits      map[string]breaker.Snapshot `json:"circuits"`
	Requests      map[string]int64            `json:"requests"`
	Chains        ChainStatus                 `json:"chains"`
	Cache         cache.Stats                 `json:"cache"`
	RateLimits    []RateLimitInfo             `json:"rateLimits"`
	Events        []*event.Event              `json:"events"`
}

// ChainStatus はチェーンの構成と集計結果。
type ChainStatus struct {
	Units map[string][]string           `json:"units"`
	Stats map[string]chain.MetricsStats `json:"stats"`
}

// RateLimitInfo はリミッターの設定。
type RateLimitInfo struct {
	Name     string `json:"name"`
	WindowMs int64  `json:"windowMs"`
	Max      int    `json:"max"`
}

// ServiceInfo はプロキシ先サービスの公開情報。
type ServiceInfo struct {
	Name      string `json:"name"`
	Prefix    string `json:"prefix"`
	TimeoutMs int64  `json:"timeoutMs"`
}

// InfoResponse は /info の応答。
type InfoResponse struct {
	Success     bool                `json:"success"`
	Name        string              `json:"name"`
	Version     string              `json:"version"`
	Environment string              `json:"environment"`
	Services    []ServiceInfo       `json:"services"`
	Chains      map[string][]string `json:"chains"`
	Endpoints   []string            `json:"endpoints"`
}

// handleHealth はゲートウェイ自身の稼働確認に応答する。バックエンドの状態は含めない。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, HealthResponse{
			Success:       true,
			Status:        "healthy",
			Service:       s.cfg.ServiceTag,
			Version:       Version,
			UptimeSeconds: s.uptimeSeconds(),
			Timestamp:     now(),
		})
	}
}

// handleStatus はバックエンドのヘルス状態、サーキット状態、チェーンの集計を返す。
func (s *Server) handleStatus() gin.HandlerFunc {
	return func(c *gin.Context) {
		rateLimits := make([]RateLimitInfo, 0, len(s.limiters))
		for _, l := range s.limiters {
			p := l.Profile()
			rateLimits = append(rateLimits, RateLimitInfo{Name: p.Name, WindowMs: p.Window.Milliseconds(), Max: p.Max})
		}

		c.JSON(http.StatusOK, StatusResponse{
			Success:       true,
			Gateway:       s.cfg.ServiceTag,
			Environment:   string(s.cfg.Environment),
			UptimeSeconds: s.uptimeSeconds(),
			Timestamp:     now(),
			Services:      s.monitor.Snapshot(),
			Circuits:      s.breakers.Snapshots(),
			Requests:      s.dispatcher.RequestCounts(),
			Chains: ChainStatus{
				Units: s.chains.Units(),
				Stats: s.chains.Stats(),
			},
			Cache:      s.cache.Stats(),
			RateLimits: rateLimits,
			Events:     s.journal.Recent(statusEventCount),
		})
	}
}

// handleInfo はゲートウェイの構成情報を返す。
func (s *Server) handleInfo() gin.HandlerFunc {
	return func(c *gin.Context) {
		services := s.dispatcher.Services()
		infos := make([]ServiceInfo, 0, len(services))
		for _, svc := range services {
			infos = append(infos, ServiceInfo{Name: svc.Name, Prefix: svc.Prefix, TimeoutMs: svc.Timeout.Milliseconds()})
		}

		endpoints := []string{"/health", "/status", "/info", "/metrics"}
		for _, svc := range services {
			endpoints = append(endpoints, svc.Prefix+"/*")
		}

		c.JSON(http.StatusOK, InfoResponse{
			Success:     true,
			Name:        s.cfg.ServiceTag,
			Version:     Version,
			Environment: string(s.cfg.Environment),
			Services:    infos,
			Chains:      s.chains.Units(),
			Endpoints:   endpoints,
		})
	}
}

func (s *Server) uptimeSeconds() int64 {
	return int64(time.Since(s.startedAt).Seconds())
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
