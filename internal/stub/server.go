// Package stub はゲートウェイをローカルで動かすためのバックエンドの代役を提供する。
//
// /health に {"success": true} で応答し、それ以外のパスは受信したリクエストの
// 内容をJSONで返す。/_stub/health でヘルスチェックの成否を切り替えられる。
package stub

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
)

// maxDelay はクエリパラメータdelayで指定できる待ち時間の上限。
const maxDelay = time.Minute

// EchoResponse は転送されてきたリクエストの内容。
type EchoResponse struct {
	Success bool              `json:"success"`
	Service string            `json:"service"`
	Method  string            `json:"method"`
	Path    string            `json:"path"`
	Query   string            `json:"query,omitempty"`
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body,omitempty"`
}

// echoHeaders はEchoResponseに含めるリクエストヘッダー。
var echoHeaders = []string{
	"X-Request-ID",
	"X-User-ID",
	"X-Forwarded-For",
	"X-Forwarded-By",
	"User-Agent",
	"Content-Type",
}

// Server はバックエンドの代役となるHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// name は応答に含めるサービス名。
	name string
	// healthy が false の間は /health が503を返す。
	healthy atomic.Bool
}

// NewServer は新しいスタブサーバーを生成する。
func NewServer(name, port string) *Server {
	s := &Server{
		router: gin.New(),
		port:   port,
		name:   name,
	}
	s.healthy.Store(true)
	s.router.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

// Handler はHTTPハンドラを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// setupRoutes はルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth())
	s.router.PUT("/_stub/health", s.handleSetHealth())
	s.router.NoRoute(s.handleEcho())
}

func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.healthy.Load() {
			c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "service": s.name})
			return
		}
		c.JSON(http.StatusOK, gin.H{"success": true, "service": s.name})
	}
}

// handleSetHealth はヘルスチェックの成否を切り替える。
func (s *Server) handleSetHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Healthy bool `json:"healthy"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "リクエストボディが不正です"})
			return
		}
		s.healthy.Store(req.Healthy)
		c.JSON(http.StatusOK, gin.H{"success": true, "healthy": req.Healthy})
	}
}

// handleEcho はリクエストの内容を返す。クエリパラメータdelay（ミリ秒）で応答を遅らせる。
func (s *Server) handleEcho() gin.HandlerFunc {
	return func(c *gin.Context) {
		if v := c.Query("delay"); v != "" {
			ms, err := strconv.Atoi(v)
			if err != nil || ms < 0 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "delayはミリ秒の整数で指定してください"})
				return
			}
			delay := min(time.Duration(ms)*time.Millisecond, maxDelay)
			select {
			case <-time.After(delay):
			case <-c.Request.Context().Done():
				return
			}
		}

		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"success": false, "error": "リクエストボディの読み込みに失敗しました"})
			return
		}

		headers := make(map[string]string, len(echoHeaders))
		for _, h := range echoHeaders {
			if v := c.GetHeader(h); v != "" {
				headers[h] = v
			}
		}
		c.JSON(http.StatusOK, EchoResponse{
			Success: true,
			Service: s.name,
			Method:  c.Request.Method,
			Path:    c.Request.URL.Path,
			Query:   c.Request.URL.RawQuery,
			Headers: headers,
			Body:    string(body),
		})
	}
}
