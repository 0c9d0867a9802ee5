package chain

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/apperror"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/pkg/middleware"
)

// UnitSecurity はセキュリティユニットの名前。
const UnitSecurity = "security"

var (
	sqlInjectionPattern  = regexp.MustCompile(`(?i)(\bunion\b\s+(all\s+)?\bselect\b|\binsert\s+into\b|\bdrop\s+(table|database)\b|\bdelete\s+from\b|'\s*or\s+'?\d+'?\s*=\s*'?\d+|\bor\s+1\s*=\s*1\b|;\s*--|/\*.*\*/|\bexec\s*\()`)
	xssPattern           = regexp.MustCompile(`(?i)(<\s*script\b|javascript\s*:|\bon(error|load|click|mouseover|focus)\s*=|<\s*iframe\b|<\s*object\b|document\.cookie)`)
	pathTraversalPattern = regexp.MustCompile(`(?i)(\.\./|\.\.\\|%2e%2e)`)
)

// Security はIPブロックリスト・攻撃パターン検査・ボディサイズ制限を行い、
// セキュリティ関連のレスポンスヘッダーとCORSヘッダーを付与するユニット。
type Security struct {
	blocked map[string]struct{}
	maxBody int64
	cors    *middleware.CORSPolicy
	logger  *slog.Logger
}

// NewSecurity はSecurityユニットを生成する。
func NewSecurity(cfg config.Security, corsOrigins []string, logger *slog.Logger) *Security {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	s := &Security{
		blocked: make(map[string]struct{}, len(cfg.BlockedIPs)),
		maxBody: cfg.MaxBodyBytes,
		cors:    middleware.NewCORSPolicy(corsOrigins),
		logger:  logger,
	}
	for _, ip := range cfg.BlockedIPs {
		s.blocked[ip] = struct{}{}
	}
	return s
}

func (s *Security) Name() string { return UnitSecurity }

func (s *Security) Handle(c *gin.Context, next Handler) {
	h := c.Writer.Header()
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-XSS-Protection", "1; mode=block")
	h.Set("Referrer-Policy", "no-referrer")
	h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	s.cors.Apply(c)

	ip := c.ClientIP()
	if _, ok := s.blocked[ip]; ok {
		s.reject(c, "blocked ip", apperror.Forbidden("Access denied"))
		return
	}

	if reason := inspect(requestTarget(c)); reason != "" {
		s.reject(c, reason+" in url", apperror.BadRequest("Malicious request detected"))
		return
	}

	if c.Request.ContentLength > s.maxBody {
		s.reject(c, "body too large", apperror.BadRequest("Request body too large"))
		return
	}
	if c.Request.Body != nil && c.Request.Body != http.NoBody {
		body, err := io.ReadAll(io.LimitReader(c.Request.Body, s.maxBody+1))
		_ = c.Request.Body.Close()
		if err != nil {
			s.reject(c, "unreadable body", apperror.BadRequest("Invalid request body"))
			return
		}
		if int64(len(body)) > s.maxBody {
			s.reject(c, "body too large", apperror.BadRequest("Request body too large"))
			return
		}
		c.Request.Body = io.NopCloser(bytes.NewReader(body))

		if strings.Contains(c.ContentType(), "json") {
			if reason := inspect(string(body)); reason != "" {
				s.reject(c, reason+" in body", apperror.BadRequest("Malicious request detected"))
				return
			}
		}
	}

	next(c)
}

func (s *Security) reject(c *gin.Context, reason string, err *apperror.Error) {
	s.logger.Warn("request rejected by security unit",
		slog.String("reason", reason),
		slog.String("ip", c.ClientIP()),
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path))
	apperror.Write(c, err)
}

// requestTarget は検査対象のパスとクエリを返す。エンコードされた文字列も検査できるよう生の値も含める。
func requestTarget(c *gin.Context) string {
	u := c.Request.URL
	target := u.Path + " " + u.EscapedPath()
	if u.RawQuery != "" {
		q, err := url.QueryUnescape(u.RawQuery)
		if err != nil {
			q = u.RawQuery
		}
		target += " " + u.RawQuery + " " + q
	}
	return target
}

// inspect は攻撃パターンに一致した場合にその種類を返す。
func inspect(s string) string {
	switch {
	case pathTraversalPattern.MatchString(s):
		return "path traversal"
	case sqlInjectionPattern.MatchString(s):
		return "sql injection"
	case xssPattern.MatchString(s):
		return "xss"
	}
	return ""
}
