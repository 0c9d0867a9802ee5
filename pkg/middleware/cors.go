package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// CORSPolicy は許可するオリジンの集合を保持する。
// "*" を含む場合はすべてのオリジンを許可する。
type CORSPolicy struct {
	origins  map[string]struct{}
	wildcard bool
}

// NewCORSPolicy は許可オリジンのリストからCORSPolicyを生成する。
func NewCORSPolicy(allowedOrigins []string) *CORSPolicy {
	p := &CORSPolicy{origins: make(map[string]struct{}, len(allowedOrigins))}
	for _, o := range allowedOrigins {
		if o == "*" {
			p.wildcard = true
			continue
		}
		p.origins[o] = struct{}{}
	}
	return p
}

// Apply はリクエストのOriginが許可されていればCORSヘッダーを設定し、trueを返す。
func (p *CORSPolicy) Apply(c *gin.Context) bool {
	origin := c.GetHeader("Origin")
	if origin == "" {
		return false
	}
	if _, ok := p.origins[origin]; !ok && !p.wildcard {
		return false
	}

	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Credentials", "true")
	c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
	c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
	c.Header("Access-Control-Expose-Headers", "X-Request-ID, X-Response-Time, X-Served-By, Retry-After")
	c.Header("Access-Control-Max-Age", "86400")
	c.Header("Vary", "Origin")
	return true
}

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
// プリフライト（OPTIONS）は流量制限やバックエンドに到達させずに204で応答する。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	policy := NewCORSPolicy(allowedOrigins)

	return func(c *gin.Context) {
		policy.Apply(c)

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
