package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/nao1215/edugate/internal/apperror"
)

// HeaderRequestID はリクエストIDを伝播するHTTPヘッダーキー。
const HeaderRequestID = "X-Request-ID"

// maxRequestIDLength はクライアントから受け入れるリクエストIDの最大長。
const maxRequestIDLength = 128

// RequestID はリクエストごとに一意なIDを割り当てるGinミドルウェアを返す。
// クライアントがX-Request-IDを指定した場合はそれを引き継ぐ。
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(HeaderRequestID)
		if id == "" || len(id) > maxRequestIDLength {
			id = uuid.New().String()
		}
		c.Set(apperror.ContextKeyRequestID, id)
		c.Header(HeaderRequestID, id)
		c.Next()
	}
}

// GetRequestID はGinコンテキストからリクエストIDを取得する。
func GetRequestID(c *gin.Context) string {
	return c.GetString(apperror.ContextKeyRequestID)
}
