package middleware

import (
	"fmt"
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/apperror"
)

// Recovery はパニックからの回復を行うGinミドルウェアを返す。
// パニック発生時にログを出力し、InternalGatewayErrorとして500を返す。
func Recovery(logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("panic recovered",
					slog.String("method", c.Request.Method),
					slog.String("path", c.Request.URL.Path),
					slog.String("request_id", c.GetString(apperror.ContextKeyRequestID)),
					slog.Any("panic", r))
				apperror.Write(c, apperror.Internal(fmt.Errorf("panic: %v", r)))
			}
		}()
		c.Next()
	}
}
