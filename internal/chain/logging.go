package chain

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/pkg/middleware"
)

// UnitLogging はロギングユニットの名前。
const UnitLogging = "logging"

// maxLoggedBody はログに含めるリクエストボディの最大バイト数。
const maxLoggedBody = 4 << 10

// redactedHeaders はログに出力しないヘッダー。
var redactedHeaders = map[string]struct{}{
	"Authorization": {},
	"Cookie":        {},
	"Set-Cookie":    {},
}

// Logging はリクエストの開始と完了をログに記録するユニット。
// 完了時のログレベルは5xxでError、4xxでWarn、それ以外はInfo。
type Logging struct {
	logger  *slog.Logger
	headers bool
	body    bool
}

// NewLogging はLoggingユニットを生成する。
func NewLogging(cfg config.Logging, logger *slog.Logger) *Logging {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Logging{logger: logger, headers: cfg.Headers, body: cfg.Body}
}

func (l *Logging) Name() string { return UnitLogging }

func (l *Logging) Handle(c *gin.Context, next Handler) {
	start := time.Now()
	attrs := []any{
		slog.String("method", c.Request.Method),
		slog.String("path", c.Request.URL.Path),
		slog.String("ip", c.ClientIP()),
		slog.String("request_id", middleware.GetRequestID(c)),
	}

	entry := attrs
	if l.headers {
		entry = append(entry, slog.Any("headers", loggableHeaders(c.Request.Header)))
	}
	if l.body {
		entry = append(entry, slog.String("body", peekBody(c.Request)))
	}
	l.logger.Info("request started", entry...)

	next(c)

	status := c.Writer.Status()
	level := slog.LevelInfo
	switch {
	case status >= http.StatusInternalServerError:
		level = slog.LevelError
	case status >= http.StatusBadRequest:
		level = slog.LevelWarn
	}
	exit := append(attrs,
		slog.Int("status", status),
		slog.Duration("elapsed", time.Since(start)))
	l.logger.Log(c.Request.Context(), level, "request completed", exit...)
}

func loggableHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		if _, ok := redactedHeaders[k]; ok {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = h.Get(k)
	}
	return out
}

// peekBody はリクエストボディの先頭を読み、後続が同じ内容を読めるように戻す。
// 読むのはログに含める分だけで、残りは元のボディから続けて読ませる。
func peekBody(r *http.Request) string {
	if r.Body == nil || r.Body == http.NoBody {
		return ""
	}
	head, err := io.ReadAll(io.LimitReader(r.Body, maxLoggedBody+1))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), r.Body), r.Body}
	if err != nil {
		return ""
	}
	if len(head) > maxLoggedBody {
		return string(head[:maxLoggedBody]) + "..."
	}
	return string(head)
}
