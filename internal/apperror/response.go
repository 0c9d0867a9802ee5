package apperror

import (
	"math"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
)

// ContextKeyRequestID はGinコンテキストにリクエストIDを格納するキー。
const ContextKeyRequestID = "request_id"

// Body はエラーレスポンスのJSONボディ。
type Body struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	Error      string `json:"error,omitempty"`
	RequestID  string `json:"requestId"`
	Timestamp  string `json:"timestamp"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Stack      string `json:"stack,omitempty"`
}

// Write はエラーをJSONボディとして書き込み、以降のハンドラを中断する。
// 原因エラーとスタックトレースはGinがリリースモードでない場合のみ含める。
func Write(c *gin.Context, err error) {
	e := From(err)

	body := Body{
		Success:   false,
		Message:   e.Message,
		RequestID: c.GetString(ContextKeyRequestID),
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
	}
	detailed := gin.Mode() != gin.ReleaseMode
	if detailed && e.Err != nil {
		body.Error = e.Err.Error()
	}
	if detailed && e.Kind == KindInternal {
		body.Stack = string(debug.Stack())
	}
	if e.RetryAfter > 0 {
		secs := RetryAfterSeconds(e.RetryAfter)
		body.RetryAfter = secs
		c.Header("Retry-After", strconv.Itoa(secs))
	}

	c.AbortWithStatusJSON(e.Status, body)
}

// RetryAfterSeconds は待ち時間を切り上げた秒数に変換する。最小値は1秒。
func RetryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}
