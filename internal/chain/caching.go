package chain

import (
	"bytes"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/cache"
	"github.com/nao1215/edugate/internal/telemetry"
	"github.com/nao1215/edugate/pkg/middleware"
)

// UnitCaching はキャッシュユニットの名前。
const UnitCaching = "caching"

// cachedHeaders はキャッシュヒット時に再現するレスポンスヘッダー。
var cachedHeaders = []string{"Content-Type", "X-Served-By", "Cache-Control", "ETag", "Last-Modified"}

// Caching は対象リクエストのレスポンスをキャッシュするユニット。
// ヒットした場合は後続を呼ばずに応答する。ミスの場合は後続の2xx応答を保存する。
type Caching struct {
	cache      *cache.ResponseCache
	cacheable  func(c *gin.Context) bool
	collectors *telemetry.Collectors
}

// CachingOption はCachingユニットの生成オプション。
type CachingOption func(*Caching)

// WithCacheable はキャッシュ対象とするリクエストの判定関数を設定する。既定はGETのみ。
func WithCacheable(fn func(c *gin.Context) bool) CachingOption {
	return func(u *Caching) {
		if fn != nil {
			u.cacheable = fn
		}
	}
}

// WithCacheMetrics はキャッシュ参照の結果を記録するメトリクスを設定する。
func WithCacheMetrics(m *telemetry.Collectors) CachingOption {
	return func(u *Caching) {
		u.collectors = m
	}
}

// NewCaching はCachingユニットを生成する。
func NewCaching(rc *cache.ResponseCache, opts ...CachingOption) *Caching {
	u := &Caching{
		cache: rc,
		cacheable: func(c *gin.Context) bool {
			return c.Request.Method == http.MethodGet
		},
	}
	for _, opt := range opts {
		opt(u)
	}
	return u
}

func (u *Caching) Name() string { return UnitCaching }

func (u *Caching) Handle(c *gin.Context, next Handler) {
	if !u.cacheable(c) {
		next(c)
		return
	}

	key := cache.Key(c.Request.Method, c.Request.URL.Path, c.Request.URL.Query(), middleware.GetUserID(c))
	if e, hit := u.cache.Get(key); hit {
		u.collectors.CacheLookup(true)
		for k, vs := range e.Header {
			for _, v := range vs {
				c.Writer.Header().Add(k, v)
			}
		}
		c.Header("X-Cache", "HIT")
		c.Data(e.Status, e.Header.Get("Content-Type"), e.Body)
		c.Abort()
		return
	}
	u.collectors.CacheLookup(false)
	c.Header("X-Cache", "MISS")

	w := &captureWriter{ResponseWriter: c.Writer}
	c.Writer = w
	next(c)
	c.Writer = w.ResponseWriter

	status := w.Status()
	if status < 200 || status >= 300 {
		return
	}
	header := make(http.Header)
	for _, k := range cachedHeaders {
		if v := w.Header().Values(k); len(v) > 0 {
			header[k] = append([]string(nil), v...)
		}
	}
	u.cache.Set(key, cache.Entry{Status: status, Header: header, Body: bytes.Clone(w.buf.Bytes())})
}

// captureWriter はクライアントへ書き込みながらボディを複製するResponseWriter。
type captureWriter struct {
	gin.ResponseWriter
	buf bytes.Buffer
}

func (w *captureWriter) Write(b []byte) (int, error) {
	w.buf.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w *captureWriter) WriteString(s string) (int, error) {
	w.buf.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}
