// Package cache はGETレスポンスを保持する容量とTTL付きのキャッシュを提供する。
//
// 容量に達した状態で新しいキーを書き込むと、最も古く挿入されたエントリを追い出す。
// 読み取りによって順序は変わらない（LRUではない）。
// TTLを過ぎたエントリは物理的に残っていてもヒットとして返さない。
package cache

import (
	"container/list"
	"net/http"
	"net/url"
	"sync"
	"time"
)

// Entry はキャッシュされたレスポンス。
type Entry struct {
	// Status はHTTPステータスコード。2xxのみ保持する。
	Status int
	// Header はクライアントに返すレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
	// InsertedAt は挿入時刻。
	InsertedAt time.Time
}

type item struct {
	key   string
	entry Entry
}

// Stats はキャッシュの統計情報。
type Stats struct {
	Size      int   `json:"size"`
	MaxSize   int   `json:"maxSize"`
	TTLMs     int64 `json:"ttlMs"`
	Hits      int64 `json:"hits"`
	Misses    int64 `json:"misses"`
	Evictions int64 `json:"evictions"`
}

// ResponseCache は挿入順で追い出すTTL付きキャッシュ。並行に使用できる。
type ResponseCache struct {
	maxSize int
	ttl     time.Duration
	now     func() time.Time

	mu    sync.Mutex
	order *list.List
	items map[string]*list.Element

	hits, misses, evictions int64
}

// Option はResponseCacheの生成オプション。
type Option func(*ResponseCache)

// WithClock は現在時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(c *ResponseCache) {
		if now != nil {
			c.now = now
		}
	}
}

// New はResponseCacheを生成する。maxSizeが1未満の場合は1とする。
func New(maxSize int, ttl time.Duration, opts ...Option) *ResponseCache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &ResponseCache{
		maxSize: maxSize,
		ttl:     ttl,
		now:     time.Now,
		order:   list.New(),
		items:   make(map[string]*list.Element, maxSize),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get はキーに対応するエントリを返す。TTLを過ぎたエントリは削除してミスとする。
func (c *ResponseCache) Get(key string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return Entry{}, false
	}
	it := el.Value.(*item)
	if c.now().Sub(it.entry.InsertedAt) > c.ttl {
		c.removeElement(el)
		c.misses++
		return Entry{}, false
	}
	c.hits++
	return it.entry, true
}

// Set はエントリを保存する。2xx以外は保存せずfalseを返す。
// 既存のキーは削除してから末尾に挿入し直す。
func (c *ResponseCache) Set(key string, e Entry) bool {
	if e.Status < 200 || e.Status >= 300 {
		return false
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if e.InsertedAt.IsZero() {
		e.InsertedAt = c.now()
	}
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
	for c.order.Len() >= c.maxSize {
		c.removeElement(c.order.Front())
		c.evictions++
	}
	c.items[key] = c.order.PushBack(&item{key: key, entry: e})
	return true
}

// Delete はキーのエントリを削除する。
func (c *ResponseCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElement(el)
	}
}

// Len は保持しているエントリ数を返す。TTL切れで未削除のものも含む。
func (c *ResponseCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Keys は挿入順の古い方からキーを返す。
func (c *ResponseCache) Keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	keys := make([]string, 0, c.order.Len())
	for el := c.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*item).key)
	}
	return keys
}

// Stats は統計情報を返す。
func (c *ResponseCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Size:      c.order.Len(),
		MaxSize:   c.maxSize,
		TTLMs:     c.ttl.Milliseconds(),
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
	}
}

func (c *ResponseCache) removeElement(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*item).key)
}

// Key はメソッド・パス・クエリ・ユーザーIDからキャッシュキーを作る。
// クエリはキーでソートして連結するため、パラメータの順序に依存しない。
// ユーザーIDが空の場合は "anonymous" を使う。
func Key(method, path string, query url.Values, userID string) string {
	if userID == "" {
		userID = "anonymous"
	}
	return method + ":" + path + "?" + query.Encode() + "#" + userID
}
