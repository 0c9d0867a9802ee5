package chain

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/telemetry"
)

// UnitMetrics はメトリクスユニットの名前。
const UnitMetrics = "metrics"

// durationWindow は処理時間を保持する直近のリクエスト数。
const durationWindow = 1000

// MetricsStats はあるチェーンの集計結果。
type MetricsStats struct {
	Total       int64            `json:"total"`
	Errors      int64            `json:"errors"`
	ErrorRate   float64          `json:"errorRate"`
	AvgMs       float64          `json:"avgMs"`
	MinMs       float64          `json:"minMs"`
	MaxMs       float64          `json:"maxMs"`
	Samples     int              `json:"samples"`
	StatusCodes map[string]int64 `json:"statusCodes"`
}

// Metrics はチェーン単位でリクエスト数・エラー数・処理時間を集計するユニット。
// 処理時間は直近1000件をリングバッファで保持する。
type Metrics struct {
	chain      string
	collectors *telemetry.Collectors

	mu        sync.Mutex
	total     int64
	errors    int64
	durations [durationWindow]time.Duration
	next      int
	filled    bool
	statuses  map[int]int64
}

// NewMetrics はMetricsユニットを生成する。collectorsはnilでもよい。
func NewMetrics(chain string, collectors *telemetry.Collectors) *Metrics {
	return &Metrics{chain: chain, collectors: collectors, statuses: make(map[int]int64)}
}

func (m *Metrics) Name() string { return UnitMetrics }

func (m *Metrics) Handle(c *gin.Context, next Handler) {
	start := time.Now()
	next(c)
	m.record(c.Writer.Status(), time.Since(start))
}

func (m *Metrics) record(status int, elapsed time.Duration) {
	m.mu.Lock()
	m.total++
	if status >= http.StatusBadRequest {
		m.errors++
	}
	m.statuses[status]++
	m.durations[m.next] = elapsed
	m.next = (m.next + 1) % durationWindow
	if m.next == 0 {
		m.filled = true
	}
	m.mu.Unlock()

	m.collectors.ObserveChain(m.chain, status, elapsed)
}

// Stats は集計結果を計算して返す。
func (m *Metrics) Stats() MetricsStats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := MetricsStats{
		Total:       m.total,
		Errors:      m.errors,
		StatusCodes: make(map[string]int64, len(m.statuses)),
	}
	for code, n := range m.statuses {
		s.StatusCodes[strconv.Itoa(code)] = n
	}
	if m.total > 0 {
		s.ErrorRate = float64(m.errors) / float64(m.total)
	}

	n := m.next
	if m.filled {
		n = durationWindow
	}
	s.Samples = n
	if n == 0 {
		return s
	}

	var sum time.Duration
	lo, hi := m.durations[0], m.durations[0]
	for _, d := range m.durations[:n] {
		sum += d
		lo = min(lo, d)
		hi = max(hi, d)
	}
	s.AvgMs = ms(sum / time.Duration(n))
	s.MinMs = ms(lo)
	s.MaxMs = ms(hi)
	return s
}

func ms(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}
