package event

import "sync"

// Recorder はイベントを記録する先を表す。
// サーキットブレーカーやヘルスモニターはこのインターフェース経由でイベントを送る。
type Recorder interface {
	Record(e *Event)
}

// Journal は直近のイベントを固定長で保持するインメモリのリングバッファ。
// 容量を超えた場合は最も古いイベントから上書きする。
type Journal struct {
	mu sync.Mutex
	// events はリングバッファ本体。
	events []*Event
	// next は次に書き込む位置。
	next int
	// full はバッファが一周したかどうか。
	full bool
}

// NewJournal は指定した容量のジャーナルを生成する。容量が0以下の場合は100とする。
func NewJournal(capacity int) *Journal {
	if capacity <= 0 {
		capacity = 100
	}
	return &Journal{events: make([]*Event, capacity)}
}

// Record はイベントをジャーナルに追加する。nilは無視する。
func (j *Journal) Record(e *Event) {
	if e == nil {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()

	j.events[j.next] = e
	j.next = (j.next + 1) % len(j.events)
	if j.next == 0 {
		j.full = true
	}
}

// Recent は新しい順に最大n件のイベントを返す。nが0以下の場合は保持している全件を返す。
func (j *Journal) Recent(n int) []*Event {
	j.mu.Lock()
	defer j.mu.Unlock()

	size := j.next
	if j.full {
		size = len(j.events)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]*Event, 0, n)
	for i := 1; i <= n; i++ {
		idx := (j.next - i + len(j.events)) % len(j.events)
		out = append(out, j.events[idx])
	}
	return out
}

// Len は保持しているイベント数を返す。
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.full {
		return len(j.events)
	}
	return j.next
}
