package event

import (
	"encoding/json"
	"time"
)

// SourceType はイベントの発生元となるコンポーネントの種類を表す。
type SourceType string

const (
	// SourceTypeCircuit はサーキットブレーカーを表す。
	SourceTypeCircuit SourceType = "Circuit"
	// SourceTypeHealth はヘルスモニターを表す。
	SourceTypeHealth SourceType = "Health"
)

// Type はイベントの種類を表す。
type Type string

const (
	// TypeCircuitOpened はサーキットがOpenに遷移したことを表す。
	TypeCircuitOpened Type = "CircuitOpened"
	// TypeCircuitHalfOpened はサーキットがHalfOpenに遷移し試行リクエストを受け付けたことを表す。
	TypeCircuitHalfOpened Type = "CircuitHalfOpened"
	// TypeCircuitClosed はサーキットがClosedに復帰したことを表す。
	TypeCircuitClosed Type = "CircuitClosed"

	// TypeServiceHealthy はヘルスチェックでサービスが正常に戻ったことを表す。
	TypeServiceHealthy Type = "ServiceHealthy"
	// TypeServiceUnhealthy はヘルスチェックでサービスの異常を検知したことを表す。
	TypeServiceUnhealthy Type = "ServiceUnhealthy"
)

// Event はゲートウェイ内部で発生した不変のイベントレコードを表す。
type Event struct {
	// ID はイベントの一意識別子（UUID）。
	ID string `json:"id"`
	// Source は発生元の識別子。バックエンドサービス名が入る。
	Source string `json:"source"`
	// SourceType は発生元コンポーネントの種類。
	SourceType SourceType `json:"source_type"`
	// EventType はイベントの種類。
	EventType Type `json:"event_type"`
	// Data はイベント固有のデータ（JSON形式）。
	Data json.RawMessage `json:"data"`
	// CreatedAt はイベントが作成された日時。
	CreatedAt time.Time `json:"created_at"`
}

// CircuitTransitionData はサーキット状態遷移イベントのデータ。
type CircuitTransitionData struct {
	// From は遷移前の状態。
	From string `json:"from"`
	// To は遷移後の状態。
	To string `json:"to"`
	// NextAttemptAt はOpenに遷移した場合の次回試行可能時刻。
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
}

// HealthChangeData はヘルス状態変化イベントのデータ。
type HealthChangeData struct {
	// StatusCode はヘルスチェックのHTTPステータス。通信失敗時は0。
	StatusCode int `json:"status_code"`
	// Error は失敗理由。正常時は空文字列。
	Error string `json:"error,omitempty"`
	// ResponseTimeMs はヘルスチェックの応答時間（ミリ秒）。
	ResponseTimeMs int64 `json:"response_time_ms"`
}
