// Package apperror はゲートウェイが返すエラーの分類とJSONレスポンス形式を提供する。
//
// 流量制限、セキュリティ検査、サーキットブレーカー、バックエンド通信の各境界で
// 検出したエラーをKindで分類し、共通のエラーボディとして描画する。
package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind はゲートウェイエラーの分類を表す。
type Kind string

const (
	// KindAdmissionRejected は流量制限超過（429）。
	KindAdmissionRejected Kind = "AdmissionRejected"
	// KindSecurityRejected は不正パターン検出・ボディサイズ超過・ブロック対象IP（400/403）。
	KindSecurityRejected Kind = "SecurityRejected"
	// KindCircuitOpen はサーキットがOpenのため通信を試みずに拒否した（503）。
	KindCircuitOpen Kind = "CircuitOpen"
	// KindUpstreamUnavailable はバックエンドへの接続拒否（503）。
	KindUpstreamUnavailable Kind = "UpstreamUnavailable"
	// KindUpstreamTimeout はバックエンドのタイムアウトまたは接続リセット（504）。
	KindUpstreamTimeout Kind = "UpstreamTimeout"
	// KindUpstreamError はバックエンド側のその他の失敗。ステータスはそのまま中継する。
	KindUpstreamError Kind = "UpstreamError"
	// KindNotFound はルーティング対象が存在しない（404）。
	KindNotFound Kind = "NotFound"
	// KindInternal は想定外のゲートウェイ内部エラー（500）。
	KindInternal Kind = "InternalGatewayError"
)

// Error はゲートウェイが検出したエラーを表す。
type Error struct {
	// Kind はエラーの分類。
	Kind Kind
	// Status はクライアントに返すHTTPステータス。
	Status int
	// Message はクライアント向けのメッセージ。
	Message string
	// RetryAfter は再試行までの推奨待ち時間。429の場合のみ設定する。
	RetryAfter time.Duration
	// Err は原因となったエラー。
	Err error
}

// Error はerrorインターフェースを実装する。
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap は原因となったエラーを返す。
func (e *Error) Unwrap() error {
	return e.Err
}

// Is はKindが一致する*Errorを同一とみなす。
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind && (t.Status == 0 || t.Status == e.Status)
}

// 分類ごとの比較用エラー。errors.Is(err, apperror.ErrCircuitOpen) のように使う。
var (
	ErrAdmissionRejected   = &Error{Kind: KindAdmissionRejected}
	ErrSecurityRejected    = &Error{Kind: KindSecurityRejected}
	ErrCircuitOpen         = &Error{Kind: KindCircuitOpen}
	ErrUpstreamUnavailable = &Error{Kind: KindUpstreamUnavailable}
	ErrUpstreamTimeout     = &Error{Kind: KindUpstreamTimeout}
	ErrInternal            = &Error{Kind: KindInternal}
)

// AdmissionRejected は流量制限超過エラーを生成する。
func AdmissionRejected(limiter string, retryAfter time.Duration) *Error {
	return &Error{
		Kind:       KindAdmissionRejected,
		Status:     http.StatusTooManyRequests,
		Message:    "Too many requests, please try again later.",
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("limiter %q exceeded", limiter),
	}
}

// Forbidden はアクセス拒否（403）のセキュリティエラーを生成する。
func Forbidden(message string) *Error {
	return &Error{Kind: KindSecurityRejected, Status: http.StatusForbidden, Message: message}
}

// BadRequest は不正リクエスト（400）のセキュリティエラーを生成する。
func BadRequest(message string) *Error {
	return &Error{Kind: KindSecurityRejected, Status: http.StatusBadRequest, Message: message}
}

// CircuitOpen はサーキットOpenによる拒否エラーを生成する。
func CircuitOpen(service string, err error) *Error {
	return &Error{
		Kind:    KindCircuitOpen,
		Status:  http.StatusServiceUnavailable,
		Message: fmt.Sprintf("Service %s is temporarily unavailable", service),
		Err:     err,
	}
}

// UpstreamUnavailable はバックエンド接続拒否エラーを生成する。
func UpstreamUnavailable(service string, err error) *Error {
	return &Error{
		Kind:    KindUpstreamUnavailable,
		Status:  http.StatusServiceUnavailable,
		Message: fmt.Sprintf("Service %s is unavailable", service),
		Err:     err,
	}
}

// UpstreamTimeout はバックエンドのタイムアウトエラーを生成する。
func UpstreamTimeout(service string, err error) *Error {
	return &Error{
		Kind:    KindUpstreamTimeout,
		Status:  http.StatusGatewayTimeout,
		Message: fmt.Sprintf("Service %s did not respond in time", service),
		Err:     err,
	}
}

// NotFound はルーティング対象なしのエラーを生成する。
func NotFound(path string) *Error {
	return &Error{
		Kind:    KindNotFound,
		Status:  http.StatusNotFound,
		Message: fmt.Sprintf("No route for %s", path),
	}
}

// Internal はゲートウェイ内部エラーを生成する。
func Internal(err error) *Error {
	return &Error{
		Kind:    KindInternal,
		Status:  http.StatusInternalServerError,
		Message: "Internal gateway error",
		Err:     err,
	}
}

// From は任意のエラーを*Errorに変換する。*Errorでなければ内部エラーとして扱う。
func From(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Internal(err)
}
