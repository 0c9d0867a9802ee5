package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// defaultTimeout はタイムアウト未指定時の1リクエストあたりの上限時間。
const defaultTimeout = 30 * time.Second

// maxResponseBytes は転送するレスポンスボディの最大サイズ。
const maxResponseBytes = 10 << 20

// ErrResponseTooLarge はレスポンスボディがmaxResponseBytesを超えたことを表す。
var ErrResponseTooLarge = errors.New("レスポンスボディが上限を超えています")

// Client はバックエンドサービス通信用のHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は接続先サービスのベースURL。
	baseURL string
	// maxBody はForwardで受け取るレスポンスボディの最大バイト数。
	maxBody int64
}

// Option はClientの生成オプション。
type Option func(*Client)

// WithTimeout は1リクエストあたりのタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.httpClient.Timeout = d
		}
	}
}

// WithMaxResponseBytes はForwardで受け取るレスポンスボディの上限を設定する。
func WithMaxResponseBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithTransport は内部で使用するRoundTripperを差し替える。
func WithTransport(rt http.RoundTripper) Option {
	return func(c *Client) {
		c.httpClient.Transport = rt
	}
}

// New は新しいHTTPクライアントを生成する。
// baseURLには接続先サービスのベースURL（例: "http://course-service:3002"）を指定する。
// リダイレクトは追従せず、バックエンドの応答をそのまま返す。
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: defaultTimeout,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		baseURL: baseURL,
		maxBody: maxResponseBytes,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL は接続先サービスのベースURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// StatusError は2xx以外のステータスコードを受け取ったことを表す。
type StatusError struct {
	// StatusCode はバックエンドが返したステータスコード。
	StatusCode int
	// Body はレスポンスボディの先頭部分。
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTPエラー: status=%d, body=%s", e.StatusCode, e.Body)
}

// GetJSON は指定パスにGETリクエストを送信し、レスポンスボディをresultにデシリアライズする。
// 戻り値のステータスコードはレスポンスを受信できた場合のみ0以外になる。
func (c *Client) GetJSON(ctx context.Context, path string, result any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return resp.StatusCode, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if result != nil {
		if err := json.NewDecoder(resp.Body).Decode(result); err != nil {
			return resp.StatusCode, fmt.Errorf("レスポンスボディのデシリアライズに失敗: %w", err)
		}
	}
	return resp.StatusCode, nil
}

// Request はバックエンドへ転送するリクエスト。
type Request struct {
	// Method はHTTPメソッド。
	Method string
	// Path はプレフィックス除去後のパス。
	Path string
	// RawQuery はエンコード済みのクエリ文字列。
	RawQuery string
	// Header は転送するリクエストヘッダー。
	Header http.Header
	// Body はリクエストボディ。nilの場合はボディ無しで送信する。
	Body []byte
}

// Response はバックエンドから受信したレスポンス。
type Response struct {
	// StatusCode はバックエンドが返したステータスコード。
	StatusCode int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// Forward はリクエストをバックエンドに転送し、ステータスとボディを加工せずに返す。
// 2xx以外のステータスもエラーとはせず、そのまま呼び出し元に返す。
// ボディが上限を超える場合は切り詰めずにErrResponseTooLargeを返す。
func (c *Client) Forward(ctx context.Context, r Request) (*Response, error) {
	target := c.baseURL + r.Path
	if r.RawQuery != "" {
		target += "?" + r.RawQuery
	}

	var body io.Reader
	if len(r.Body) > 0 {
		body = bytes.NewReader(r.Body)
	}
	req, err := http.NewRequestWithContext(ctx, r.Method, target, body)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの作成に失敗: %w", err)
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("HTTPリクエストの送信に失敗: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	if err != nil {
		return nil, fmt.Errorf("レスポンスボディの読み込みに失敗: %w", err)
	}
	if int64(len(respBody)) > c.maxBody {
		return nil, fmt.Errorf("%w: limit=%d bytes", ErrResponseTooLarge, c.maxBody)
	}

	return &Response{
		StatusCode: resp.StatusCode,
		Header:     resp.Header.Clone(),
		Body:       respBody,
	}, nil
}
