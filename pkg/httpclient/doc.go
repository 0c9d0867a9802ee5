// Package httpclient はゲートウェイからバックエンドサービスへのHTTP通信を行うクライアントを提供する。
//
// ヘルスチェックのJSON取得と、受信したリクエストをそのまま転送するプロキシ呼び出しの
// 2つの通信パターンを統一する。
package httpclient
