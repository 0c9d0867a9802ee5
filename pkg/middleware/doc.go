// Package middleware はゲートウェイの全ルートで共通して使用するGinミドルウェアを提供する。
//
// リクエストIDの採番、JWTからの利用者識別、パニックリカバリ、
// CORS設定など、ルート種別に依存しない横断的な処理を含む。
package middleware
