// Package config は環境変数と.envファイルからゲートウェイの設定を読み込む。
//
// 起動時に一度だけ読み込み、検証済みの不変な Config を各コンポーネントに渡す。
package config
