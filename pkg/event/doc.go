// Package event はゲートウェイの耐障害性に関するイベントレコードを提供する。
//
// サーキットブレーカーの状態遷移やバックエンドのヘルス状態の変化を
// 不変のイベントとして表現し、直近のイベントを保持するジャーナルに記録する。
// 記録されたイベントは /status エンドポイントで参照される。
package event
