// Package ratelimit は固定ウィンドウ方式の流量制限を提供する。
//
// キーごとにウィンドウ開始時刻とカウントを保持し、ウィンドウが経過すると
// カウント1の新しいウィンドウを開始する。上限を超えるリクエストは
// カウントを増やさずに拒否し、残りウィンドウ時間をRetry-Afterとして返す。
//
// カウントの保持先は Store で差し替えられる。既定はプロセス内の MemoryStore で、
// 複数インスタンスで共有する場合は RedisStore を使う。
package ratelimit
