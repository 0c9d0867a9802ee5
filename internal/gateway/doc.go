// Package gateway はAPIゲートウェイのHTTPサーバーを組み立てる。
//
// 設定からサーキットブレーカー、ヘルスモニター、流量制限、レスポンスキャッシュ、
// ミドルウェアチェーン、転送処理を生成し、ルートクラスごとにGinのルートへ登録する。
// 外部からアクセス可能な唯一のサービスであり、バックエンドに対する障害の防波堤となる。
package gateway
