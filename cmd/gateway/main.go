// API Gatewayサービスのエントリポイント。
// 認証・講座・受講・決済の各サービスへのリクエストを中継し、流量制限、
// サーキットブレーカー、レスポンスキャッシュでバックエンドを保護する。
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線となる。
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/edugate/internal/config"
	"github.com/nao1215/edugate/internal/gateway"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("設定の読み込みに失敗", slog.Any("error", err))
		os.Exit(1)
	}

	logger := newLogger(cfg)
	slog.SetDefault(logger)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := gateway.NewServer(ctx, cfg, gateway.WithLogger(logger))
	if err != nil {
		logger.Error("Gatewayサーバーの初期化に失敗", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := server.Close(); err != nil {
			logger.Error("リソースの解放に失敗", slog.Any("error", err))
		}
	}()

	if err := server.Run(ctx); err != nil {
		logger.Error("Gatewayサービスの実行に失敗", slog.Any("error", err))
		stop()
		os.Exit(1)
	}
	logger.Info("gateway stopped")
}

// newLogger は本番環境ではJSON、それ以外ではテキスト形式のロガーを生成する。
func newLogger(cfg *config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: cfg.Logging.Level}
	var handler slog.Handler
	if cfg.IsProduction() {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler).With(slog.String("service", cfg.ServiceTag))
}
