// バックエンドサービスの代役のエントリポイント。
// ゲートウェイをローカルで動かす際に、認証・講座・受講・決済サービスの代わりに起動する。
// 例: STUB_NAME=courses PORT=3002 go run ./cmd/backend-stub
package main

import (
	"log"
	"os"

	"github.com/nao1215/edugate/internal/stub"
)

func main() {
	port := os.Getenv("PORT")
	if port == "" {
		port = "3002"
	}
	name := os.Getenv("STUB_NAME")
	if name == "" {
		name = "backend-stub"
	}

	server := stub.NewServer(name, port)

	log.Printf("バックエンドスタブ(%s)を起動します: :%s", name, port)
	if err := server.Run(); err != nil {
		log.Fatalf("バックエンドスタブの起動に失敗: %v", err)
	}
}
