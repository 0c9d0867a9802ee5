// Package chain はルートクラスごとのミドルウェアチェーンを組み立てる。
//
// 各ユニットはリクエストを処理し、必要なら次のユニットへ委譲し、
// 戻ってきたレスポンスを観測する。チェーンは起動時に一度だけ組み立て、
// 以降は変更しない。レスポンスはリクエストと逆の順でユニットを通過する。
package chain

import (
	"slices"

	"github.com/gin-gonic/gin"
)

// Handler はチェーン内の次の処理。
type Handler func(c *gin.Context)

// Unit はチェーンを構成する1段。
// Handleはnextを呼ばずに応答を書いて処理を打ち切ってもよい。
type Unit interface {
	Name() string
	Handle(c *gin.Context, next Handler)
}

// Chain は組み立て済みの不変なユニット列。
type Chain struct {
	name  string
	units []string
	entry Handler
}

// New はunitsを先頭から順に通り、最後にterminalを呼ぶチェーンを組み立てる。
func New(name string, terminal Handler, units ...Unit) *Chain {
	h := terminal
	for i := len(units) - 1; i >= 0; i-- {
		u, next := units[i], h
		h = func(c *gin.Context) {
			u.Handle(c, next)
		}
	}

	names := make([]string, len(units))
	for i, u := range units {
		names[i] = u.Name()
	}
	return &Chain{name: name, units: names, entry: h}
}

// Name はチェーン名（ルートクラス名）を返す。
func (ch *Chain) Name() string {
	return ch.name
}

// Units はユニット名を実行順に返す。
func (ch *Chain) Units() []string {
	return slices.Clone(ch.units)
}

// Handle はチェーンを実行する。
func (ch *Chain) Handle(c *gin.Context) {
	ch.entry(c)
}

// HandlerFunc はチェーンをGinのハンドラとして返す。
func (ch *Chain) HandlerFunc() gin.HandlerFunc {
	return func(c *gin.Context) {
		ch.entry(c)
	}
}
