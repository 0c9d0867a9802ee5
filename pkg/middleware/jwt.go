package middleware

import (
	"fmt"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// JWTClaims はJWTトークンのクレーム（ペイロード）を表す。
// トークンは認証サービスが発行し、ゲートウェイは利用者の識別にのみ使用する。
type JWTClaims struct {
	jwt.RegisteredClaims
	// UserID は認証済みユーザーの一意識別子。
	UserID string `json:"user_id"`
	// Email はユーザーのメールアドレス。
	Email string `json:"email"`
	// Role はユーザーのロール（student, instructor, admin など）。
	Role string `json:"role,omitempty"`
}

const (
	// headerKeyUserID はバックエンドにユーザーIDを伝播するためのHTTPヘッダーキー。
	headerKeyUserID = "X-User-ID"
	contextKeyUser  = "user_id"
	contextKeyEmail = "email"
	contextKeyRole  = "role"
)

// GenerateJWT はユーザー情報からJWTトークンを生成する。
// ゲートウェイ自身はトークンを発行しない。認証サービスと同じ形式のトークンを作るための補助。
func GenerateJWT(secret, userID, email, role string) (string, error) {
	claims := JWTClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(24 * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			Issuer:    "edugate-auth",
		},
		UserID: userID,
		Email:  email,
		Role:   role,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("JWTトークンの署名に失敗: %w", err)
	}
	return signed, nil
}

// Identity はBearerトークンから利用者を識別するGinミドルウェアを返す。
// 検証に成功した場合はコンテキストに "user_id"・"email"・"role" を設定し、
// X-User-IDヘッダーをバックエンド向けリクエストに付与する。
// トークンが無い・無効な場合は匿名として処理を続ける。認可の判断はバックエンドが行う。
func Identity(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		claims, ok := parseBearer(c.GetHeader("Authorization"), secret)
		if ok {
			c.Set(contextKeyUser, claims.UserID)
			c.Set(contextKeyEmail, claims.Email)
			c.Set(contextKeyRole, claims.Role)
			c.Request.Header.Set(headerKeyUserID, claims.UserID)
		} else {
			// クライアントが偽装したX-User-IDはバックエンドに渡さない
			c.Request.Header.Del(headerKeyUserID)
		}
		c.Next()
	}
}

// parseBearer はAuthorizationヘッダーのBearerトークンを検証する。
func parseBearer(authHeader, secret string) (*JWTClaims, bool) {
	tokenString, found := strings.CutPrefix(authHeader, "Bearer ")
	if !found || tokenString == "" {
		return nil, false
	}

	claims := &JWTClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil || !token.Valid || claims.UserID == "" {
		return nil, false
	}
	return claims, true
}

// GetUserID はGinコンテキストからユーザーIDを取得する。匿名の場合は空文字列を返す。
func GetUserID(c *gin.Context) string {
	userID, _ := c.Get(contextKeyUser)
	if id, ok := userID.(string); ok {
		return id
	}
	return ""
}

// GetRole はGinコンテキストからユーザーのロールを取得する。匿名の場合は空文字列を返す。
func GetRole(c *gin.Context) string {
	return c.GetString(contextKeyRole)
}
