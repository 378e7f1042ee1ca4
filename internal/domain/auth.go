package domain

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrRecordNotFound возвращается репозиториями, когда строки с таким pk нет.
var ErrRecordNotFound = errors.New("record not found")

type CustomClaims struct {
	UserID string `json:"user_id"`
	jwt.RegisteredClaims
}

// Secure Token Issuing
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"` // Всегда "Bearer"
	ExpiresIn   int64  `json:"expires_in"`
	UserID      string `json:"user_id"`
}

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"` // Никогда не отправляем на фронт
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Session — авторизованная сессия клиента синхронизации.
type Session struct {
	UserID      string
	AccessToken string
	ExpiresAt   time.Time
}
