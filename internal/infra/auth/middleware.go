package auth

import (
	"context"
	"net/http"

	"github.com/granjadebolso/granja-sync/internal/domain"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс, который реализуют и API-сервер, и тесты
type TokenValidator interface {
	VerifyToken(tokenStr string) (*domain.CustomClaims, error)
}

type ctxKey string

const userIDKey ctxKey = "user_id"

// NewMiddleware закрывает группу роутов проверкой Bearer-токена.
// Запросы к записям конкретного ресурса дополнительно проходят через guard —
// здесь только аутентификация, без проверки владения строкой.
func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, err := v.VerifyToken(authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			// Прокидываем данные в контекст
			ctx := context.WithValue(r.Context(), userIDKey, claims.UserID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UserIDFromContext достает id авторизованного пользователя в обработчиках.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok
}

// WithUserID используется guard-прослойкой, чтобы положить владельца в контекст.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}
