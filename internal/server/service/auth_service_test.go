package service

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/granjadebolso/granja-sync/internal/domain"
	"github.com/granjadebolso/granja-sync/internal/infra/auth"
)

type fakeUsers struct {
	user *domain.User
}

func (f fakeUsers) GetUserByUsername(_ context.Context, username string) (*domain.User, error) {
	if f.user != nil && f.user.Username == username {
		return f.user, nil
	}
	return nil, nil
}

func newTestAuthService(t *testing.T, password string) *AuthService {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	require.NoError(t, err)

	users := fakeUsers{user: &domain.User{
		ID:           "u1",
		Username:     "granjeiro",
		PasswordHash: string(hash),
	}}
	return NewAuthService(users, auth.NewBaseValidator(&key.PublicKey), key, time.Hour)
}

func TestGenerateTokenRoundTrip(t *testing.T) {
	s := newTestAuthService(t, "segredo")

	resp, err := s.GenerateToken(context.Background(), "granjeiro", "segredo")
	require.NoError(t, err)
	assert.Equal(t, "Bearer", resp.TokenType)
	assert.Equal(t, "u1", resp.UserID)
	assert.Greater(t, resp.ExpiresIn, int64(0))

	// Подписанный токен должен проходить собственную проверку RS256
	claims, err := s.VerifyToken("Bearer " + resp.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestGenerateTokenWrongPassword(t *testing.T) {
	s := newTestAuthService(t, "segredo")

	_, err := s.GenerateToken(context.Background(), "granjeiro", "errado")
	assert.Error(t, err)
}

func TestGenerateTokenUnknownUser(t *testing.T) {
	s := newTestAuthService(t, "segredo")

	_, err := s.GenerateToken(context.Background(), "fantasma", "segredo")
	assert.Error(t, err)
}

func TestVerifyTokenRejectsGarbage(t *testing.T) {
	s := newTestAuthService(t, "segredo")

	_, err := s.VerifyToken("Bearer not-a-token")
	assert.Error(t, err)
}
