package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/granjadebolso/granja-sync/internal/domain"
)

func newKeyPair(t *testing.T) (*rsa.PrivateKey, *BaseValidator) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key, NewBaseValidator(&key.PublicKey)
}

func signClaims(t *testing.T, key *rsa.PrivateKey, claims *domain.CustomClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func validClaims(userID string) *domain.CustomClaims {
	return &domain.CustomClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    TokenIssuer,
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
}

func TestVerifyTokenRoundTrip(t *testing.T) {
	key, v := newKeyPair(t)
	token := signClaims(t, key, validClaims("u1"))

	claims, err := v.VerifyToken("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.UserID)
}

func TestVerifyTokenRejectsForeignIssuer(t *testing.T) {
	key, v := newKeyPair(t)
	claims := validClaims("u1")
	claims.Issuer = "staging-api"

	_, err := v.VerifyToken(signClaims(t, key, claims))
	assert.Error(t, err, "подпись наша, издатель чужой — токен не принимается")
}

func TestVerifyTokenRejectsHMACSignature(t *testing.T) {
	_, v := newKeyPair(t)
	// Классическая подмена алгоритма: HS256 с известной строкой в роли секрета
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims("u1")).
		SignedString([]byte("granja-api"))
	require.NoError(t, err)

	_, err = v.VerifyToken(signed)
	assert.Error(t, err)
}

func TestVerifyTokenRejectsEmptyUserID(t *testing.T) {
	key, v := newKeyPair(t)

	_, err := v.VerifyToken(signClaims(t, key, validClaims("")))
	assert.Error(t, err)
}

func TestVerifyTokenRejectsExpired(t *testing.T) {
	key, v := newKeyPair(t)
	claims := validClaims("u1")
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	_, err := v.VerifyToken(signClaims(t, key, claims))
	assert.Error(t, err)
}

func TestVerifyTokenRejectsWrongKey(t *testing.T) {
	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	_, v := newKeyPair(t)

	_, err = v.VerifyToken(signClaims(t, otherKey, validClaims("u1")))
	assert.Error(t, err)
}
