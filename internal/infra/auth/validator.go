package auth

import (
	"crypto/rsa"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/granjadebolso/granja-sync/internal/domain"
)

// TokenIssuer — значение iss, которое ставит сервер и требует валидатор.
// Токены сторонних выпускающих, даже подписанные нашим же ключом из другого
// окружения, не проходят.
const TokenIssuer = "granja-api"

// BaseValidator проверяет RS256-токены сервера: подпись открытым ключом,
// строгий алгоритм, издатель и непустой user id в claims.
type BaseValidator struct {
	publicKey *rsa.PublicKey
}

func NewBaseValidator(pubKey *rsa.PublicKey) *BaseValidator {
	return &BaseValidator{publicKey: pubKey}
}

// VerifyToken реализует TokenValidator. Принимает и голый токен,
// и значение заголовка Authorization целиком.
func (v *BaseValidator) VerifyToken(tokenStr string) (*domain.CustomClaims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	claims := &domain.CustomClaims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims,
		func(token *jwt.Token) (interface{}, error) {
			return v.publicKey, nil
		},
		// alg зажат до RS256: токен с alg=none или HS256 (подписанный
		// публичным ключом как секретом) отлетает до проверки подписи
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(TokenIssuer),
	)
	if err != nil || !token.Valid {
		return nil, fmt.Errorf("auth: invalid token: %w", err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("auth: token carries no user id")
	}
	return claims, nil
}

// ParseRSAPublicKey превращает PEM в ключ проверки подписи.
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("auth: public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает PEM в ключ подписи. Нужен только серверу,
// агент ходит с одним публичным.
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("auth: private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("auth: parse private key: %w", err)
	}
	return key, nil
}
