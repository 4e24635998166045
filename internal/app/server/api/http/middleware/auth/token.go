package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

// Claims хранит id владельца в subject токена
type Claims struct {
	jwt.RegisteredClaims
}

// GenerateToken подписывает HS256 токен для ownerID. При нулевом ttl токен не истекает.
func GenerateToken(ownerID string, secret []byte, ttl time.Duration) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: empty owner", ErrInvalidToken)
	}
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  ownerID,
			IssuedAt: jwt.NewNumericDate(now),
			Issuer:   "pensieve",
		},
	}
	if ttl != 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(ttl))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken проверяет подпись и срок действия и возвращает id владельца
func ParseToken(tokenString string, secret []byte) (string, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}
