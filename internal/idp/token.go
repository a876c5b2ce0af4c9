package idp

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/wz1310/voice-cordova/internal/domain"
)

// TokenCodec issues and verifies the short-lived bearer tokens that a
// connection presents in its identify envelope.
type TokenCodec struct {
	secret []byte
	ttl    time.Duration
}

func NewTokenCodec(secret string, ttl time.Duration) *TokenCodec {
	return &TokenCodec{secret: []byte(secret), ttl: ttl}
}

type identityClaims struct {
	Name string `json:"name"`
	jwt.RegisteredClaims
}

func (c *TokenCodec) Issue(id domain.Identity) (string, error) {
	now := time.Now()
	claims := identityClaims{
		Name: id.Name,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(id.ID),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.secret)
}

// Verify implements app.IdentityVerifier.
func (c *TokenCodec) Verify(tokenString string) (domain.Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &identityClaims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return c.secret, nil
	})
	if err != nil {
		return domain.Identity{}, fmt.Errorf("%w: %v", domain.ErrUnauthorized, err)
	}
	claims, ok := token.Claims.(*identityClaims)
	if !ok || !token.Valid || claims.Subject == "" {
		return domain.Identity{}, domain.ErrUnauthorized
	}
	return domain.Identity{ID: domain.IdentityID(claims.Subject), Name: claims.Name}, nil
}
