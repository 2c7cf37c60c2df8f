// Package auth provides credential issuance and verification for the
// realtime channel and the HTTP write path.
package auth

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/courier-im/courier/internal/model"
)

// TokenVerifier issues and verifies HS256 access tokens whose subject claim
// carries the user id.
type TokenVerifier struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewTokenVerifier creates a token verifier with the given signing secret and
// token lifetime.
func NewTokenVerifier(secret string, ttl time.Duration) *TokenVerifier {
	return &TokenVerifier{
		secret: []byte(secret),
		ttl:    ttl,
		now:    time.Now,
	}
}

// Issue signs a new access token for the given user id.
func (v *TokenVerifier) Issue(userID string) (string, error) {
	now := v.now()
	claims := jwt.RegisteredClaims{
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(v.ttl)),
	}

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify resolves a token to its user id. Expired tokens yield
// model.ErrTokenExpired; any other failure yields model.ErrUnauthorized.
func (v *TokenVerifier) Verify(token string) (string, error) {
	if token == "" {
		return "", model.ErrUnauthorized
	}

	claims := &jwt.RegisteredClaims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(func() time.Time { return v.now() }))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", model.ErrTokenExpired
		}

		return "", model.ErrUnauthorized
	}

	if !parsed.Valid || claims.Subject == "" {
		return "", model.ErrUnauthorized
	}

	return claims.Subject, nil
}
