// Package auth validates rider access tokens and guards the HTTP API. Tokens are issued by the external identity
// provider and verified here with a shared HMAC secret; the subject claim is the stable identity the account table
// keys on.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessClaims holds the JWT claims for an access token. Name and Email mirror the identity provider's profile and
// are copied into the account row on every authenticated request.
type AccessClaims struct {
	jwt.RegisteredClaims
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Admin bool   `json:"admin,omitempty"`
}

// NewAccessToken creates a signed JWT access token. Production tokens come from the identity provider; this is used
// by tests and the development token tool.
func NewAccessToken(subject, name, email string, admin bool, secret string, ttl time.Duration, issuer string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("JWT secret must not be empty")
	}
	if issuer == "" {
		return "", fmt.Errorf("JWT issuer must not be empty")
	}

	now := time.Now()
	claims := AccessClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Name:  name,
		Email: email,
		Admin: admin,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}

	return signed, nil
}

// ValidateAccessToken parses and validates a JWT access token string, enforcing HMAC signing method and issuer claim.
func ValidateAccessToken(tokenStr, secret, issuer string) (*AccessClaims, error) {
	if issuer == "" {
		return nil, fmt.Errorf("JWT issuer must not be empty")
	}

	claims := &AccessClaims{}
	_, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(secret), nil
	}, jwt.WithIssuer(issuer))
	if err != nil {
		return nil, err
	}

	return claims, nil
}
