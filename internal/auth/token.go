// Package auth issues and verifies the bearer tokens the gateway accepts.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/infiligence/governed-rag/internal/models"
)

// TokenAttrs is the attrs claim object. Key names are contractual.
type TokenAttrs struct {
	Clearance   string            `json:"clearance"`
	AllowExport bool              `json:"allow_export"`
	Extra       map[string]string `json:"extra,omitempty"`
}

// Claims carries the gateway's token claims. Claim names are contractual:
// sub, groups, attrs, tenant, exp.
type Claims struct {
	jwt.RegisteredClaims
	Groups []string   `json:"groups"`
	Attrs  TokenAttrs `json:"attrs"`
	Tenant string     `json:"tenant"`
}

// TokenManager handles token generation and validation.
type TokenManager struct {
	signingKey []byte
	ttl        time.Duration
}

// NewTokenManager creates a token manager with an HS256 signing key.
func NewTokenManager(signingKey string, ttl time.Duration) (*TokenManager, error) {
	if signingKey == "" {
		return nil, fmt.Errorf("signing key must not be empty")
	}
	return &TokenManager{signingKey: []byte(signingKey), ttl: ttl}, nil
}

// TTL returns the lifetime applied to issued tokens.
func (tm *TokenManager) TTL() time.Duration {
	return tm.ttl
}

// Issue creates a signed token for a subject.
func (tm *TokenManager) Issue(s *models.Subject) (string, error) {
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   s.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tm.ttl)),
			Issuer:    "governed-rag",
		},
		Groups: s.Groups,
		Attrs: TokenAttrs{
			Clearance:   string(s.Attrs.Clearance),
			AllowExport: s.Attrs.AllowExport,
			Extra:       s.Attrs.Extra,
		},
		Tenant: s.Tenant,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(tm.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify parses and validates a token string, checking signature and expiry.
func (tm *TokenManager) Verify(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return tm.signingKey, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUnauthenticated, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, models.ErrUnauthenticated
	}
	return claims, nil
}
