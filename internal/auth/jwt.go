// Package auth authenticates API callers with HS256 bearer tokens and carries
// the caller's tenant through request contexts.
package auth

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	ErrInvalidToken   = errors.New("invalid token")
	ErrTokenExpired   = errors.New("token expired")
	ErrTenantMismatch = errors.New("tenant mismatch")
	ErrEmptySecret    = errors.New("jwt secret is empty")
)

// Claims is the bearer token body. TenantID scopes every file the caller can
// reach.
type Claims struct {
	jwt.RegisteredClaims
	UserID   string `json:"userId"`
	TenantID string `json:"tenantId"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	TenantID string
}

// Authenticator issues and parses bearer tokens.
type Authenticator struct {
	secret []byte
}

// NewAuthenticator creates an Authenticator for secret.
func NewAuthenticator(secret []byte) (*Authenticator, error) {
	if len(secret) == 0 {
		return nil, ErrEmptySecret
	}
	return &Authenticator{secret: bytes.Clone(secret)}, nil
}

// IssueToken signs a token for userID in tenantID valid for ttl.
func (a *Authenticator) IssueToken(userID, tenantID string, ttl time.Duration) (string, error) {
	if tenantID == "" {
		return "", fmt.Errorf("%w: tenant is required", ErrInvalidToken)
	}
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		UserID:   userID,
		TenantID: tenantID,
	})
	return token.SignedString(a.secret)
}

// ParseToken validates tokenString and returns its claims.
func (a *Authenticator) ParseToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.TenantID == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// Identity converts claims into the caller identity.
func (c *Claims) Identity() Identity {
	return Identity{UserID: c.UserID, TenantID: c.TenantID}
}

// CheckTenant reports whether id may act on files owned by tenantID.
func CheckTenant(id Identity, tenantID string) error {
	if id.TenantID == "" || id.TenantID != tenantID {
		return ErrTenantMismatch
	}
	return nil
}
