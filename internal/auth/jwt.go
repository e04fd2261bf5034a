// Package auth turns bearer tokens into caller identities. Tokens are HS256
// JWTs whose subject is the user id.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/atmx/portfolio-engine/internal/model"
)

// DefaultIssuer is stamped on tokens that do not name one.
const DefaultIssuer = "portfolio-engine"

// Claims are the token claims. The subject is the user id.
type Claims struct {
	Name string `json:"name,omitempty"`

	jwt.RegisteredClaims
}

// UserID returns the authenticated user.
func (c Claims) UserID() string { return c.Subject }

// JWT signs and verifies tokens with a shared secret.
type JWT struct {
	Secret   []byte
	TokenTTL time.Duration
	Issuer   string
}

// Sign issues a token for userID.
func (j JWT) Sign(userID string) (token string, expiresAt time.Time, err error) {
	return j.SignClaims(Claims{RegisteredClaims: jwt.RegisteredClaims{Subject: userID}})
}

// SignClaims issues a token for claims, filling in the time claims and
// issuer when unset.
func (j JWT) SignClaims(claims Claims) (token string, expiresAt time.Time, err error) {
	if strings.TrimSpace(claims.Subject) == "" {
		return "", time.Time{}, model.Invalid("token subject is required")
	}
	now := time.Now().UTC()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.NotBefore == nil {
		claims.NotBefore = jwt.NewNumericDate(now.Add(-5 * time.Second))
	}
	if claims.ExpiresAt == nil && j.TokenTTL > 0 {
		expiresAt = now.Add(j.TokenTTL)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	} else if claims.ExpiresAt != nil {
		expiresAt = claims.ExpiresAt.Time
	}
	if claims.Issuer == "" {
		claims.Issuer = j.issuer()
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(j.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return s, expiresAt, nil
}

// Verify parses token and checks its signature, time claims and subject.
// Every failure wraps model.ErrNotAuthenticated.
func (j JWT) Verify(token string) (Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.Secret, nil
	}, jwt.WithIssuer(j.issuer()))
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %w", model.ErrNotAuthenticated, err)
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, fmt.Errorf("%w: invalid token", model.ErrNotAuthenticated)
	}
	if strings.TrimSpace(c.Subject) == "" {
		return Claims{}, fmt.Errorf("%w: token has no subject", model.ErrNotAuthenticated)
	}
	return *c, nil
}

func (j JWT) issuer() string {
	if j.Issuer == "" {
		return DefaultIssuer
	}
	return j.Issuer
}
