// Package auth verifies the opaque bearer credentials issued by the
// authentication service. The engine treats tokens as opaque beyond the
// shared-key signature and the identity claims they carry.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/jensholdgaard/auction-engine/internal/clock"
	"github.com/jensholdgaard/auction-engine/internal/config"
)

// Errors returned by Verify.
var (
	ErrExpired = errors.New("credential expired")
	ErrInvalid = errors.New("credential invalid")
)

// Identity is a verified subscriber identity.
type Identity struct {
	ID       string
	Username string
	Email    string
	Role     string
}

// IsAdmin reports whether the identity carries the admin role.
func (id Identity) IsAdmin() bool { return id.Role == "admin" }

type claims struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Role     string `json:"role"`
	jwt.RegisteredClaims
}

// Verifier validates bearer credentials with the shared HMAC key.
type Verifier struct {
	secret []byte
	clock  clock.Clock
}

// NewVerifier creates a Verifier from the auth configuration.
func NewVerifier(cfg config.AuthConfig, clk clock.Clock) *Verifier {
	return &Verifier{secret: []byte(cfg.Secret), clock: clk}
}

// Verify parses and validates a credential, returning the identity it
// carries, ErrExpired, or ErrInvalid.
func (v *Verifier) Verify(token string) (*Identity, error) {
	var c claims
	parsed, err := jwt.ParseWithClaims(token, &c, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.clock.Now))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpired
		}
		return nil, ErrInvalid
	}
	if !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalid
	}

	return &Identity{
		ID:       c.Subject,
		Username: c.Username,
		Email:    c.Email,
		Role:     c.Role,
	}, nil
}

// Issue signs a credential for an identity with the given lifetime. The
// auth service is the production issuer; this exists for tooling and
// tests.
func (v *Verifier) Issue(id Identity, ttl time.Duration) (string, error) {
	now := v.clock.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		Username: id.Username,
		Email:    id.Email,
		Role:     id.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing credential: %w", err)
	}
	return signed, nil
}
