// Package session mints and validates signed session tokens. Tokens are
// flat-lived: there is no refresh or rotation.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"identity-service/internal/autherr"
	"identity-service/internal/model"
)

const DefaultLifetime = 7 * 24 * time.Hour

type claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type Issuer struct {
	secret   []byte
	lifetime time.Duration
	now      func() time.Time
}

func NewIssuer(secret string, lifetime time.Duration) (*Issuer, error) {
	if secret == "" {
		return nil, errors.New("session secret is empty")
	}
	if lifetime <= 0 {
		lifetime = DefaultLifetime
	}
	return &Issuer{secret: []byte(secret), lifetime: lifetime, now: time.Now}, nil
}

// WithClock replaces the time source used for iat/exp and for validation.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	i.now = now
	return i
}

func (i *Issuer) Lifetime() time.Duration { return i.lifetime }

// Issue returns an HS256 token for subject with the given role.
func (i *Issuer) Issue(subject, role string) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("empty subject: %w", autherr.ErrValidation)
	}
	now := i.now()
	c := claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign session token: %w", err)
	}
	return token, nil
}

// Validate checks signature and expiry. Any failure is ErrUnauthorized.
func (i *Issuer) Validate(token string) (*model.SessionClaims, error) {
	c := &claims{}
	_, err := jwt.ParseWithClaims(token, c,
		func(t *jwt.Token) (interface{}, error) {
			return i.secret, nil
		},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", autherr.ErrUnauthorized, err)
	}
	if c.Subject == "" {
		return nil, fmt.Errorf("%w: token has no subject", autherr.ErrUnauthorized)
	}

	out := &model.SessionClaims{
		Subject:   c.Subject,
		Role:      c.Role,
		ExpiresAt: c.ExpiresAt.Time,
	}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	return out, nil
}
