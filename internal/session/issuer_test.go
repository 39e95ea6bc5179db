package session

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"

	"identity-service/internal/autherr"
	"identity-service/internal/model"
)

func fixedClock(t time.Time) (func() time.Time, func(time.Duration)) {
	now := t
	return func() time.Time { return now }, func(d time.Duration) { now = now.Add(d) }
}

func TestIssueAndValidate(t *testing.T) {
	clock, advance := fixedClock(time.Date(2026, 1, 10, 8, 0, 0, 0, time.UTC))
	iss, err := NewIssuer("secret", 0)
	require.NoError(t, err)
	iss.WithClock(clock)
	require.Equal(t, DefaultLifetime, iss.Lifetime())

	token, err := iss.Issue("user-1", model.RoleStudent)
	require.NoError(t, err)

	got, err := iss.Validate(token)
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Subject)
	require.Equal(t, model.RoleStudent, got.Role)
	require.Equal(t, clock().Unix(), got.IssuedAt.Unix())
	require.Equal(t, clock().Add(DefaultLifetime).Unix(), got.ExpiresAt.Unix())

	advance(DefaultLifetime - time.Minute)
	_, err = iss.Validate(token)
	require.NoError(t, err, "still valid just before expiry")

	advance(2 * time.Minute)
	_, err = iss.Validate(token)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestValidateRejectsWrongSecret(t *testing.T) {
	a, err := NewIssuer("secret-a", time.Hour)
	require.NoError(t, err)
	b, err := NewIssuer("secret-b", time.Hour)
	require.NoError(t, err)

	token, err := a.Issue("user-1", model.RoleAdmin)
	require.NoError(t, err)

	_, err = b.Validate(token)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestValidateRejectsTampering(t *testing.T) {
	iss, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)
	token, err := iss.Issue("user-1", model.RoleStudent)
	require.NoError(t, err)

	parts := strings.Split(token, ".")
	require.Len(t, parts, 3)
	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "user-1",
		"role": model.RoleAdmin,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("guess"))
	require.NoError(t, err)
	fparts := strings.Split(forged, ".")

	_, err = iss.Validate(parts[0] + "." + fparts[1] + "." + parts[2])
	require.ErrorIs(t, err, autherr.ErrUnauthorized)

	_, err = iss.Validate("not-a-token")
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestValidateRejectsOtherAlgorithms(t *testing.T) {
	iss, err := NewIssuer("secret", time.Hour)
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{
		"sub": "user-1",
		"exp": time.Now().Add(time.Hour).Unix(),
	}).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = iss.Validate(none)
	require.ErrorIs(t, err, autherr.ErrUnauthorized)
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("", time.Hour)
	require.Error(t, err)

	iss, err := NewIssuer("s", time.Hour)
	require.NoError(t, err)
	_, err = iss.Issue("", model.RoleStudent)
	require.ErrorIs(t, err, autherr.ErrValidation)
}
