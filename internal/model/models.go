package model

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// -------------------- CHANNEL --------------------

type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelPhone Channel = "PHONE"
)

// ParseChannel accepts the channel name in any case.
func ParseChannel(s string) (Channel, error) {
	switch Channel(strings.ToUpper(strings.TrimSpace(s))) {
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelPhone:
		return ChannelPhone, nil
	}
	return "", fmt.Errorf("unknown channel %q", s)
}

// -------------------- OTP RECORD --------------------

// OTPRecord is the active one-time code for a (channel, target) pair.
type OTPRecord struct {
	ID           string     `json:"id" db:"id"`                       // UUID, changes on every issue
	Channel      Channel    `json:"channel" db:"channel"`             // EMAIL | PHONE
	Target       string     `json:"target" db:"target"`               // canonical form
	CodeHash     string     `json:"-" db:"code_hash"`                 // argon2id, never plaintext
	CreatedAt    time.Time  `json:"created_at" db:"created_at"`
	ExpiresAt    time.Time  `json:"expires_at" db:"expires_at"`
	ConsumedAt   *time.Time `json:"consumed_at,omitempty" db:"consumed_at"`
	AttemptCount int        `json:"attempt_count" db:"attempt_count"`
	Superseded   []string   `json:"-" db:"superseded"`                 // hashes of replaced live codes, newest first
}

// MaxSuperseded bounds OTPRecord.Superseded.
const MaxSuperseded = 4

// IsExpired reports whether now is past the record's expiry.
func (r *OTPRecord) IsExpired(now time.Time) bool {
	return now.After(r.ExpiresAt)
}

// -------------------- OAUTH STATE --------------------

// OAuthState binds an anti-CSRF state token to one provider login attempt.
type OAuthState struct {
	State       string    `json:"state" db:"state"`
	Provider    string    `json:"provider" db:"provider"`
	RedirectURI string    `json:"redirect_uri,omitempty" db:"redirect_uri"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
}

func (s *OAuthState) IsExpired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// -------------------- SESSION CLAIMS --------------------

// SessionClaims is carried inside a signed session token; it is never stored.
type SessionClaims struct {
	Subject   string    `json:"sub"`
	Role      string    `json:"role"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
}

const (
	RoleStudent = "STUDENT"
	RoleAdmin   = "ADMIN"
)

// -------------------- STORE INTERFACES --------------------

// OTPStore persists OTP records. Every mutation that has single-use
// semantics is a conditional operation evaluated by the store itself.
type OTPStore interface {
	// Replace stores rec as the only record for its (channel, target),
	// discarding any previous one.
	Replace(ctx context.Context, rec *OTPRecord, retention time.Duration) error
	// Get returns the record for (channel, target), or nil when absent.
	Get(ctx context.Context, channel Channel, target string) (*OTPRecord, error)
	// IncrementAttempts bumps the attempt counter of the record with id and
	// returns the new count; ok is false when that record is no longer current.
	IncrementAttempts(ctx context.Context, channel Channel, target, id string) (count int, ok bool, err error)
	// Consume deletes the record with id if it is current and has fewer than
	// maxAttempts failed attempts. Exactly one concurrent caller observes true.
	Consume(ctx context.Context, channel Channel, target, id string, maxAttempts int) (bool, error)
	// DeleteIfCurrent deletes the record only if id is still the current one.
	DeleteIfCurrent(ctx context.Context, channel Channel, target, id string) (bool, error)
	// DeleteExpired removes records whose expiry is strictly before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// OAuthStateStore persists OAuth state tokens.
type OAuthStateStore interface {
	// Save inserts st; it fails if the state value already exists.
	Save(ctx context.Context, st *OAuthState) error
	// Get returns the stored state, or nil when absent.
	Get(ctx context.Context, state string) (*OAuthState, error)
	// Delete removes the state and reports whether this call removed it.
	Delete(ctx context.Context, state string) (bool, error)
	// DeleteExpired removes states whose expiry is strictly before now.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

// SendLimiter counts code issuance per key within a window.
type SendLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// ErrStateExists is returned by OAuthStateStore.Save on a duplicate state value.
var ErrStateExists = errors.New("oauth state already exists")
