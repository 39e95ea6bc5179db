package service

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/autherr"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const (
	stateEntropyBytes = 32
	stateSaveAttempts = 3
)

// OAuthStateManager issues single-use anti-CSRF state tokens for external
// identity provider logins.
type OAuthStateManager struct {
	store      model.OAuthStateStore
	recorder   audit.Recorder
	defaultTTL time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

func NewOAuthStateManager(store model.OAuthStateStore, recorder audit.Recorder, defaultTTL time.Duration, logger *zap.Logger) *OAuthStateManager {
	if defaultTTL <= 0 {
		defaultTTL = 10 * time.Minute
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &OAuthStateManager{
		store:      store,
		recorder:   recorder,
		defaultTTL: defaultTTL,
		logger:     logger.With(zap.String("component", "oauth_state")),
		now:        time.Now,
	}
}

func (m *OAuthStateManager) WithClock(now func() time.Time) *OAuthStateManager {
	m.now = now
	return m
}

// GenerateState stores and returns a new state bound to provider. A
// non-positive ttlMinutes uses the configured default.
func (m *OAuthStateManager) GenerateState(ctx context.Context, provider, redirectURI string, ttlMinutes int) (string, error) {
	provider = normalizeProvider(provider)
	if provider == "" {
		return "", fmt.Errorf("%w: provider is required", autherr.ErrValidation)
	}
	ttl := m.defaultTTL
	if ttlMinutes > 0 {
		ttl = time.Duration(ttlMinutes) * time.Minute
	}

	now := m.now().UTC()
	for attempt := 0; attempt < stateSaveAttempts; attempt++ {
		token, err := newStateToken(now)
		if err != nil {
			return "", fmt.Errorf("failed to generate state: %w", err)
		}
		st := &model.OAuthState{
			State:       token,
			Provider:    provider,
			RedirectURI: redirectURI,
			CreatedAt:   now,
			ExpiresAt:   now.Add(ttl),
		}
		err = m.store.Save(ctx, st)
		if errors.Is(err, model.ErrStateExists) {
			continue
		}
		if err != nil {
			return "", fmt.Errorf("failed to save state: %w", err)
		}

		m.logger.Debug("oauth state issued",
			util.String("provider", provider),
			util.Time("expires_at", st.ExpiresAt))
		m.record(ctx, audit.EventOAuthStateIssued, provider, nil)
		return token, nil
	}
	return "", fmt.Errorf("failed to save state: %w", model.ErrStateExists)
}

// ValidateAndConsume returns the redirect URI bound to state and deletes the
// state. A provider mismatch leaves the state in place.
func (m *OAuthStateManager) ValidateAndConsume(ctx context.Context, state, provider string) (string, error) {
	provider = normalizeProvider(provider)
	redirectURI, err := m.consume(ctx, state, provider)
	if err != nil {
		m.record(ctx, audit.EventOAuthStateRejected, provider, err)
		return "", err
	}
	m.record(ctx, audit.EventOAuthStateConsumed, provider, nil)
	return redirectURI, nil
}

func (m *OAuthStateManager) consume(ctx context.Context, state, provider string) (string, error) {
	if state == "" {
		return "", autherr.ErrNotFound
	}
	st, err := m.store.Get(ctx, state)
	if err != nil {
		return "", fmt.Errorf("failed to load state: %w", err)
	}
	if st == nil {
		return "", autherr.ErrNotFound
	}
	if st.Provider != provider {
		m.logger.Warn("oauth state provider mismatch",
			util.String("expected", st.Provider),
			util.String("provider", provider))
		return "", autherr.ErrProviderMismatch
	}
	if st.IsExpired(m.now().UTC()) {
		if _, err := m.store.Delete(ctx, state); err != nil {
			m.logger.Warn("failed to delete expired state", util.ErrorField(err))
		}
		return "", autherr.ErrExpired
	}

	deleted, err := m.store.Delete(ctx, state)
	if err != nil {
		return "", fmt.Errorf("failed to consume state: %w", err)
	}
	if !deleted {
		return "", autherr.ErrNotFound
	}
	return st.RedirectURI, nil
}

// CleanupExpired deletes every state past its expiry and returns the count.
func (m *OAuthStateManager) CleanupExpired(ctx context.Context) (int, error) {
	n, err := m.store.DeleteExpired(ctx, m.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired states: %w", err)
	}
	return n, nil
}

func (m *OAuthStateManager) record(ctx context.Context, eventType, provider string, err error) {
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = autherr.KindOf(err)
	}
	m.recorder.Record(ctx, audit.Event{
		Type:     eventType,
		Provider: provider,
		Outcome:  outcome,
		Time:     m.now().UTC(),
	})
}

// newStateToken is "<base36 unix seconds>.<base64url random>". The prefix
// only helps when reading logs.
func newStateToken(now time.Time) (string, error) {
	buf := make([]byte, stateEntropyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return strconv.FormatInt(now.Unix(), 36) + "." + base64.RawURLEncoding.EncodeToString(buf), nil
}

func normalizeProvider(p string) string {
	return strings.ToLower(strings.TrimSpace(p))
}
