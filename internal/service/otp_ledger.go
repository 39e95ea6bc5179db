package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/autherr"
	"identity-service/internal/model"
	"identity-service/internal/notify"
	"identity-service/internal/phone"
	"identity-service/internal/util"
)

type CodeHasher interface {
	HashOTP(code string) (string, error)
	VerifyOTP(code, encoded string) (bool, error)
}

type OTPLedgerConfig struct {
	TTL         time.Duration
	MaxAttempts int
	CodeLength  int
	SendLimit   int
	SendWindow  time.Duration
	Retention   time.Duration
}

// IssuedCode describes a code that was stored and handed to the gateway.
type IssuedCode struct {
	Channel   model.Channel
	Target    string
	ExpiresAt time.Time
}

// Verification is returned once per successfully verified code.
type Verification struct {
	Channel    model.Channel
	Target     string
	VerifiedAt time.Time
}

// OTPLedger issues and verifies one-time codes. There is at most one live
// record per (channel, target); every single-use transition is delegated to
// a conditional store operation.
type OTPLedger struct {
	store    model.OTPStore
	limiter  model.SendLimiter
	hasher   CodeHasher
	phones   *phone.Normalizer
	gateway  notify.Gateway
	recorder audit.Recorder
	cfg      OTPLedgerConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewOTPLedger(
	store model.OTPStore,
	limiter model.SendLimiter,
	hasher CodeHasher,
	phones *phone.Normalizer,
	gateway notify.Gateway,
	recorder audit.Recorder,
	cfg OTPLedgerConfig,
	logger *zap.Logger,
) *OTPLedger {
	if cfg.TTL <= 0 {
		cfg.TTL = 10 * time.Minute
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 6
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	if phones == nil {
		phones = phone.Default()
	}
	return &OTPLedger{
		store:    store,
		limiter:  limiter,
		hasher:   hasher,
		phones:   phones,
		gateway:  gateway,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With(zap.String("component", "otp_ledger")),
		now:      time.Now,
	}
}

// WithClock replaces the ledger's time source.
func (l *OTPLedger) WithClock(now func() time.Time) *OTPLedger {
	l.now = now
	return l
}

// Canonicalize returns the lookup form of target for channel, or
// ErrValidation when target is not a usable address for it.
func (l *OTPLedger) Canonicalize(channel model.Channel, target string) (string, error) {
	switch channel {
	case model.ChannelPhone:
		if !l.phones.IsValidMobile(target) {
			return "", fmt.Errorf("%w: invalid mobile number", autherr.ErrValidation)
		}
		return l.phones.Normalize(target), nil
	case model.ChannelEmail:
		email := strings.ToLower(strings.TrimSpace(target))
		addr, err := mail.ParseAddress(email)
		if err != nil || addr.Address != email {
			return "", fmt.Errorf("%w: invalid email address", autherr.ErrValidation)
		}
		return email, nil
	}
	return "", fmt.Errorf("%w: unknown channel %q", autherr.ErrValidation, channel)
}

// RequestCode replaces any outstanding code for (channel, target) with a new
// one and dispatches it. If dispatch fails the new record is removed again.
func (l *OTPLedger) RequestCode(ctx context.Context, channel model.Channel, target string) (*IssuedCode, error) {
	canonical, err := l.Canonicalize(channel, target)
	if err != nil {
		return nil, err
	}

	if l.limiter != nil && l.cfg.SendLimit > 0 {
		allowed, err := l.limiter.Allow(ctx, "otp_send:"+string(channel)+":"+canonical, l.cfg.SendLimit, l.cfg.SendWindow)
		if err != nil {
			return nil, fmt.Errorf("failed to check send rate: %w", err)
		}
		if !allowed {
			l.record(ctx, audit.EventOTPRequested, channel, canonical, autherr.ErrRateLimited)
			return nil, autherr.ErrRateLimited
		}
	}

	code, err := generateCode(l.cfg.CodeLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate code: %w", err)
	}
	codeHash, err := l.hasher.HashOTP(code)
	if err != nil {
		return nil, fmt.Errorf("failed to hash code: %w", err)
	}

	now := l.now().UTC()
	rec := &model.OTPRecord{
		ID:        uuid.NewString(),
		Channel:   channel,
		Target:    canonical,
		CodeHash:  codeHash,
		CreatedAt: now,
		ExpiresAt: now.Add(l.cfg.TTL),
	}
	prev, err := l.store.Get(ctx, channel, canonical)
	if err != nil {
		return nil, fmt.Errorf("failed to load otp: %w", err)
	}
	if prev != nil && !prev.IsExpired(now) {
		rec.Superseded = append([]string{prev.CodeHash}, prev.Superseded...)
		if len(rec.Superseded) > model.MaxSuperseded {
			rec.Superseded = rec.Superseded[:model.MaxSuperseded]
		}
	}
	if err := l.store.Replace(ctx, rec, l.cfg.Retention); err != nil {
		return nil, fmt.Errorf("failed to store otp: %w", err)
	}

	if err := l.dispatch(ctx, channel, canonical, code); err != nil {
		if _, rbErr := l.store.DeleteIfCurrent(ctx, channel, canonical, rec.ID); rbErr != nil {
			l.logger.Error("failed to roll back otp after send failure",
				util.Target("target", canonical), util.ErrorField(rbErr))
		}
		l.logger.Warn("otp dispatch failed",
			util.String("channel", string(channel)),
			util.Target("target", canonical),
			util.ErrorField(err))
		if !errors.Is(err, autherr.ErrSendFailed) {
			err = fmt.Errorf("%w: %v", autherr.ErrSendFailed, err)
		}
		l.record(ctx, audit.EventOTPRequested, channel, canonical, err)
		return nil, err
	}

	l.logger.Info("otp issued",
		util.String("channel", string(channel)),
		util.Target("target", canonical),
		util.Time("expires_at", rec.ExpiresAt))
	l.record(ctx, audit.EventOTPRequested, channel, canonical, nil)

	return &IssuedCode{Channel: channel, Target: canonical, ExpiresAt: rec.ExpiresAt}, nil
}

// VerifyCode checks submitted against the live code for (channel, target).
// Exactly one caller can succeed per issued code.
func (l *OTPLedger) VerifyCode(ctx context.Context, channel model.Channel, target, submitted string) (*Verification, error) {
	canonical, err := l.Canonicalize(channel, target)
	if err != nil {
		return nil, err
	}
	v, err := l.verify(ctx, channel, canonical, strings.TrimSpace(submitted))
	if err != nil {
		l.record(ctx, audit.EventOTPVerifyFailed, channel, canonical, err)
		return nil, err
	}
	l.record(ctx, audit.EventOTPVerified, channel, canonical, nil)
	return v, nil
}

func (l *OTPLedger) verify(ctx context.Context, channel model.Channel, target, submitted string) (*Verification, error) {
	rec, err := l.store.Get(ctx, channel, target)
	if err != nil {
		return nil, fmt.Errorf("failed to load otp: %w", err)
	}
	if rec == nil {
		return nil, autherr.ErrNotFound
	}

	now := l.now().UTC()
	if rec.IsExpired(now) {
		if _, err := l.store.DeleteIfCurrent(ctx, channel, target, rec.ID); err != nil {
			l.logger.Warn("failed to delete expired otp", util.Target("target", target), util.ErrorField(err))
		}
		return nil, autherr.ErrExpired
	}
	if rec.AttemptCount >= l.cfg.MaxAttempts {
		return nil, autherr.ErrTooManyAttempts
	}

	match := false
	if len(submitted) == l.cfg.CodeLength && isDigits(submitted) {
		match, err = l.hasher.VerifyOTP(submitted, rec.CodeHash)
		if err != nil {
			return nil, fmt.Errorf("failed to verify otp: %w", err)
		}
	}
	if !match {
		if l.matchesSuperseded(submitted, rec) {
			return nil, autherr.ErrNotFound
		}
		count, ok, err := l.store.IncrementAttempts(ctx, channel, target, rec.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to record attempt: %w", err)
		}
		if !ok {
			return nil, autherr.ErrNotFound
		}
		l.logger.Debug("otp mismatch", util.Target("target", target), util.Int("attempts", count))
		return nil, autherr.ErrInvalidCode
	}

	consumed, err := l.store.Consume(ctx, channel, target, rec.ID, l.cfg.MaxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to consume otp: %w", err)
	}
	if !consumed {
		// Lost a race: either another verifier consumed it, a new code
		// replaced it, or concurrent mismatches exhausted the budget.
		cur, err := l.store.Get(ctx, channel, target)
		if err == nil && cur != nil && cur.ID == rec.ID && cur.AttemptCount >= l.cfg.MaxAttempts {
			return nil, autherr.ErrTooManyAttempts
		}
		return nil, autherr.ErrNotFound
	}

	l.logger.Info("otp verified", util.String("channel", string(channel)), util.Target("target", target))
	return &Verification{Channel: channel, Target: target, VerifiedAt: now}, nil
}

// matchesSuperseded reports whether submitted is a code that a newer request
// replaced. Such a code no longer exists and does not count as an attempt.
func (l *OTPLedger) matchesSuperseded(submitted string, rec *model.OTPRecord) bool {
	if len(submitted) != l.cfg.CodeLength || !isDigits(submitted) {
		return false
	}
	for _, h := range rec.Superseded {
		if ok, err := l.hasher.VerifyOTP(submitted, h); err == nil && ok {
			return true
		}
	}
	return false
}

// CleanupExpired removes records whose expiry has passed.
func (l *OTPLedger) CleanupExpired(ctx context.Context) (int, error) {
	return l.store.DeleteExpired(ctx, l.now().UTC())
}

func (l *OTPLedger) dispatch(ctx context.Context, channel model.Channel, target, code string) error {
	minutes := int(l.cfg.TTL.Round(time.Minute) / time.Minute)
	if minutes < 1 {
		minutes = 1
	}
	body := fmt.Sprintf("Your verification code is %s. It expires in %d minutes.", code, minutes)

	switch channel {
	case model.ChannelPhone:
		_, err := l.gateway.SendSMS(ctx, target, body)
		return err
	case model.ChannelEmail:
		return l.gateway.SendEmail(ctx, target, "Your verification code", body)
	}
	return fmt.Errorf("%w: unknown channel %q", autherr.ErrValidation, channel)
}

func (l *OTPLedger) record(ctx context.Context, eventType string, channel model.Channel, target string, err error) {
	outcome := audit.OutcomeOK
	if err != nil {
		outcome = autherr.KindOf(err)
	}
	l.recorder.Record(ctx, audit.Event{
		Type:    eventType,
		Channel: string(channel),
		Target:  target,
		Outcome: outcome,
		Time:    l.now().UTC(),
	})
}

func generateCode(length int) (string, error) {
	upper := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(length)), nil)
	n, err := rand.Int(rand.Reader, upper)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", length, n), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
