package service

import (
	"go.uber.org/zap"

	"identity-service/internal/audit"
	"identity-service/internal/cleanup"
	"identity-service/internal/config"
	"identity-service/internal/model"
	"identity-service/internal/notify"
	"identity-service/internal/phone"
)

// Stores groups the persistence ports the services are built on.
type Stores struct {
	OTP     model.OTPStore
	States  model.OAuthStateStore
	Limiter model.SendLimiter
}

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	cfg         *config.Config
	stores      Stores
	hasher      CodeHasher
	phones      *phone.Normalizer
	gateway     notify.Gateway
	recorder    audit.Recorder
	logger      *zap.Logger
	otpLedger   *OTPLedger
	oauthStates *OAuthStateManager
}

func NewServiceFactory(
	cfg *config.Config,
	stores Stores,
	hasher CodeHasher,
	phones *phone.Normalizer,
	gateway notify.Gateway,
	recorder audit.Recorder,
	logger *zap.Logger,
) *ServiceFactory {
	return &ServiceFactory{
		cfg:      cfg,
		stores:   stores,
		hasher:   hasher,
		phones:   phones,
		gateway:  gateway,
		recorder: recorder,
		logger:   logger,
	}
}

// OTPLedger returns the ledger instance (singleton)
func (f *ServiceFactory) OTPLedger() *OTPLedger {
	if f.otpLedger == nil {
		f.otpLedger = NewOTPLedger(
			f.stores.OTP,
			f.stores.Limiter,
			f.hasher,
			f.phones,
			f.gateway,
			f.recorder,
			OTPLedgerConfig{
				TTL:         f.cfg.OTP.TTL,
				MaxAttempts: f.cfg.OTP.MaxAttempts,
				CodeLength:  f.cfg.OTP.Length,
				SendLimit:   f.cfg.OTP.SendLimit,
				SendWindow:  f.cfg.OTP.SendWindow,
				Retention:   f.cfg.OTP.Retention,
			},
			f.logger,
		)
	}
	return f.otpLedger
}

// OAuthStates returns the state manager instance (singleton)
func (f *ServiceFactory) OAuthStates() *OAuthStateManager {
	if f.oauthStates == nil {
		f.oauthStates = NewOAuthStateManager(f.stores.States, f.recorder, f.cfg.OAuth.StateTTL, f.logger)
	}
	return f.oauthStates
}

// Sweepers lists the expiry sweeps the cleanup scheduler runs each tick.
func (f *ServiceFactory) Sweepers() map[string]cleanup.Sweep {
	return map[string]cleanup.Sweep{
		"oauth_state": f.OAuthStates().CleanupExpired,
		"otp":         f.OTPLedger().CleanupExpired,
	}
}
