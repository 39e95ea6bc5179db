package autherr

import "errors"

// Error kinds returned by the OTP, OAuth state and session components.
// Callers match with errors.Is; the HTTP layer maps them to status codes.
var (
	ErrNotFound         = errors.New("not found")
	ErrExpired          = errors.New("expired")
	ErrInvalidCode      = errors.New("invalid code")
	ErrTooManyAttempts  = errors.New("too many attempts")
	ErrProviderMismatch = errors.New("provider mismatch")
	ErrSendFailed       = errors.New("send failed")
	ErrUnauthorized     = errors.New("unauthorized")
	ErrValidation       = errors.New("validation error")
	ErrRateLimited      = errors.New("rate limited")
)

const (
	KindNotFound         = "NotFound"
	KindExpired          = "Expired"
	KindInvalidCode      = "InvalidCode"
	KindTooManyAttempts  = "TooManyAttempts"
	KindProviderMismatch = "ProviderMismatch"
	KindSendFailed       = "SendFailed"
	KindUnauthorized     = "Unauthorized"
	KindValidation       = "ValidationError"
	KindRateLimited      = "RateLimited"
	KindInternal         = "Internal"
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrNotFound, KindNotFound},
	{ErrExpired, KindExpired},
	{ErrInvalidCode, KindInvalidCode},
	{ErrTooManyAttempts, KindTooManyAttempts},
	{ErrProviderMismatch, KindProviderMismatch},
	{ErrSendFailed, KindSendFailed},
	{ErrUnauthorized, KindUnauthorized},
	{ErrValidation, KindValidation},
	{ErrRateLimited, KindRateLimited},
}

// KindOf returns the taxonomy name of err, "" for nil and KindInternal for
// anything that is not one of the sentinels above.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return KindInternal
}
