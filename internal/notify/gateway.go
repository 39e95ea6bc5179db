// Package notify delivers one-time codes to users. The core only sees the
// Gateway interface; adapters decide how a message actually leaves the
// process.
package notify

import (
	"context"
	"fmt"

	"identity-service/internal/autherr"
)

// Gateway sends a message to a phone number or an email address.
type Gateway interface {
	SendSMS(ctx context.Context, to, body string) (messageID string, err error)
	SendEmail(ctx context.Context, to, subject, body string) error
}

type SMSSender interface {
	SendSMS(ctx context.Context, to, body string) (string, error)
}

type EmailSender interface {
	SendEmail(ctx context.Context, to, subject, body string) error
}

// Direct pairs an SMS adapter with an email adapter.
type Direct struct {
	sms   SMSSender
	email EmailSender
}

func NewDirect(sms SMSSender, email EmailSender) *Direct {
	return &Direct{sms: sms, email: email}
}

var _ Gateway = (*Direct)(nil)

func (d *Direct) SendSMS(ctx context.Context, to, body string) (string, error) {
	if d.sms == nil {
		return "", fmt.Errorf("no sms transport configured: %w", autherr.ErrSendFailed)
	}
	return d.sms.SendSMS(ctx, to, body)
}

func (d *Direct) SendEmail(ctx context.Context, to, subject, body string) error {
	if d.email == nil {
		return fmt.Errorf("no email transport configured: %w", autherr.ErrSendFailed)
	}
	return d.email.SendEmail(ctx, to, subject, body)
}

func sendFailed(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, autherr.ErrSendFailed, err)
}
