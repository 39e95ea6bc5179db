package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"identity-service/internal/client"
	"identity-service/internal/model"
	"identity-service/internal/util"
)

const (
	otpPrefix      = "otp:"
	otpExpiryIndex = "otp:expiry"
	sweepBatch     = 500
)

// OTPStore keeps one hash per (channel, target) and a sorted set of record
// keys scored by expiry for sweeping.
type OTPStore struct {
	client *client.RedisClient
}

func NewOTPStore(client *client.RedisClient) *OTPStore {
	return &OTPStore{client: client}
}

var _ model.OTPStore = (*OTPStore)(nil)

func otpKey(channel model.Channel, target string) string {
	return otpPrefix + string(channel) + ":" + target
}

func (s *OTPStore) Replace(ctx context.Context, rec *model.OTPRecord, retention time.Duration) error {
	key := otpKey(rec.Channel, rec.Target)
	keyTTL := rec.ExpiresAt.Sub(rec.CreatedAt) + retention

	pipe := s.client.TxPipeline()
	pipe.Del(ctx, key)
	pipe.HSet(ctx, key,
		"id", rec.ID,
		"channel", string(rec.Channel),
		"target", rec.Target,
		"code_hash", rec.CodeHash,
		"created_at", rec.CreatedAt.UnixMilli(),
		"expires_at", rec.ExpiresAt.UnixMilli(),
		"attempts", rec.AttemptCount,
		"superseded", strings.Join(rec.Superseded, "\n"),
	)
	pipe.PExpire(ctx, key, keyTTL)
	pipe.ZAdd(ctx, otpExpiryIndex, redisZ(rec.ExpiresAt, key))
	if _, err := pipe.Exec(ctx); err != nil {
		util.Error("Failed to store OTP record",
			zap.String("channel", string(rec.Channel)),
			util.Target("target", rec.Target),
			zap.Error(err))
		return fmt.Errorf("failed to store OTP record: %w", err)
	}
	return nil
}

func (s *OTPStore) Get(ctx context.Context, channel model.Channel, target string) (*model.OTPRecord, error) {
	fields, err := s.client.HGetAll(ctx, otpKey(channel, target))
	if err != nil {
		return nil, fmt.Errorf("failed to load OTP record: %w", err)
	}
	if len(fields) == 0 || fields["id"] == "" {
		return nil, nil
	}
	return decodeOTP(fields)
}

func (s *OTPStore) IncrementAttempts(ctx context.Context, channel model.Channel, target, id string) (int, bool, error) {
	res, err := s.client.RunScript(ctx, incrementAttemptsScript, []string{otpKey(channel, target)}, id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	n, err := toInt64(res)
	if err != nil {
		return 0, false, err
	}
	if n < 0 {
		return 0, false, nil
	}
	return int(n), true, nil
}

func (s *OTPStore) Consume(ctx context.Context, channel model.Channel, target, id string, maxAttempts int) (bool, error) {
	res, err := s.client.RunScript(ctx, consumeScript, []string{otpKey(channel, target), otpExpiryIndex}, id, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP record: %w", err)
	}
	n, err := toInt64(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *OTPStore) DeleteIfCurrent(ctx context.Context, channel model.Channel, target, id string) (bool, error) {
	res, err := s.client.RunScript(ctx, deleteIfCurrentScript, []string{otpKey(channel, target), otpExpiryIndex}, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete OTP record: %w", err)
	}
	n, err := toInt64(res)
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *OTPStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	return sweep(ctx, s.client, otpExpiryIndex, now)
}

func decodeOTP(fields map[string]string) (*model.OTPRecord, error) {
	created, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt OTP record created_at: %w", err)
	}
	expires, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt OTP record expires_at: %w", err)
	}
	attempts, err := strconv.Atoi(fields["attempts"])
	if err != nil {
		return nil, fmt.Errorf("corrupt OTP record attempts: %w", err)
	}
	return &model.OTPRecord{
		ID:           fields["id"],
		Channel:      model.Channel(fields["channel"]),
		Target:       fields["target"],
		CodeHash:     fields["code_hash"],
		CreatedAt:    time.UnixMilli(created),
		ExpiresAt:    time.UnixMilli(expires),
		AttemptCount: attempts,
		Superseded:   splitNonEmpty(fields["superseded"]),
	}, nil
}

// sweep drains index members scored before now in batches.
func sweep(ctx context.Context, c *client.RedisClient, index string, now time.Time) (int, error) {
	total := 0
	for {
		res, err := c.RunScript(ctx, sweepScript, []string{index}, now.UnixMilli(), sweepBatch)
		if err != nil {
			return total, fmt.Errorf("failed to sweep %s: %w", index, err)
		}
		pair, ok := res.([]interface{})
		if !ok || len(pair) != 2 {
			return total, fmt.Errorf("unexpected sweep result %T", res)
		}
		removed, err := toInt64(pair[0])
		if err != nil {
			return total, err
		}
		scanned, err := toInt64(pair[1])
		if err != nil {
			return total, err
		}
		total += int(removed)
		if scanned < sweepBatch {
			return total, nil
		}
		if err := ctx.Err(); err != nil {
			return total, err
		}
	}
}

func toInt64(v interface{}) (int64, error) {
	n, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected script result %T", v)
	}
	return n, nil
}

func splitNonEmpty(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
