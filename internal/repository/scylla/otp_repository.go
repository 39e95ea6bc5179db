package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"identity-service/internal/model"
	"identity-service/internal/util"
)

const maxCASRetries = 5

// OTPRepository stores one row per (channel, target) partition. Every
// single-use mutation is a lightweight transaction conditioned on the row id.
type OTPRepository struct {
	client *ScyllaClient
}

func NewOTPRepository(client *ScyllaClient) *OTPRepository {
	return &OTPRepository{client: client}
}

var _ model.OTPStore = (*OTPRepository)(nil)

// Replace makes rec the live record for its partition. Every write to the
// partition is a lightweight transaction, so a replace cannot be shadowed
// by an earlier conditional delete.
func (r *OTPRepository) Replace(ctx context.Context, rec *model.OTPRecord, retention time.Duration) error {
	ttl := ttlSeconds(rec.ExpiresAt.Sub(rec.CreatedAt) + retention)
	set := []interface{}{ttl, rec.ID, rec.CodeHash, rec.CreatedAt, rec.ExpiresAt, rec.AttemptCount, rec.Superseded,
		string(rec.Channel), rec.Target}

	for i := 0; i < maxCASRetries; i++ {
		cur, found, err := r.load(ctx, rec.Channel, rec.Target)
		if err != nil {
			return err
		}

		var applied bool
		switch {
		case !found:
			var previous map[string]interface{}
			applied, previous, err = r.client.ExecCASPrevious(ctx, r.client.Statements.InsertOTP,
				string(rec.Channel), rec.Target, rec.ID, rec.CodeHash,
				rec.CreatedAt, rec.ExpiresAt, rec.AttemptCount, rec.Superseded, ttl)
			if err == nil && !applied {
				if id, _ := previous["id"].(string); id == "" {
					applied, err = r.client.ExecCAS(ctx, r.client.Statements.ReplaceOrphanOTP, set...)
				}
			}
		case cur.id == "":
			applied, err = r.client.ExecCAS(ctx, r.client.Statements.ReplaceOrphanOTP, set...)
		default:
			applied, err = r.client.ExecCAS(ctx, r.client.Statements.ReplaceOTP, append(set, cur.id)...)
		}
		if err != nil {
			util.Error("Failed to store OTP record",
				zap.String("channel", string(rec.Channel)),
				util.Target("target", rec.Target),
				zap.Error(err))
			return fmt.Errorf("failed to store OTP record: %w", err)
		}
		if applied {
			return nil
		}
	}
	return fmt.Errorf("failed to store OTP record: too much contention")
}

// otpRow is one otp_records row as read. A row whose TTL expired while a
// cell written without the same TTL survived has an empty id.
type otpRow struct {
	id         string
	codeHash   string
	createdAt  time.Time
	expiresAt  time.Time
	attempts   int
	superseded []string
	ttl        int
}

// record returns nil for a row without an id.
func (row otpRow) record(channel model.Channel, target string) *model.OTPRecord {
	if row.id == "" {
		return nil
	}
	return &model.OTPRecord{
		ID:           row.id,
		Channel:      channel,
		Target:       target,
		CodeHash:     row.codeHash,
		CreatedAt:    row.createdAt,
		ExpiresAt:    row.expiresAt,
		AttemptCount: row.attempts,
		Superseded:   row.superseded,
	}
}

// load is a linearizable read of the partition.
func (r *OTPRepository) load(ctx context.Context, channel model.Channel, target string) (otpRow, bool, error) {
	var row otpRow
	q := r.client.Query(ctx, r.client.Statements.GetOTP, string(channel), target).
		Consistency(gocql.Consistency(gocql.LocalSerial))
	err := r.client.ScanWithRetry(q, &row.id, &row.codeHash, &row.createdAt, &row.expiresAt,
		&row.attempts, &row.superseded, &row.ttl)
	if err == gocql.ErrNotFound {
		return row, false, nil
	}
	if err != nil {
		return row, false, fmt.Errorf("failed to load OTP record: %w", err)
	}
	return row, true, nil
}

func (r *OTPRepository) Get(ctx context.Context, channel model.Channel, target string) (*model.OTPRecord, error) {
	row, found, err := r.load(ctx, channel, target)
	if err != nil || !found {
		return nil, err
	}
	return row.record(channel, target), nil
}

// IncrementAttempts is a compare-and-set loop on attempt_count. The new cell
// carries the row's remaining TTL so it expires with the record.
func (r *OTPRepository) IncrementAttempts(ctx context.Context, channel model.Channel, target, id string) (int, bool, error) {
	for i := 0; i < maxCASRetries; i++ {
		row, found, err := r.load(ctx, channel, target)
		if err != nil {
			return 0, false, err
		}
		if !found || row.id == "" || row.id != id {
			return 0, false, nil
		}

		next := row.attempts + 1
		applied, err := r.client.ExecCAS(ctx, r.client.Statements.UpdateOTPAttempts,
			row.ttl, next, string(channel), target, id, row.attempts)
		if err != nil {
			return 0, false, fmt.Errorf("failed to increment OTP attempts: %w", err)
		}
		if applied {
			return next, true, nil
		}
	}
	return 0, false, fmt.Errorf("failed to increment OTP attempts: too much contention")
}

func (r *OTPRepository) Consume(ctx context.Context, channel model.Channel, target, id string, maxAttempts int) (bool, error) {
	applied, err := r.client.ExecCAS(ctx, r.client.Statements.ConsumeOTP, string(channel), target, id, maxAttempts)
	if err != nil {
		return false, fmt.Errorf("failed to consume OTP record: %w", err)
	}
	return applied, nil
}

func (r *OTPRepository) DeleteIfCurrent(ctx context.Context, channel model.Channel, target, id string) (bool, error) {
	applied, err := r.client.ExecCAS(ctx, r.client.Statements.DeleteOTPIfCurrent, string(channel), target, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete OTP record: %w", err)
	}
	return applied, nil
}

// DeleteExpired scans for expired rows and removes each one only if it has
// not been re-issued since the scan.
func (r *OTPRepository) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	iter := r.client.Query(ctx, r.client.Statements.ScanExpiredOTPs, now).Iter()

	var channel, target, id string
	deleted := 0
	for iter.Scan(&channel, &target, &id) {
		ok, err := r.DeleteIfCurrent(ctx, model.Channel(channel), target, id)
		if err != nil {
			_ = iter.Close()
			return deleted, err
		}
		if ok {
			deleted++
		}
	}
	if err := iter.Close(); err != nil {
		return deleted, fmt.Errorf("failed to scan expired OTP records: %w", err)
	}
	return deleted, nil
}
