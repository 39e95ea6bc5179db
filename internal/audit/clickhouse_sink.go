package audit

import (
	"context"
	"fmt"
)

const createSecurityEvents = `CREATE TABLE IF NOT EXISTS security_events (
	id               UUID,
	event_bucket     UInt16,
	event_date       Date,
	event_time       DateTime64(3, 'UTC'),
	event_type       LowCardinality(String),
	channel          LowCardinality(String),
	provider         LowCardinality(String),
	target_masked    String,
	target_encrypted String,
	target_dek       String,
	target_key_id    String,
	outcome          LowCardinality(String),
	detail           String
) ENGINE = MergeTree
PARTITION BY toYYYYMM(event_date)
ORDER BY (event_type, event_bucket, event_time)`

const insertSecurityEvents = `INSERT INTO security_events (
	id, event_bucket, event_date, event_time, event_type, channel, provider,
	target_masked, target_encrypted, target_dek, target_key_id, outcome, detail)`

type batchInserter interface {
	Exec(ctx context.Context, query string, args ...interface{}) error
	BatchInsert(ctx context.Context, query string, rows [][]interface{}) error
}

type ClickHouseSink struct {
	db batchInserter
}

func NewClickHouseSink(db batchInserter) *ClickHouseSink {
	return &ClickHouseSink{db: db}
}

func (s *ClickHouseSink) Name() string { return "clickhouse" }

func (s *ClickHouseSink) EnsureTable(ctx context.Context) error {
	if err := s.db.Exec(ctx, createSecurityEvents); err != nil {
		return fmt.Errorf("failed to create security_events: %w", err)
	}
	return nil
}

func (s *ClickHouseSink) Write(ctx context.Context, rows []Row) error {
	data := make([][]interface{}, 0, len(rows))
	for _, r := range rows {
		data = append(data, []interface{}{
			r.ID, uint16(r.EventBucket), r.EventTime, r.EventTime, r.EventType, r.Channel, r.Provider,
			r.TargetMasked, r.TargetEncrypted, r.TargetDEK, r.TargetKeyID, r.Outcome, r.Detail,
		})
	}
	return s.db.BatchInsert(ctx, insertSecurityEvents, data)
}
