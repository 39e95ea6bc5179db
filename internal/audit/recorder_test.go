package audit

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"identity-service/internal/bucketing"
	"identity-service/internal/config"
	"identity-service/internal/encryption"
)

type memorySink struct {
	name string
	mu   sync.Mutex
	rows []Row
	err  error
}

func (s *memorySink) Name() string { return s.name }

func (s *memorySink) Write(_ context.Context, rows []Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, rows...)
	return s.err
}

func (s *memorySink) snapshot() []Row {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Row(nil), s.rows...)
}

const testKey = "MDEyMzQ1Njc4OTAxMjM0NTY3ODkwMTIzNDU2Nzg5MDE=" // 32 bytes

func newTestPipeline(t *testing.T, sinks ...Sink) (*Pipeline, *encryption.EncryptionManager) {
	t.Helper()
	em, err := encryption.NewEncryptionManager(config.KMSConfig{LocalKey: testKey}, nil)
	require.NoError(t, err)
	p := NewPipeline(bucketing.NewBucketingManager(16), em, sinks, PipelineConfig{
		QueueSize:     8,
		BatchSize:     2,
		FlushInterval: 10 * time.Millisecond,
	}, zap.NewNop())
	return p, em
}

func TestPipelineFlushesToAllSinks(t *testing.T) {
	ch := &memorySink{name: "ch"}
	es := &memorySink{name: "es", err: errors.New("index unavailable")}
	p, em := newTestPipeline(t, ch, es)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = p.Run(ctx)
		close(done)
	}()

	at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	p.Record(ctx, Event{Type: EventOTPRequested, Channel: "EMAIL", Target: "alice@example.com", Outcome: OutcomeOK, Time: at})
	p.Record(ctx, Event{Type: EventOAuthStateIssued, Provider: "google", Outcome: OutcomeOK, Time: at})

	require.Eventually(t, func() bool { return len(ch.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done

	require.Len(t, es.snapshot(), 2)

	rows := ch.snapshot()
	otp := rows[0]
	if otp.EventType != EventOTPRequested {
		otp = rows[1]
	}
	require.Equal(t, "2026-03-01", otp.EventDate)
	require.Equal(t, "a****@example.com", otp.TargetMasked)
	require.NotContains(t, otp.TargetEncrypted, "alice")
	require.Less(t, otp.EventBucket, 16)

	plain, err := em.DecryptField(context.Background(), &encryption.EncryptedData{
		EncryptedValue: otp.TargetEncrypted,
		EncryptedDEK:   otp.TargetDEK,
	})
	require.NoError(t, err)
	require.Equal(t, "alice@example.com", plain)
}

func TestPipelineDrainsOnShutdown(t *testing.T) {
	sink := &memorySink{name: "mem"}
	p, _ := newTestPipeline(t, sink)
	p.cfg.FlushInterval = time.Hour
	p.cfg.BatchSize = 100

	ctx, cancel := context.WithCancel(context.Background())
	p.Record(ctx, Event{Type: EventCleanupSwept, Detail: "otp=3 oauth=1"})
	cancel()

	require.NoError(t, p.Run(ctx))
	rows := sink.snapshot()
	require.Len(t, rows, 1)
	require.Empty(t, rows[0].TargetMasked)
	require.False(t, rows[0].EventTime.IsZero())
}

func TestPipelineDropsWhenQueueFull(t *testing.T) {
	p, _ := newTestPipeline(t)
	for i := 0; i < 20; i++ {
		p.Record(context.Background(), Event{Type: EventOTPVerifyFailed})
	}
	require.Len(t, p.queue, 8)
}

type fakeClickHouse struct {
	execs []string
	query string
	rows  [][]interface{}
}

func (f *fakeClickHouse) Exec(_ context.Context, query string, _ ...interface{}) error {
	f.execs = append(f.execs, query)
	return nil
}

func (f *fakeClickHouse) BatchInsert(_ context.Context, query string, rows [][]interface{}) error {
	f.query = query
	f.rows = rows
	return nil
}

func TestClickHouseSink(t *testing.T) {
	db := &fakeClickHouse{}
	sink := NewClickHouseSink(db)
	require.NoError(t, sink.EnsureTable(context.Background()))
	require.Len(t, db.execs, 1)
	require.True(t, strings.Contains(db.execs[0], "security_events"))

	now := time.Now().UTC()
	require.NoError(t, sink.Write(context.Background(), []Row{{ID: "x", EventBucket: 3, EventTime: now, EventType: EventOTPVerified}}))
	require.Len(t, db.rows, 1)
	require.Len(t, db.rows[0], 13)
	require.Equal(t, uint16(3), db.rows[0][1])
	require.Equal(t, EventOTPVerified, db.rows[0][4])
}

type fakeIndexer struct {
	ids []string
	err error
}

func (f *fakeIndexer) IndexDocument(_ context.Context, _ string, id string, _ interface{}) error {
	f.ids = append(f.ids, id)
	return f.err
}

func TestElasticsearchSinkJoinsErrors(t *testing.T) {
	idx := &fakeIndexer{err: errors.New("boom")}
	sink := NewElasticsearchSink(idx, "security-events")
	err := sink.Write(context.Background(), []Row{{ID: "a"}, {ID: "b"}})
	require.Error(t, err)
	require.Equal(t, []string{"a", "b"}, idx.ids)
}
