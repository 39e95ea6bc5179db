// Package audit ships security events to analytics sinks. Recording is
// best-effort: it never blocks or fails the operation being audited.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/bucketing"
	"identity-service/internal/encryption"
	"identity-service/internal/util"
)

const (
	EventOTPRequested       = "otp.requested"
	EventOTPVerified        = "otp.verified"
	EventOTPVerifyFailed    = "otp.verify_failed"
	EventOAuthStateIssued   = "oauth.state_issued"
	EventOAuthStateConsumed = "oauth.state_consumed"
	EventOAuthStateRejected = "oauth.state_rejected"
	EventCleanupSwept       = "cleanup.swept"

	OutcomeOK = "OK"
)

// Event is what callers report. Target is the canonical plaintext value; it
// only leaves the process encrypted or masked.
type Event struct {
	Type     string
	Channel  string
	Provider string
	Target   string
	Outcome  string
	Detail   string
	Time     time.Time
}

// Row is the persisted form of an Event.
type Row struct {
	ID              string    `json:"id"`
	EventBucket     int       `json:"event_bucket"`
	EventDate       string    `json:"event_date"`
	EventTime       time.Time `json:"event_time"`
	EventType       string    `json:"event_type"`
	Channel         string    `json:"channel,omitempty"`
	Provider        string    `json:"provider,omitempty"`
	TargetMasked    string    `json:"target_masked,omitempty"`
	TargetEncrypted string    `json:"-"`
	TargetDEK       string    `json:"-"`
	TargetKeyID     string    `json:"-"`
	Outcome         string    `json:"outcome"`
	Detail          string    `json:"detail,omitempty"`
}

type Recorder interface {
	Record(ctx context.Context, e Event)
}

type Sink interface {
	Name() string
	Write(ctx context.Context, rows []Row) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}

type PipelineConfig struct {
	QueueSize     int
	BatchSize     int
	FlushInterval time.Duration
}

// Pipeline queues events in memory and flushes batches to every sink in
// parallel. Events are dropped when the queue is full.
type Pipeline struct {
	buckets *bucketing.BucketingManager
	crypto  *encryption.EncryptionManager
	sinks   []Sink
	queue   chan Event
	cfg     PipelineConfig
	logger  *zap.Logger
}

func NewPipeline(buckets *bucketing.BucketingManager, crypto *encryption.EncryptionManager, sinks []Sink, cfg PipelineConfig, logger *zap.Logger) *Pipeline {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 4096
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 200
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 2 * time.Second
	}
	return &Pipeline{
		buckets: buckets,
		crypto:  crypto,
		sinks:   sinks,
		queue:   make(chan Event, cfg.QueueSize),
		cfg:     cfg,
		logger:  logger.With(zap.String("component", "audit")),
	}
}

func (p *Pipeline) Record(_ context.Context, e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	select {
	case p.queue <- e:
	default:
		p.logger.Warn("audit queue full, dropping event", zap.String("event_type", e.Type))
	}
}

// Run flushes until ctx is cancelled, then drains what is already queued.
func (p *Pipeline) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	pending := make([]Event, 0, p.cfg.BatchSize)
	for {
		select {
		case e := <-p.queue:
			pending = append(pending, e)
			if len(pending) >= p.cfg.BatchSize {
				p.flush(ctx, pending)
				pending = pending[:0]
			}
		case <-ticker.C:
			if len(pending) > 0 {
				p.flush(ctx, pending)
				pending = pending[:0]
			}
		case <-ctx.Done():
			for drained := false; !drained; {
				select {
				case e := <-p.queue:
					pending = append(pending, e)
				default:
					drained = true
				}
			}
			if len(pending) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				p.flush(flushCtx, pending)
				cancel()
			}
			return nil
		}
	}
}

func (p *Pipeline) flush(ctx context.Context, events []Event) {
	rows := make([]Row, 0, len(events))
	for _, e := range events {
		rows = append(rows, p.toRow(ctx, e))
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, sink := range p.sinks {
		sink := sink
		g.Go(func() error {
			if err := sink.Write(gctx, rows); err != nil {
				p.logger.Error("audit sink write failed",
					zap.String("sink", sink.Name()),
					zap.Int("rows", len(rows)),
					zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (p *Pipeline) toRow(ctx context.Context, e Event) Row {
	row := Row{
		ID:          uuid.NewString(),
		EventBucket: p.buckets.GetEventBucket(e.Type + ":" + e.Target),
		EventDate:   p.buckets.GetDateBucket(e.Time),
		EventTime:   e.Time.UTC(),
		EventType:   e.Type,
		Channel:     e.Channel,
		Provider:    e.Provider,
		Outcome:     e.Outcome,
		Detail:      e.Detail,
	}
	if e.Target == "" {
		return row
	}

	row.TargetMasked = util.MaskTarget(e.Target)
	if p.crypto != nil {
		enc, err := p.crypto.EncryptField(ctx, e.Target)
		if err != nil {
			p.logger.Warn("audit target encryption failed", zap.Error(err))
			return row
		}
		row.TargetEncrypted = enc.EncryptedValue
		row.TargetDEK = enc.EncryptedDEK
		row.TargetKeyID = enc.KeyID
	}
	return row
}
