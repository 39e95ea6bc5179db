package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"identity-service/internal/util"
)

const (
	JobSMS   = "sms"
	JobEmail = "email"
)

// Job is the wire form of one queued delivery.
type Job struct {
	ID          string    `json:"id"`
	Kind        string    `json:"kind"`
	To          string    `json:"to"`
	Subject     string    `json:"subject,omitempty"`
	Body        string    `json:"body"`
	RequestedAt time.Time `json:"requested_at"`
}

type Publisher interface {
	ProduceMessage(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// KafkaGateway enqueues deliveries instead of performing them. A write
// acknowledged by the brokers counts as sent.
type KafkaGateway struct {
	publisher Publisher
	topic     string
	now       func() time.Time
}

func NewKafkaGateway(publisher Publisher, topic string) *KafkaGateway {
	return &KafkaGateway{publisher: publisher, topic: topic, now: time.Now}
}

var _ Gateway = (*KafkaGateway)(nil)

func (g *KafkaGateway) SendSMS(ctx context.Context, to, body string) (string, error) {
	job := Job{ID: uuid.NewString(), Kind: JobSMS, To: to, Body: body, RequestedAt: g.now().UTC()}
	if err := g.publish(ctx, job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (g *KafkaGateway) SendEmail(ctx context.Context, to, subject, body string) error {
	job := Job{ID: uuid.NewString(), Kind: JobEmail, To: to, Subject: subject, Body: body, RequestedAt: g.now().UTC()}
	return g.publish(ctx, job)
}

func (g *KafkaGateway) publish(ctx context.Context, job Job) error {
	value, err := json.Marshal(job)
	if err != nil {
		return sendFailed("encode notification job", err)
	}
	headers := map[string]string{"kind": job.Kind}
	if err := g.publisher.ProduceMessage(ctx, g.topic, []byte(job.To), value, headers); err != nil {
		return sendFailed("publish notification job", err)
	}
	return nil
}

// JobSource is the consuming side of the notification topic.
type JobSource interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	Commit(ctx context.Context, msg kafka.Message) error
}

// Worker drains queued jobs into a direct gateway. Undecodable jobs are
// committed and dropped; delivery failures are logged and committed, since
// the user can always request a new code.
type Worker struct {
	source JobSource
	target Gateway
	logger *zap.Logger
}

func NewWorker(source JobSource, target Gateway, logger *zap.Logger) *Worker {
	return &Worker{source: source, target: target, logger: logger.With(zap.String("component", "notify_worker"))}
}

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		msg, err := w.source.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("fetch failed", zap.Error(err))
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		w.handle(ctx, msg)

		if err := w.source.Commit(ctx, msg); err != nil && !errors.Is(err, context.Canceled) {
			w.logger.Warn("commit failed", zap.Error(err), zap.Int64("offset", msg.Offset))
		}
	}
}

func (w *Worker) handle(ctx context.Context, msg kafka.Message) {
	var job Job
	if err := json.Unmarshal(msg.Value, &job); err != nil {
		w.logger.Error("dropping undecodable job", zap.Error(err), zap.Int64("offset", msg.Offset))
		return
	}

	var err error
	switch job.Kind {
	case JobSMS:
		_, err = w.target.SendSMS(ctx, job.To, job.Body)
	case JobEmail:
		err = w.target.SendEmail(ctx, job.To, job.Subject, job.Body)
	default:
		err = fmt.Errorf("unknown job kind %q", job.Kind)
	}
	if err != nil {
		w.logger.Error("delivery failed",
			zap.String("job_id", job.ID),
			zap.String("kind", job.Kind),
			util.Target("to", job.To),
			zap.Error(err))
		return
	}
	w.logger.Debug("delivered", zap.String("job_id", job.ID), zap.String("kind", job.Kind))
}
