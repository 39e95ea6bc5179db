// Package cleanup runs periodic expiry sweeps in the background.
package cleanup

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"identity-service/internal/audit"
)

// Sweep deletes expired records and returns how many it removed.
type Sweep func(ctx context.Context) (int, error)

// Scheduler runs every registered sweep once per interval. A failed sweep
// is logged and retried on the next tick.
type Scheduler struct {
	interval time.Duration
	sweeps   map[string]Sweep
	recorder audit.Recorder
	logger   *zap.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewScheduler(interval time.Duration, sweeps map[string]Sweep, recorder audit.Recorder, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if recorder == nil {
		recorder = audit.Nop{}
	}
	return &Scheduler{
		interval: interval,
		sweeps:   sweeps,
		recorder: recorder,
		logger:   logger.With(zap.String("component", "cleanup")),
	}
}

// Start launches the ticker loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.logger.Info("cleanup scheduler started", zap.Duration("interval", s.interval))
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("cleanup scheduler stopped")
				return
			case <-ticker.C:
				s.RunOnce(ctx)
			}
		}
	}(s.done)
}

// Stop cancels the loop and waits for an in-flight tick to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// RunOnce runs all sweeps concurrently and returns the removed count per
// sweep. Sweeps that failed are absent from the result.
func (s *Scheduler) RunOnce(ctx context.Context) map[string]int {
	ctx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()

	var mu sync.Mutex
	removed := make(map[string]int, len(s.sweeps))

	g, gctx := errgroup.WithContext(ctx)
	for name, sweep := range s.sweeps {
		name, sweep := name, sweep
		g.Go(func() error {
			start := time.Now()
			n, err := sweep(gctx)
			if err != nil {
				s.logger.Error("cleanup sweep failed", zap.String("sweep", name), zap.Error(err))
				return nil
			}
			mu.Lock()
			removed[name] = n
			mu.Unlock()
			if n > 0 {
				s.logger.Info("cleanup sweep removed expired records",
					zap.String("sweep", name),
					zap.Int("removed", n),
					zap.Duration("took", time.Since(start)))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.recorder.Record(ctx, audit.Event{
		Type:    audit.EventCleanupSwept,
		Outcome: outcome(len(removed), len(s.sweeps)),
		Detail:  summarize(removed),
		Time:    time.Now().UTC(),
	})
	return removed
}

func outcome(ok, total int) string {
	if ok == total {
		return audit.OutcomeOK
	}
	return "Partial"
}

func summarize(removed map[string]int) string {
	names := make([]string, 0, len(removed))
	for name := range removed {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, removed[name]))
	}
	return strings.Join(parts, " ")
}
