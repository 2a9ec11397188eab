package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultRetention keeps trails for 30 days when no retention is configured.
const DefaultRetention = 30 * 24 * time.Hour

// Pruner deletes trails recorded before a cutoff.
type Pruner interface {
	Prune(ctx context.Context, olderThan time.Time) (int64, error)
}

// RetentionScheduler prunes a durable sink on a cron schedule, e.g.
// "0 3 * * *" for daily at 3 AM. An empty schedule disables pruning.
type RetentionScheduler struct {
	pruner    Pruner
	schedule  string
	retention time.Duration
	cron      *cron.Cron
	logger    *slog.Logger

	mu      sync.Mutex
	running bool
}

func NewRetentionScheduler(pruner Pruner, schedule string, retention time.Duration) *RetentionScheduler {
	if retention <= 0 {
		retention = DefaultRetention
	}

	return &RetentionScheduler{
		pruner:    pruner,
		schedule:  schedule,
		retention: retention,
		cron:      cron.New(),
		logger:    slog.Default().With("component", "audit.retention"),
	}
}

func (s *RetentionScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("prune schedule not configured, retention disabled")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid prune schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.prune(ctx)
	}); err != nil {
		return fmt.Errorf("schedule pruning: %w", err)
	}

	s.cron.Start()
	s.running = true

	s.logger.Info("retention scheduler started",
		"schedule", s.schedule,
		"retention", s.retention.String(),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

func (s *RetentionScheduler) prune(ctx context.Context) {
	cutoff := time.Now().Add(-s.retention)

	deleted, err := s.pruner.Prune(ctx, cutoff)
	if err != nil {
		s.logger.Error("scheduled trail pruning failed", "error", err)
		return
	}

	if deleted > 0 {
		s.logger.Info("pruned decision trails", "deleted", deleted, "cutoff", cutoff)
	}
}

// Stop halts the schedule and waits for a running prune to finish.
func (s *RetentionScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}

	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info("retention scheduler stopped")
}
