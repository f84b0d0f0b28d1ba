package hitl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Maintainer is the part of the coordinator the scheduler drives
type Maintainer interface {
	ExpireStale(ctx context.Context) (int64, error)
	ReleaseStaleLocks(ctx context.Context) (int64, error)
}

// Scheduler periodically expires overdue reviews and returns lapsed claims
// to the queue.
type Scheduler struct {
	target   Maintainer
	schedule string
	cron     *cron.Cron
	logger   *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewScheduler creates a scheduler running on a standard cron expression,
// e.g. "*/1 * * * *" or "@every 30s"
func NewScheduler(target Maintainer, schedule string, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		target:   target,
		schedule: schedule,
		cron:     cron.New(),
		logger:   logger,
	}
}

// Start registers the maintenance job. An empty schedule disables it.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("review maintenance schedule not configured, skipping scheduler")
		return nil
	}
	if s.running {
		return fmt.Errorf("review scheduler already running")
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}
	if _, err := s.cron.AddFunc(s.schedule, func() { s.RunOnce(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule review maintenance: %w", err)
	}

	s.cron.Start()
	s.running = true
	s.logger.Info("review scheduler started", zap.String("schedule", s.schedule))

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// RunOnce runs one maintenance cycle
func (s *Scheduler) RunOnce(ctx context.Context) {
	expired, err := s.target.ExpireStale(ctx)
	if err != nil {
		s.logger.Error("scheduled review expiry failed", zap.Error(err))
	}
	released, err := s.target.ReleaseStaleLocks(ctx)
	if err != nil {
		s.logger.Error("scheduled lock release failed", zap.Error(err))
	}
	s.logger.Debug("review maintenance completed",
		zap.Int64("expired", expired),
		zap.Int64("released", released))
}

// Stop stops the scheduler and waits for a running job to finish
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("review scheduler stopped")
	}
}

// IsRunning returns true if the scheduler is running
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled run, or nil when not scheduled
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
