package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// PeriodRoller is the part of Service the scheduler drives.
type PeriodRoller interface {
	BulkRollover(ctx context.Context) (BulkResetResult, error)
}

var _ PeriodRoller = (*Service)(nil)

// Scheduler runs period rollovers on a cron schedule. Lazy rollover on check
// and consume stays authoritative; the scheduled run only moves idle users
// and never touches a user who already consumed in the new period.
type Scheduler struct {
	roller   PeriodRoller
	schedule string
	cron     *cron.Cron
	mu       sync.Mutex
	logger   *slog.Logger
	running  bool
}

// NewScheduler creates a scheduler for the standard five-field cron schedule.
func NewScheduler(roller PeriodRoller, schedule string) *Scheduler {
	return &Scheduler{
		roller:   roller,
		schedule: schedule,
		cron:     cron.New(cron.WithLocation(time.UTC)),
		logger:   slog.Default().With("component", "quota_scheduler"),
	}
}

// Start registers the job and starts the cron loop. An empty schedule leaves
// the scheduler idle. The scheduler stops when ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.schedule == "" {
		s.logger.Info("rollover schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid cron schedule %q: %w", s.schedule, err)
	}

	if _, err := s.cron.AddFunc(s.schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("scheduling rollover: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.logger.Info("quota scheduler started", "schedule", s.schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	s.logger.Info("starting scheduled rollover")
	res, err := s.roller.BulkRollover(ctx)
	if err != nil {
		s.logger.Error("scheduled rollover failed", "error", err,
			"reset_count", res.ResetCount, "failed_count", res.FailedCount)
		return
	}
	s.logger.Info("scheduled rollover completed", "reset_count", res.ResetCount,
		"skipped_count", res.SkippedCount, "failed_count", res.FailedCount)
}

// Stop halts the cron loop and waits for a running rollover to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		<-s.cron.Stop().Done()
		s.running = false
		s.logger.Info("quota scheduler stopped")
	}
}

// IsRunning reports whether the cron loop is active.
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled rollover, or nil when idle.
func (s *Scheduler) NextRun() *time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.cron.Entries()
	if !s.running || len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
