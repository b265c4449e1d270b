package jobs

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/retailcore/fulfillment/internal/platform/config"
)

// DailySchedulerDeps bundles the collaborators required to construct a daily scheduler.
type DailySchedulerDeps struct {
	RunAt    config.RunAtTime
	Location *time.Location
	Job      func(ctx context.Context) error
	Logger   *zap.Logger
	Clock    func() time.Time
}

// DailyScheduler fires a job once per day at a fixed wall-clock time. Missed
// runs are not replayed; the next tick is always the next wall-clock match.
type DailyScheduler struct {
	runAt  config.RunAtTime
	loc    *time.Location
	job    func(ctx context.Context) error
	logger *zap.Logger
	clock  func() time.Time
}

// NewDailyScheduler wires dependencies into a DailyScheduler.
func NewDailyScheduler(deps DailySchedulerDeps) (*DailyScheduler, error) {
	if deps.Job == nil {
		return nil, errors.New("daily scheduler: job is required")
	}

	loc := deps.Location
	if loc == nil {
		loc = time.Local
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}

	return &DailyScheduler{
		runAt:  deps.RunAt,
		loc:    loc,
		job:    deps.Job,
		logger: logger,
		clock:  clock,
	}, nil
}

// Run blocks until the context is cancelled, executing the job at each daily
// tick. Job failures are logged and never stop the schedule.
func (s *DailyScheduler) Run(ctx context.Context) error {
	for {
		now := s.clock().In(s.loc)
		next := s.nextRun(now)
		s.logger.Info("daily job scheduled", zap.Time("next_run", next))

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		start := s.clock()
		if err := s.job(ctx); err != nil {
			if errors.Is(err, context.Canceled) && ctx.Err() != nil {
				return ctx.Err()
			}
			s.logger.Error("daily job failed",
				zap.Error(err),
				zap.Duration("elapsed", s.clock().Sub(start)),
			)
			continue
		}
		s.logger.Info("daily job completed", zap.Duration("elapsed", s.clock().Sub(start)))
	}
}

// nextRun returns the first instant strictly after now matching the
// configured wall-clock time.
func (s *DailyScheduler) nextRun(now time.Time) time.Time {
	candidate := time.Date(now.Year(), now.Month(), now.Day(), s.runAt.Hour, s.runAt.Minute, 0, 0, s.loc)
	if !candidate.After(now) {
		candidate = candidate.AddDate(0, 0, 1)
	}
	return candidate
}
