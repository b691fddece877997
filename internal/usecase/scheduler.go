package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"DiscoveryScanner/internal/domain"
	"DiscoveryScanner/internal/ports"
)

// Runner is the part of the Aggregator the scheduler drives.
type Runner interface {
	RunNow(ctx context.Context, trigger domain.Trigger) (domain.AggregationRun, error)
}

// Scheduler wires the interval driver with the aggregation use case.
type Scheduler struct {
	driver ports.Scheduler
	runner Runner
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop recurring runs.
func NewScheduler(driver ports.Scheduler, runner Runner, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Scheduler{driver: driver, runner: runner, logger: logger}
}

// Start registers the aggregator with the provided scheduler. Each tick
// enters the same state machine as a manual trigger.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.runner == nil {
		return nil
	}

	job := func(tick time.Time) {
		run, err := s.runner.RunNow(ctx, domain.TriggerSchedule)
		switch {
		case errors.Is(err, domain.ErrRunInProgress):
			s.logger.Info("scheduled tick skipped, run in progress", "tick", tick)
		case err != nil:
			s.logger.Error("scheduled run failed", "tick", tick, "error", err)
		default:
			s.logger.Debug("scheduled run done", "run_id", run.ID, "status", run.Status)
		}
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}
