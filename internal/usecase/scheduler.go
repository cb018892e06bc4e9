package usecase

import (
	"context"
	"log/slog"
	"time"

	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/ports"
)

// Triggerer wakes the polling loops outside their regular interval.
type Triggerer interface {
	Trigger()
}

// Scheduler wires the cron-like driver to the worker pool trigger.
type Scheduler struct {
	driver ports.Scheduler
	target Triggerer
	logger *slog.Logger
}

// NewScheduler returns a helper to start/stop the push trigger.
func NewScheduler(driver ports.Scheduler, target Triggerer, logger *slog.Logger) *Scheduler {
	return &Scheduler{driver: driver, target: target, logger: logging.OrDiscard(logger)}
}

// Start registers the trigger with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.target == nil {
		return nil
	}

	job := func(at time.Time) {
		s.logger.Info("scheduled scan", "at", at)
		s.target.Trigger()
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
