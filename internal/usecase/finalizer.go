package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"time"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/ports"
)

const (
	// DefaultFailureCooldown delays the next attempt after a failed run.
	DefaultFailureCooldown = 5 * time.Minute
	// DefaultMaxConsecutiveFailures is how many failed runs in a row are
	// retried after the cool-down before the record falls back to its cadence.
	DefaultMaxConsecutiveFailures = 3

	failuresKey = "consecutive_failures"

	finalizeAttempts   = 3
	finalizeRetryDelay = 100 * time.Millisecond
)

// Finalizer writes the end state of a run. It is the only writer of failed.
type Finalizer struct {
	ledger        ports.Ledger
	subscriptions ports.SubscriptionRepository
	cadences      domain.Cadences
	cooldown      time.Duration
	maxFailures   int
	logger        *slog.Logger
	clock         func() time.Time
	retryDelay    time.Duration
}

// NewFinalizer builds a finalizer; zero cooldown, zero maxFailures and nil
// cadences use defaults.
func NewFinalizer(ledger ports.Ledger, subs ports.SubscriptionRepository, cadences domain.Cadences, cooldown time.Duration, maxFailures int, logger *slog.Logger, clock func() time.Time) *Finalizer {
	if cadences == nil {
		cadences = domain.DefaultCadences()
	}
	if cooldown <= 0 {
		cooldown = DefaultFailureCooldown
	}
	if maxFailures <= 0 {
		maxFailures = DefaultMaxConsecutiveFailures
	}
	if clock == nil {
		clock = time.Now
	}
	return &Finalizer{
		ledger:        ledger,
		subscriptions: subs,
		cadences:      cadences,
		cooldown:      cooldown,
		maxFailures:   maxFailures,
		logger:        logging.OrDiscard(logger),
		clock:         clock,
		retryDelay:    finalizeRetryDelay,
	}
}

// Complete marks the record completed, clears its error and schedules the next
// run one cadence ahead.
func (f *Finalizer) Complete(ctx context.Context, rec domain.ProcessingRecord, sub domain.Subscription, meta map[string]any) error {
	return f.finalize(ctx, rec, domain.StatusCompleted, "", f.cadences.For(sub.Frequency), withFailures(meta, 0), sub.ID)
}

// Fail marks the record failed. Transient failures are retried after the
// cool-down; a permanent cause, or the maxFailures-th failure in a row, waits
// a full cadence instead.
func (f *Finalizer) Fail(ctx context.Context, rec domain.ProcessingRecord, freq domain.Frequency, cause error, permanent bool, meta map[string]any) error {
	failures := consecutiveFailures(rec.Metadata) + 1

	interval := f.cooldown
	if permanent || failures >= f.maxFailures {
		interval = f.cadences.For(freq)
		f.logger.Warn("failure retries exhausted, waiting for next cadence",
			"subscription_id", rec.SubscriptionID,
			"consecutive_failures", failures,
			"permanent", permanent,
			"next_in", interval)
	}
	return f.finalize(ctx, rec, domain.StatusFailed, cause.Error(), interval, withFailures(meta, failures), rec.SubscriptionID)
}

// Skip marks the record skipped and waits a full cadence before it is due
// again. touch controls whether the subscription's last check is recorded.
func (f *Finalizer) Skip(ctx context.Context, rec domain.ProcessingRecord, freq domain.Frequency, reason string, meta map[string]any, touch bool) error {
	subID := ""
	if touch {
		subID = rec.SubscriptionID
	}
	return f.finalize(ctx, rec, domain.StatusSkipped, reason, f.cadences.For(freq), withFailures(meta, 0), subID)
}

// finalize writes the end state in one transaction, retrying it a few times
// since a record left in processing is only released by the stale sweep.
func (f *Finalizer) finalize(ctx context.Context, rec domain.ProcessingRecord, status domain.ProcessingStatus, errMsg string, interval time.Duration, meta map[string]any, touchID string) error {
	now := f.clock()

	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if attempt > 1 {
			f.logger.Warn("retrying finalize", "record_id", rec.ID, "status", status, "attempt", attempt, "error", err)
			if sleepErr := sleepContext(ctx, f.retryDelay); sleepErr != nil {
				break
			}
		}
		err = f.ledger.WithinTx(ctx, func(ctx context.Context, tx ports.LedgerTx) error {
			if err := tx.SetStatus(ctx, rec.ID, status, errMsg, now); err != nil {
				return fmt.Errorf("set status %s: %w", status, err)
			}
			if err := tx.RescheduleAfter(ctx, rec.ID, now, interval); err != nil {
				return fmt.Errorf("reschedule: %w", err)
			}
			if len(meta) > 0 {
				if err := tx.MergeMetadata(ctx, rec.ID, meta); err != nil {
					return fmt.Errorf("merge metadata: %w", err)
				}
			}
			return nil
		})
		if err == nil {
			break
		}
	}
	if err != nil {
		return fmt.Errorf("finalize record %d: %w", rec.ID, err)
	}

	if touchID != "" && f.subscriptions != nil {
		if err := f.subscriptions.TouchLastChecked(ctx, touchID, now); err != nil {
			f.logger.Warn("update last_checked_at failed", "subscription_id", touchID, "error", err)
		}
	}
	return nil
}

func withFailures(meta map[string]any, n int) map[string]any {
	out := make(map[string]any, len(meta)+1)
	maps.Copy(out, meta)
	out[failuresKey] = n
	return out
}

func consecutiveFailures(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var meta struct {
		Failures int `json:"consecutive_failures"`
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return 0
	}
	return max(meta.Failures, 0)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
