package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/ports"
)

// Claimer moves ledger records into the in-flight states. Every claim runs in
// its own transaction so the row locks are released as soon as it commits.
type Claimer struct {
	ledger ports.Ledger
	logger *slog.Logger
	clock  func() time.Time
}

// NewClaimer builds a claim manager over ledger.
func NewClaimer(ledger ports.Ledger, logger *slog.Logger, clock func() time.Time) *Claimer {
	if clock == nil {
		clock = time.Now
	}
	return &Claimer{ledger: ledger, logger: logging.OrDiscard(logger), clock: clock}
}

// ClaimDue moves up to limit due records to sending. Rows locked by other
// workers are skipped, so concurrent callers never receive the same record.
func (c *Claimer) ClaimDue(ctx context.Context, limit int) ([]domain.ProcessingRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := c.clock()
	var claimed []domain.ProcessingRecord
	err := c.ledger.WithinTx(ctx, func(ctx context.Context, tx ports.LedgerTx) error {
		records, err := tx.FetchDue(ctx, now, limit)
		if err != nil {
			return fmt.Errorf("fetch due: %w", err)
		}

		for i := range records {
			if err := tx.SetStatus(ctx, records[i].ID, domain.StatusSending, records[i].Error, now); err != nil {
				return fmt.Errorf("claim record %d: %w", records[i].ID, err)
			}
			markSending(&records[i], now)
		}
		claimed = records
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(claimed) > 0 {
		c.logger.Debug("claimed due records", "count", len(claimed))
	}
	return claimed, nil
}

// ClaimOne claims the subscription's record regardless of next_run_at. A
// missing record is created and claimed in the same transaction. It returns
// domain.ErrAlreadyClaimed when another worker owns the record.
func (c *Claimer) ClaimOne(ctx context.Context, subscriptionID string) (domain.ProcessingRecord, error) {
	now := c.clock()
	var claimed domain.ProcessingRecord
	err := c.ledger.WithinTx(ctx, func(ctx context.Context, tx ports.LedgerTx) error {
		rec, ok, err := tx.ReserveForProcessing(ctx, subscriptionID)
		if err != nil {
			return fmt.Errorf("reserve %s: %w", subscriptionID, err)
		}

		if !ok {
			exists, err := tx.Exists(ctx, subscriptionID)
			if err != nil {
				return fmt.Errorf("lookup record %s: %w", subscriptionID, err)
			}
			if exists {
				return domain.ErrAlreadyClaimed
			}

			rec, ok, err = tx.Create(ctx, subscriptionID, now)
			if err != nil {
				return fmt.Errorf("create record %s: %w", subscriptionID, err)
			}
			if !ok {
				return domain.ErrAlreadyClaimed
			}
			c.logger.Info("created missing processing record", "subscription_id", subscriptionID, "record_id", rec.ID)
		}

		if rec.Status.InFlight() {
			return domain.ErrAlreadyClaimed
		}

		if err := tx.SetStatus(ctx, rec.ID, domain.StatusSending, rec.Error, now); err != nil {
			return fmt.Errorf("claim record %d: %w", rec.ID, err)
		}
		markSending(&rec, now)
		claimed = rec
		return nil
	})
	if err != nil {
		return domain.ProcessingRecord{}, err
	}
	return claimed, nil
}

// Begin marks a claimed record as processing just before dispatch.
func (c *Claimer) Begin(ctx context.Context, rec domain.ProcessingRecord, traceID string) error {
	now := c.clock()
	return c.ledger.WithinTx(ctx, func(ctx context.Context, tx ports.LedgerTx) error {
		if err := tx.SetStatus(ctx, rec.ID, domain.StatusProcessing, rec.Error, now); err != nil {
			return fmt.Errorf("mark processing %d: %w", rec.ID, err)
		}
		return tx.MergeMetadata(ctx, rec.ID, map[string]any{
			"trace_id":   traceID,
			"started_at": now.UTC().Format(time.RFC3339),
		})
	})
}

// RecoverStale fails in-flight records not updated within staleAfter and makes
// them due immediately.
func (c *Claimer) RecoverStale(ctx context.Context, staleAfter time.Duration) (int64, error) {
	now := c.clock()
	var recovered int64
	err := c.ledger.WithinTx(ctx, func(ctx context.Context, tx ports.LedgerTx) error {
		n, err := tx.RecoverStale(ctx, now.Add(-staleAfter), now)
		if err != nil {
			return fmt.Errorf("recover stale: %w", err)
		}
		recovered = n
		return nil
	})
	if err != nil {
		return 0, err
	}
	if recovered > 0 {
		c.logger.Warn("recovered stale claims", "count", recovered, "stale_after", staleAfter)
	}
	return recovered, nil
}

func markSending(rec *domain.ProcessingRecord, now time.Time) {
	at := now
	rec.Status = domain.StatusSending
	rec.LastRunAt = &at
	rec.UpdatedAt = now
}
