package usecase

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/metrics"
	"SubscriptionScanner/internal/ports"
)

const statsInterval = 30 * time.Second

// BatchProcessor runs one due-scan pass.
type BatchProcessor interface {
	ProcessDue(ctx context.Context, maxBatch int) (domain.BatchResult, error)
}

// StaleRecoverer resets in-flight records that stopped making progress.
type StaleRecoverer interface {
	RecoverStale(ctx context.Context, staleAfter time.Duration) (int64, error)
}

// WorkerPoolConfig tunes the polling loops.
type WorkerPoolConfig struct {
	Workers      int
	PollInterval time.Duration
	BatchSize    int
	// StaleAfter enables the stale-claim sweep when positive.
	StaleAfter time.Duration
}

// WorkerPool runs independent polling loops against the ledger. Loops share
// nothing but the ledger; claim atomicity keeps them from overlapping.
type WorkerPool struct {
	cfg       WorkerPoolConfig
	processor BatchProcessor
	recoverer StaleRecoverer
	ledger    ports.Ledger
	logger    *slog.Logger
	metrics   *metrics.Metrics
	trigger   chan struct{}
}

// NewWorkerPool builds a pool. recoverer and ledger are optional; ledger feeds
// the per-status gauge.
func NewWorkerPool(cfg WorkerPoolConfig, processor BatchProcessor, recoverer StaleRecoverer, ledger ports.Ledger, logger *slog.Logger, m *metrics.Metrics) *WorkerPool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	return &WorkerPool{
		cfg:       cfg,
		processor: processor,
		recoverer: recoverer,
		ledger:    ledger,
		logger:    logging.OrDiscard(logger),
		metrics:   m,
		trigger:   make(chan struct{}, cfg.Workers),
	}
}

// Trigger wakes idle loops for an immediate scan. It never blocks.
func (w *WorkerPool) Trigger() {
	for range w.cfg.Workers {
		select {
		case w.trigger <- struct{}{}:
		default:
			return
		}
	}
}

// Run blocks until ctx is cancelled. Each loop finishes its current batch
// before returning.
func (w *WorkerPool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	for i := range w.cfg.Workers {
		g.Go(func() error {
			w.loop(ctx, i)
			return nil
		})
	}
	if w.cfg.StaleAfter > 0 && w.recoverer != nil {
		g.Go(func() error {
			w.sweep(ctx)
			return nil
		})
	}
	if w.ledger != nil && w.metrics != nil {
		g.Go(func() error {
			w.refreshStats(ctx)
			return nil
		})
	}

	w.logger.Info("worker pool started", "workers", w.cfg.Workers, "poll_interval", w.cfg.PollInterval, "batch_size", w.cfg.BatchSize)
	err := g.Wait()
	w.logger.Info("worker pool stopped")
	return err
}

// Drain processes batches until no due work is left or ctx is done. It
// returns the accumulated counts.
func (w *WorkerPool) Drain(ctx context.Context, maxBatches int) (domain.BatchResult, error) {
	total := domain.NewBatchResult()
	for n := 0; maxBatches <= 0 || n < maxBatches; n++ {
		if ctx.Err() != nil {
			return total, ctx.Err()
		}
		batch, err := w.processor.ProcessDue(ctx, w.cfg.BatchSize)
		if err != nil {
			return total, err
		}
		merge(&total, batch)
		if batch.Processed < w.cfg.BatchSize {
			break
		}
	}
	return total, nil
}

func (w *WorkerPool) loop(ctx context.Context, id int) {
	log := w.logger.With("worker", id)
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx, 0); err != nil && ctx.Err() == nil {
			log.Error("due scan failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.trigger:
			log.Debug("scan triggered")
		}
	}
}

func (w *WorkerPool) sweep(ctx context.Context) {
	interval := max(w.cfg.StaleAfter/2, time.Second)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.recoverer.RecoverStale(ctx, w.cfg.StaleAfter); err != nil && ctx.Err() == nil {
				w.logger.Error("stale sweep failed", "error", err)
			}
		}
	}
}

func (w *WorkerPool) refreshStats(ctx context.Context) {
	ticker := time.NewTicker(statsInterval)
	defer ticker.Stop()

	for {
		stats, err := w.ledger.Stats(ctx)
		if err == nil {
			w.metrics.SetLedgerStats(stats)
		} else if ctx.Err() == nil {
			w.logger.Warn("ledger stats failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func merge(total *domain.BatchResult, batch domain.BatchResult) {
	total.Processed += batch.Processed
	total.SuccessCount += batch.SuccessCount
	total.ErrorCount += batch.ErrorCount
	total.SkippedCount += batch.SkippedCount
	for key, counts := range batch.ByType {
		acc, ok := total.ByType[key]
		if !ok {
			acc = &domain.TypeCounts{}
			total.ByType[key] = acc
		}
		acc.Success += counts.Success
		acc.Error += counts.Error
		acc.Skipped += counts.Skipped
	}
}
