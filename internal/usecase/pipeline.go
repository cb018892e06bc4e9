package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"SubscriptionScanner/internal/analyzer"
	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/logging"
	"SubscriptionScanner/internal/metrics"
	"SubscriptionScanner/internal/normalize"
	"SubscriptionScanner/internal/ports"
)

const tracerName = "SubscriptionScanner/usecase"

// ErrMissingDependency is returned by NewPipeline when a required adapter is nil.
var ErrMissingDependency = errors.New("pipeline dependency missing")

// PipelineDeps wires all driven adapters into the orchestration pipeline.
type PipelineDeps struct {
	Ledger        ports.Ledger
	Subscriptions ports.SubscriptionRepository
	Notifications ports.NotificationRepository
	// Analyzer is usually an *analyzer.Gateway wrapping the HTTP client.
	Analyzer   ports.AnalyzerClient
	Publisher  ports.Publisher
	DeadLetter ports.Publisher

	Topic           string
	DeadLetterTopic string
	Cadences        domain.Cadences
	FailureCooldown time.Duration
	// MaxConsecutiveFailures bounds cool-down retries before a failing
	// record falls back to its cadence.
	MaxConsecutiveFailures int
	// Concurrency bounds parallel jobs inside one ProcessDue call.
	Concurrency int

	Logger     *slog.Logger
	Metrics    *metrics.Metrics
	Tracer     trace.Tracer
	Clock      func() time.Time
	NewTraceID func() string
}

// Pipeline runs subscription jobs: claim, analyze, normalize, fan out, finalize.
type Pipeline struct {
	claims        *Claimer
	subscriptions ports.SubscriptionRepository
	analyzer      ports.AnalyzerClient
	fanout        *Fanout
	finalizer     *Finalizer

	concurrency int
	logger      *slog.Logger
	metrics     *metrics.Metrics
	tracer      trace.Tracer
	clock       func() time.Time
	newTraceID  func() string

	inflight sync.WaitGroup
}

// NewPipeline constructs the orchestration component.
func NewPipeline(deps PipelineDeps) (*Pipeline, error) {
	switch {
	case deps.Ledger == nil:
		return nil, fmt.Errorf("%w: ledger", ErrMissingDependency)
	case deps.Subscriptions == nil:
		return nil, fmt.Errorf("%w: subscription repository", ErrMissingDependency)
	case deps.Notifications == nil:
		return nil, fmt.Errorf("%w: notification repository", ErrMissingDependency)
	case deps.Analyzer == nil:
		return nil, fmt.Errorf("%w: analyzer", ErrMissingDependency)
	case deps.Publisher == nil:
		return nil, fmt.Errorf("%w: publisher", ErrMissingDependency)
	case deps.Topic == "":
		return nil, fmt.Errorf("%w: topic", ErrMissingDependency)
	}

	logger := logging.OrDiscard(deps.Logger)
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	tracer := deps.Tracer
	if tracer == nil {
		tracer = otel.Tracer(tracerName)
	}
	newTraceID := deps.NewTraceID
	if newTraceID == nil {
		newTraceID = uuid.NewString
	}

	return &Pipeline{
		claims:        NewClaimer(deps.Ledger, logger.With("component", "claimer"), clock),
		subscriptions: deps.Subscriptions,
		analyzer:      deps.Analyzer,
		fanout: NewFanout(FanoutDeps{
			Notifications:   deps.Notifications,
			Publisher:       deps.Publisher,
			DeadLetter:      deps.DeadLetter,
			Topic:           deps.Topic,
			DeadLetterTopic: deps.DeadLetterTopic,
			Logger:          logger.With("component", "fanout"),
			Metrics:         deps.Metrics,
			Clock:           clock,
		}),
		finalizer:   NewFinalizer(deps.Ledger, deps.Subscriptions, deps.Cadences, deps.FailureCooldown, deps.MaxConsecutiveFailures, logger.With("component", "finalizer"), clock),
		concurrency: max(deps.Concurrency, 1),
		logger:      logger,
		metrics:     deps.Metrics,
		tracer:      tracer,
		clock:       clock,
		newTraceID:  newTraceID,
	}, nil
}

// Claims exposes the claim manager for maintenance tasks.
func (p *Pipeline) Claims() *Claimer {
	return p.claims
}

// ProcessOne runs the subscription now, ignoring its schedule. Once claimed
// the run is detached from ctx cancellation and bounded by analyzer timeouts.
func (p *Pipeline) ProcessOne(ctx context.Context, subscriptionID string) domain.ProcessResult {
	ctx = context.WithoutCancel(ctx)
	traceID := p.newTraceID()
	log := p.logger.With("trace_id", traceID, "subscription_id", subscriptionID)

	sub, err := p.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		return lookupFailure(log, traceID, err)
	}

	rec, err := p.claims.ClaimOne(ctx, subscriptionID)
	if err != nil {
		return claimFailure(log, traceID, err)
	}

	_, result := p.execute(ctx, rec, &sub, traceID)
	return result
}

// ProcessOneAsync claims the subscription synchronously and runs the rest of
// the job in the background. Use Wait to drain background runs.
func (p *Pipeline) ProcessOneAsync(ctx context.Context, subscriptionID string) domain.Ack {
	traceID := p.newTraceID()
	log := p.logger.With("trace_id", traceID, "subscription_id", subscriptionID)

	sub, err := p.subscriptions.Get(ctx, subscriptionID)
	if err != nil {
		res := lookupFailure(log, traceID, err)
		return domain.Ack{Status: domain.AckRejected, Reason: res.Reason, TraceID: traceID}
	}

	rec, err := p.claims.ClaimOne(ctx, subscriptionID)
	if err != nil {
		res := claimFailure(log, traceID, err)
		if res.Reason == domain.ReasonAlreadyProcessing {
			return domain.Ack{Status: domain.AckAlreadyProcessing, Reason: res.Reason, TraceID: traceID}
		}
		return domain.Ack{Status: domain.AckRejected, Reason: res.Reason, TraceID: traceID}
	}

	detached := context.WithoutCancel(ctx)
	p.inflight.Add(1)
	go func() {
		defer p.inflight.Done()
		p.execute(detached, rec, &sub, traceID)
	}()

	return domain.Ack{Status: domain.AckAccepted, TraceID: traceID}
}

// Wait blocks until background runs finish or ctx is done.
func (p *Pipeline) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProcessDue claims up to maxBatch due records and runs them. Only a failed
// claim is returned as an error; per-job failures are counted in the result.
func (p *Pipeline) ProcessDue(ctx context.Context, maxBatch int) (domain.BatchResult, error) {
	batch := domain.NewBatchResult()

	records, err := p.claims.ClaimDue(ctx, maxBatch)
	if err != nil {
		return batch, fmt.Errorf("claim due records: %w", err)
	}
	if len(records) == 0 {
		return batch, nil
	}

	detached := context.WithoutCancel(ctx)
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(p.concurrency)

	for _, rec := range records {
		g.Go(func() error {
			typeKey, result := p.execute(detached, rec, nil, p.newTraceID())
			mu.Lock()
			batch.Add(typeKey, result.Status)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	p.logger.Info("due batch processed",
		"processed", batch.Processed,
		"success", batch.SuccessCount,
		"errors", batch.ErrorCount,
		"skipped", batch.SkippedCount)
	return batch, nil
}

// execute runs a claimed record to a final ledger state. sub is loaded when nil.
func (p *Pipeline) execute(ctx context.Context, rec domain.ProcessingRecord, sub *domain.Subscription, traceID string) (string, domain.ProcessResult) {
	start := p.clock()
	ctx, span := p.tracer.Start(ctx, "subscription.process", trace.WithAttributes(
		attribute.String("subscription.id", rec.SubscriptionID),
		attribute.Int64("record.id", rec.ID),
		attribute.String("trace.id", traceID),
	))
	defer span.End()

	log := p.logger.With("trace_id", traceID, "subscription_id", rec.SubscriptionID)

	typeKey := "unknown"
	var result domain.ProcessResult
	if sub == nil {
		loaded, res, ok := p.loadClaimed(ctx, log, rec, traceID)
		if ok {
			sub = &loaded
		} else {
			result = res
		}
	}
	if sub != nil {
		typeKey = sub.TypeKey()
		result = p.run(ctx, log, rec, *sub, traceID)
	}

	elapsed := p.clock().Sub(start)
	p.metrics.ObserveJob(typeKey, result.Status, elapsed)

	span.SetAttributes(
		attribute.String("subscription.type", typeKey),
		attribute.String("outcome", string(result.Status)),
		attribute.Int("matches", result.MatchesCount),
		attribute.Int("notifications", result.NotificationsCreated),
	)
	if result.Status == domain.OutcomeError {
		span.SetStatus(codes.Error, result.Error)
	}

	log.Info("subscription processed",
		"status", result.Status,
		"reason", result.Reason,
		"matches", result.MatchesCount,
		"notifications", result.NotificationsCreated,
		"elapsed", elapsed)
	return typeKey, result
}

// loadClaimed fetches the subscription behind a due record. When it cannot be
// loaded the record is finalized here and ok is false.
func (p *Pipeline) loadClaimed(ctx context.Context, log *slog.Logger, rec domain.ProcessingRecord, traceID string) (domain.Subscription, domain.ProcessResult, bool) {
	sub, err := p.subscriptions.Get(ctx, rec.SubscriptionID)
	if err == nil {
		return sub, domain.ProcessResult{}, true
	}

	result := lookupFailure(log, traceID, err)
	meta := map[string]any{"trace_id": traceID, "reason": result.Reason}
	var ferr error
	if errors.Is(err, domain.ErrNotFound) {
		ferr = p.finalizer.Skip(ctx, rec, "", "subscription not found", meta, false)
	} else {
		ferr = p.finalizer.Fail(ctx, rec, "", err, false, meta)
	}
	if ferr != nil {
		result = finalizeFailure(log, result, ferr)
	}
	return domain.Subscription{}, result, false
}

func (p *Pipeline) run(ctx context.Context, log *slog.Logger, rec domain.ProcessingRecord, sub domain.Subscription, traceID string) domain.ProcessResult {
	result := domain.ProcessResult{TraceID: traceID}

	if err := sub.Runnable(); err != nil {
		reason := domain.ReasonSubscriptionInactive
		if errors.Is(err, domain.ErrNoParserURL) {
			reason = domain.ReasonNoParserURL
		}
		log.Info("skipping subscription", "reason", reason, "cause", err)
		meta := map[string]any{"trace_id": traceID, "reason": reason}
		if ferr := p.finalizer.Skip(ctx, rec, sub.Frequency, reason, meta, true); ferr != nil {
			return finalizeFailure(log, result, ferr)
		}
		result.Status = domain.OutcomeSkipped
		result.Reason = reason
		return result
	}

	if err := p.claims.Begin(ctx, rec, traceID); err != nil {
		log.Error("mark processing failed", "error", err)
		return p.fail(ctx, log, rec, sub, err, false, domain.ReasonLedgerError, traceID)
	}

	now := p.clock()
	raw, err := p.analyzer.Analyze(ctx, sub.ParserURL, domain.AnalyzeRequest{
		Prompts:        sub.Prompts,
		UserID:         sub.UserID,
		SubscriptionID: sub.ID,
		Date:           now.Format(time.DateOnly),
		TraceID:        traceID,
	})
	if err != nil {
		log.Error("analyzer failed", "endpoint", sub.ParserURL, "error", err)
		return p.fail(ctx, log, rec, sub, err, analyzer.IsPermanent(err), domain.ReasonAnalyzerFailed, traceID)
	}

	matches := normalize.Matches(raw, normalize.Options{
		Now:        now,
		MatchLimit: sub.MatchLimit,
		Logger:     log,
	})
	fan := p.fanout.Dispatch(ctx, sub, matches, traceID)

	result.MatchesCount = len(matches)
	result.NotificationsCreated = fan.Created

	meta := map[string]any{
		"trace_id":         traceID,
		"matches":          len(matches),
		"created":          fan.Created,
		"errors":           fan.Errors,
		"publish_failures": fan.PublishFailures,
		"dead_lettered":    fan.DeadLettered,
	}
	if err := p.finalizer.Complete(ctx, rec, sub, meta); err != nil {
		return finalizeFailure(log, result, err)
	}

	result.Status = domain.OutcomeSuccess
	return result
}

// fail finalizes a failed run and reports it under reason. A permanent cause
// is not retried before the next cadence.
func (p *Pipeline) fail(ctx context.Context, log *slog.Logger, rec domain.ProcessingRecord, sub domain.Subscription, cause error, permanent bool, reason, traceID string) domain.ProcessResult {
	result := domain.ProcessResult{
		Status:  domain.OutcomeError,
		Reason:  reason,
		Error:   cause.Error(),
		TraceID: traceID,
	}
	meta := map[string]any{"trace_id": traceID, "reason": reason}
	if err := p.finalizer.Fail(ctx, rec, sub.Frequency, cause, permanent, meta); err != nil {
		return finalizeFailure(log, result, err)
	}
	return result
}

// finalizeFailure reports a run whose end state could not be written. The
// record stays in flight until the stale sweep releases it.
func finalizeFailure(log *slog.Logger, result domain.ProcessResult, err error) domain.ProcessResult {
	log.Error("finalize failed", "error", err)
	result.Status = domain.OutcomeError
	result.Reason = domain.ReasonLedgerError
	result.Error = err.Error()
	return result
}

func lookupFailure(log *slog.Logger, traceID string, err error) domain.ProcessResult {
	result := domain.ProcessResult{Status: domain.OutcomeError, Error: err.Error(), TraceID: traceID}
	if errors.Is(err, domain.ErrNotFound) {
		log.Warn("subscription not found")
		result.Reason = domain.ReasonSubscriptionNotFound
		return result
	}
	log.Error("load subscription failed", "error", err)
	result.Reason = domain.ReasonLedgerError
	return result
}

func claimFailure(log *slog.Logger, traceID string, err error) domain.ProcessResult {
	if errors.Is(err, domain.ErrAlreadyClaimed) {
		log.Info("subscription already processing")
		return domain.ProcessResult{Status: domain.OutcomeSkipped, Reason: domain.ReasonAlreadyProcessing, TraceID: traceID}
	}
	log.Error("claim subscription failed", "error", err)
	return domain.ProcessResult{Status: domain.OutcomeError, Reason: domain.ReasonLedgerError, Error: err.Error(), TraceID: traceID}
}
