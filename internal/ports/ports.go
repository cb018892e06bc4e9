package ports

import (
	"context"
	"time"

	"SubscriptionScanner/internal/domain"
)

// Ledger owns the transaction boundary around ProcessingRecord writes.
type Ledger interface {
	// WithinTx runs fn in a single transaction, committing when fn returns nil.
	WithinTx(ctx context.Context, fn func(ctx context.Context, tx LedgerTx) error) error
	// Stats counts records per status outside of any claim.
	Stats(ctx context.Context) (domain.LedgerStats, error)
}

// LedgerTx exposes ProcessingRecord access bound to an open transaction.
type LedgerTx interface {
	// FetchDue selects up to limit due records, skipping rows locked elsewhere.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingRecord, error)
	// ReserveForProcessing locks the subscription's record unless another
	// transaction already holds it; ok is false when nothing could be locked.
	ReserveForProcessing(ctx context.Context, subscriptionID string) (domain.ProcessingRecord, bool, error)
	// Exists reports whether a record exists for the subscription, locked or not.
	Exists(ctx context.Context, subscriptionID string) (bool, error)
	// Create inserts a pending record; ok is false when one already exists.
	Create(ctx context.Context, subscriptionID string, now time.Time) (domain.ProcessingRecord, bool, error)
	// SetStatus writes status and error; an empty errMsg clears the error.
	SetStatus(ctx context.Context, id int64, status domain.ProcessingStatus, errMsg string, now time.Time) error
	// RescheduleAfter sets next_run_at to from+interval.
	RescheduleAfter(ctx context.Context, id int64, from time.Time, interval time.Duration) error
	// MergeMetadata shallow-merges values into the record's metadata bag.
	MergeMetadata(ctx context.Context, id int64, values map[string]any) error
	// RecoverStale fails in-flight records untouched since before olderThan.
	RecoverStale(ctx context.Context, olderThan, now time.Time) (int64, error)
}

// SubscriptionRepository reads subscriptions and their type's analyzer endpoint.
type SubscriptionRepository interface {
	Get(ctx context.Context, id string) (domain.Subscription, error)
	TouchLastChecked(ctx context.Context, id string, at time.Time) error
}

// NotificationRepository persists notifications created by fan-out.
type NotificationRepository interface {
	Create(ctx context.Context, n domain.Notification) (domain.Notification, error)
}

// AnalyzerClient performs a single call to a content-analysis endpoint.
type AnalyzerClient interface {
	Analyze(ctx context.Context, endpoint string, req domain.AnalyzeRequest) (domain.RawResult, error)
}

// Publisher delivers events to a message bus topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, event any) (string, error)
}

// Scheduler controls when due-scans are pushed to the workers.
type Scheduler interface {
	Start(ctx context.Context, job func(time.Time)) error
	Stop(ctx context.Context) error
}
