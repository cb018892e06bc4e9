package domain

// Outcome is the caller-visible status of a pipeline run.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeError   Outcome = "error"
	OutcomeSkipped Outcome = "skipped"
)

// Reasons attached to non-success outcomes.
const (
	ReasonNoParserURL          = "no_parser_url"
	ReasonAlreadyProcessing    = "already_processing"
	ReasonSubscriptionNotFound = "subscription_not_found"
	ReasonSubscriptionInactive = "subscription_inactive"
	ReasonAnalyzerFailed       = "analyzer_failed"
	ReasonLedgerError          = "ledger_error"
)

// ProcessResult summarizes one ProcessOne call.
type ProcessResult struct {
	Status               Outcome `json:"status"`
	Reason               string  `json:"reason,omitempty"`
	Error                string  `json:"error,omitempty"`
	MatchesCount         int     `json:"matches_count"`
	NotificationsCreated int     `json:"notifications_created"`
	TraceID              string  `json:"trace_id"`
}

// FanoutResult aggregates notification persistence and delivery.
type FanoutResult struct {
	Created         int `json:"created"`
	Errors          int `json:"errors"`
	PublishFailures int `json:"publish_failures"`
	DeadLettered    int `json:"dead_lettered"`
}

// TypeCounts is the per-type breakdown inside a BatchResult.
type TypeCounts struct {
	Success int `json:"success"`
	Error   int `json:"error"`
	Skipped int `json:"skipped"`
}

// BatchResult summarizes one ProcessDue pass.
type BatchResult struct {
	Processed    int                    `json:"processed"`
	SuccessCount int                    `json:"success_count"`
	ErrorCount   int                    `json:"error_count"`
	SkippedCount int                    `json:"skipped_count"`
	ByType       map[string]*TypeCounts `json:"by_type"`
}

// NewBatchResult returns an empty batch summary.
func NewBatchResult() BatchResult {
	return BatchResult{ByType: map[string]*TypeCounts{}}
}

// Add folds one run outcome into the batch under typeKey.
func (b *BatchResult) Add(typeKey string, outcome Outcome) {
	if b.ByType == nil {
		b.ByType = map[string]*TypeCounts{}
	}
	counts, ok := b.ByType[typeKey]
	if !ok {
		counts = &TypeCounts{}
		b.ByType[typeKey] = counts
	}

	b.Processed++
	switch outcome {
	case OutcomeSuccess:
		b.SuccessCount++
		counts.Success++
	case OutcomeSkipped:
		b.SkippedCount++
		counts.Skipped++
	default:
		b.ErrorCount++
		counts.Error++
	}
}

// AckStatus is the immediate answer to an asynchronous processing request.
type AckStatus string

const (
	AckAccepted          AckStatus = "accepted"
	AckAlreadyProcessing AckStatus = "already_processing"
	AckRejected          AckStatus = "rejected"
)

// Ack is returned by ProcessOneAsync before the pipeline runs.
type Ack struct {
	Status  AckStatus `json:"status"`
	Reason  string    `json:"reason,omitempty"`
	TraceID string    `json:"trace_id"`
}
