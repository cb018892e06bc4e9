package domain

import (
	"encoding/json"
	"time"
)

// ProcessingStatus enumerates ledger states of a subscription job.
type ProcessingStatus string

const (
	StatusPending    ProcessingStatus = "pending"
	StatusSending    ProcessingStatus = "sending"
	StatusProcessing ProcessingStatus = "processing"
	StatusCompleted  ProcessingStatus = "completed"
	StatusFailed     ProcessingStatus = "failed"
	StatusSkipped    ProcessingStatus = "skipped"
)

// AllStatuses lists every ledger status in lifecycle order.
var AllStatuses = []ProcessingStatus{
	StatusPending,
	StatusSending,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusSkipped,
}

// DueStatuses are the statuses eligible for a due-scan.
var DueStatuses = []ProcessingStatus{StatusPending, StatusFailed}

// InFlight reports whether a worker currently owns the record.
func (s ProcessingStatus) InFlight() bool {
	return s == StatusSending || s == StatusProcessing
}

// ProcessingRecord is one ledger row tracking a subscription's job.
type ProcessingRecord struct {
	ID             int64
	SubscriptionID string
	Status         ProcessingStatus
	NextRunAt      time.Time
	LastRunAt      *time.Time
	Error          string
	Metadata       json.RawMessage
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Due reports whether the record should be picked up by a scan at now.
func (r ProcessingRecord) Due(now time.Time) bool {
	if r.Status != StatusPending && r.Status != StatusFailed {
		return false
	}
	return !r.NextRunAt.After(now)
}

// LedgerStats holds record counts per status.
type LedgerStats map[ProcessingStatus]int64
