// Package testutil provides in-memory fakes of the ports for use in tests.
package testutil

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/ports"
)

// MemoryLedger is an in-memory ports.Ledger. Rows touched by a transaction
// stay locked until it ends, and other transactions skip them the way
// FOR UPDATE SKIP LOCKED does. Writes are undone when fn returns an error.
type MemoryLedger struct {
	mu      sync.Mutex
	nextID  int64
	records map[int64]*domain.ProcessingRecord
	bySub   map[string]int64
	locks   map[int64]*memoryTx

	// BeginErr, when set, fails every WithinTx before fn runs.
	BeginErr error
}

var _ ports.Ledger = (*MemoryLedger)(nil)

// NewMemoryLedger returns an empty ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{
		records: map[int64]*domain.ProcessingRecord{},
		bySub:   map[string]int64{},
		locks:   map[int64]*memoryTx{},
	}
}

// Seed inserts rec as committed state and returns it with its assigned ID.
func (l *MemoryLedger) Seed(rec domain.ProcessingRecord) domain.ProcessingRecord {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextID++
	rec.ID = l.nextID
	if rec.Status == "" {
		rec.Status = domain.StatusPending
	}
	stored := rec
	l.records[rec.ID] = &stored
	l.bySub[rec.SubscriptionID] = rec.ID
	return rec
}

// Record returns the current state of the subscription's record.
func (l *MemoryLedger) Record(subscriptionID string) (domain.ProcessingRecord, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.bySub[subscriptionID]
	if !ok {
		return domain.ProcessingRecord{}, false
	}
	return clone(l.records[id]), true
}

// Metadata decodes the subscription's record metadata.
func (l *MemoryLedger) Metadata(subscriptionID string) map[string]any {
	rec, ok := l.Record(subscriptionID)
	out := map[string]any{}
	if !ok || len(rec.Metadata) == 0 {
		return out
	}
	_ = json.Unmarshal(rec.Metadata, &out)
	return out
}

// Lock holds the subscription's row as if another transaction owned it until
// the returned release func is called.
func (l *MemoryLedger) Lock(subscriptionID string) (release func()) {
	l.mu.Lock()
	defer l.mu.Unlock()

	holder := &memoryTx{ledger: l}
	if id, ok := l.bySub[subscriptionID]; ok {
		l.locks[id] = holder
	}
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		holder.releaseLocked()
	}
}

func (l *MemoryLedger) WithinTx(ctx context.Context, fn func(ctx context.Context, tx ports.LedgerTx) error) (err error) {
	if l.BeginErr != nil {
		return fmt.Errorf("begin tx: %w", l.BeginErr)
	}

	tx := &memoryTx{ledger: l, undo: map[int64]*domain.ProcessingRecord{}}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
		if err != nil {
			tx.rollback()
			return
		}
		tx.commit()
	}()

	return fn(ctx, tx)
}

func (l *MemoryLedger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := domain.LedgerStats{}
	for _, rec := range l.records {
		stats[rec.Status]++
	}
	return stats, nil
}

type memoryTx struct {
	ledger *MemoryLedger
	// undo holds the pre-transaction copy of each touched row; nil marks an insert.
	undo map[int64]*domain.ProcessingRecord
}

// acquireLocked locks id for tx unless another transaction holds it.
func (tx *memoryTx) acquireLocked(id int64) bool {
	holder, ok := tx.ledger.locks[id]
	if ok && holder != tx {
		return false
	}
	tx.ledger.locks[id] = tx
	return true
}

func (tx *memoryTx) touchLocked(id int64) (*domain.ProcessingRecord, error) {
	rec, ok := tx.ledger.records[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	if !tx.acquireLocked(id) {
		return nil, fmt.Errorf("record %d: lock held by another transaction", id)
	}
	if _, seen := tx.undo[id]; !seen {
		before := clone(rec)
		tx.undo[id] = &before
	}
	return rec, nil
}

func (tx *memoryTx) releaseLocked() {
	for id, holder := range tx.ledger.locks {
		if holder == tx {
			delete(tx.ledger.locks, id)
		}
	}
}

func (tx *memoryTx) commit() {
	tx.ledger.mu.Lock()
	defer tx.ledger.mu.Unlock()
	tx.releaseLocked()
}

func (tx *memoryTx) rollback() {
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	for id, before := range tx.undo {
		if before == nil {
			if rec, ok := l.records[id]; ok {
				delete(l.bySub, rec.SubscriptionID)
			}
			delete(l.records, id)
			continue
		}
		restored := *before
		l.records[id] = &restored
	}
	tx.releaseLocked()
}

func (tx *memoryTx) FetchDue(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingRecord, error) {
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	candidates := make([]*domain.ProcessingRecord, 0, len(l.records))
	for _, rec := range l.records {
		if rec.Due(now) {
			candidates = append(candidates, rec)
		}
	}
	slices.SortFunc(candidates, func(a, b *domain.ProcessingRecord) int {
		if c := a.NextRunAt.Compare(b.NextRunAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	out := make([]domain.ProcessingRecord, 0, limit)
	for _, rec := range candidates {
		if len(out) >= limit {
			break
		}
		if !tx.acquireLocked(rec.ID) {
			continue
		}
		out = append(out, clone(rec))
	}
	return out, nil
}

func (tx *memoryTx) ReserveForProcessing(ctx context.Context, subscriptionID string) (domain.ProcessingRecord, bool, error) {
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.bySub[subscriptionID]
	if !ok || !tx.acquireLocked(id) {
		return domain.ProcessingRecord{}, false, nil
	}
	return clone(l.records[id]), true, nil
}

func (tx *memoryTx) Exists(ctx context.Context, subscriptionID string) (bool, error) {
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	_, ok := l.bySub[subscriptionID]
	return ok, nil
}

func (tx *memoryTx) Create(ctx context.Context, subscriptionID string, now time.Time) (domain.ProcessingRecord, bool, error) {
	l := tx.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.bySub[subscriptionID]; ok {
		return domain.ProcessingRecord{}, false, nil
	}

	l.nextID++
	rec := &domain.ProcessingRecord{
		ID:             l.nextID,
		SubscriptionID: subscriptionID,
		Status:         domain.StatusPending,
		NextRunAt:      now,
		Metadata:       json.RawMessage(`{}`),
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	l.records[rec.ID] = rec
	l.bySub[subscriptionID] = rec.ID
	l.locks[rec.ID] = tx
	tx.undo[rec.ID] = nil
	return clone(rec), true, nil
}

func (tx *memoryTx) SetStatus(ctx context.Context, id int64, status domain.ProcessingStatus, errMsg string, now time.Time) error {
	tx.ledger.mu.Lock()
	defer tx.ledger.mu.Unlock()

	rec, err := tx.touchLocked(id)
	if err != nil {
		return err
	}
	rec.Status = status
	rec.Error = errMsg
	rec.UpdatedAt = now
	if status == domain.StatusSending {
		at := now
		rec.LastRunAt = &at
	}
	return nil
}

func (tx *memoryTx) RescheduleAfter(ctx context.Context, id int64, from time.Time, interval time.Duration) error {
	tx.ledger.mu.Lock()
	defer tx.ledger.mu.Unlock()

	rec, err := tx.touchLocked(id)
	if err != nil {
		return err
	}
	rec.NextRunAt = from.Add(interval)
	return nil
}

func (tx *memoryTx) MergeMetadata(ctx context.Context, id int64, values map[string]any) error {
	tx.ledger.mu.Lock()
	defer tx.ledger.mu.Unlock()

	rec, err := tx.touchLocked(id)
	if err != nil {
		return err
	}

	merged := map[string]any{}
	if len(rec.Metadata) > 0 {
		if err := json.Unmarshal(rec.Metadata, &merged); err != nil {
			return fmt.Errorf("decode metadata: %w", err)
		}
	}
	maps.Copy(merged, values)

	raw, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	rec.Metadata = raw
	return nil
}

func (tx *memoryTx) RecoverStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	tx.ledger.mu.Lock()
	defer tx.ledger.mu.Unlock()

	var n int64
	for id, rec := range tx.ledger.records {
		if !rec.Status.InFlight() || !rec.UpdatedAt.Before(olderThan) {
			continue
		}
		if holder, ok := tx.ledger.locks[id]; ok && holder != tx {
			continue
		}
		rec, err := tx.touchLocked(id)
		if err != nil {
			return n, err
		}
		rec.Status = domain.StatusFailed
		rec.Error = "stale claim recovered"
		rec.NextRunAt = now
		rec.UpdatedAt = now
		n++
	}
	return n, nil
}

func clone(rec *domain.ProcessingRecord) domain.ProcessingRecord {
	out := *rec
	if rec.LastRunAt != nil {
		at := *rec.LastRunAt
		out.LastRunAt = &at
	}
	out.Metadata = slices.Clone(rec.Metadata)
	return out
}

// ErrInjected is a generic failure used by scripted fakes.
var ErrInjected = errors.New("injected failure")
