package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/ports"
)

const (
	recordsTable   = "processing_records"
	skipLocked     = "FOR UPDATE SKIP LOCKED"
	staleRecovered = "stale claim recovered"
)

var recordColumns = []string{
	"id", "subscription_id", "status", "next_run_at", "last_run_at",
	"error", "metadata", "created_at", "updated_at",
}

var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// PostgresLedger stores ProcessingRecords in Postgres.
type PostgresLedger struct {
	db *sql.DB
}

var _ ports.Ledger = (*PostgresLedger)(nil)

// NewPostgresLedger wires a sql.DB implementation.
func NewPostgresLedger(db *sql.DB) *PostgresLedger {
	return &PostgresLedger{db: db}
}

// WithinTx runs fn inside a transaction. The transaction is committed if fn
// returns nil and rolled back otherwise, including when fn panics.
func (l *PostgresLedger) WithinTx(ctx context.Context, fn func(context.Context, ports.LedgerTx) error) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx, &postgresLedgerTx{tx: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Stats counts records grouped by status.
func (l *PostgresLedger) Stats(ctx context.Context) (domain.LedgerStats, error) {
	query, args, err := psql.Select("status", "COUNT(*)").
		From(recordsTable).
		GroupBy("status").
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build stats query: %w", err)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	stats := domain.LedgerStats{}
	for rows.Next() {
		var (
			status string
			count  int64
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		stats[domain.ProcessingStatus(status)] = count
	}
	return stats, rows.Err()
}

type postgresLedgerTx struct {
	tx *sql.Tx
}

func (t *postgresLedgerTx) FetchDue(ctx context.Context, now time.Time, limit int) ([]domain.ProcessingRecord, error) {
	if limit <= 0 {
		return nil, nil
	}

	query, args, err := psql.Select(recordColumns...).
		From(recordsTable).
		Where(sq.Eq{"status": statusValues(domain.DueStatuses)}).
		Where(sq.LtOrEq{"next_run_at": now}).
		OrderBy("next_run_at ASC", "id ASC").
		Limit(uint64(limit)).
		Suffix(skipLocked).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build fetch due: %w", err)
	}

	rows, err := t.tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}
	defer rows.Close()

	records := make([]domain.ProcessingRecord, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration: %w", err)
	}
	return records, nil
}

func (t *postgresLedgerTx) ReserveForProcessing(ctx context.Context, subscriptionID string) (domain.ProcessingRecord, bool, error) {
	query, args, err := psql.Select(recordColumns...).
		From(recordsTable).
		Where(sq.Eq{"subscription_id": subscriptionID}).
		OrderBy("id DESC").
		Limit(1).
		Suffix(skipLocked).
		ToSql()
	if err != nil {
		return domain.ProcessingRecord{}, false, fmt.Errorf("build reserve: %w", err)
	}

	rec, err := scanRecord(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessingRecord{}, false, nil
	}
	if err != nil {
		return domain.ProcessingRecord{}, false, fmt.Errorf("reserve %s: %w", subscriptionID, err)
	}
	return rec, true, nil
}

func (t *postgresLedgerTx) Exists(ctx context.Context, subscriptionID string) (bool, error) {
	query, args, err := psql.Select("1").
		From(recordsTable).
		Where(sq.Eq{"subscription_id": subscriptionID}).
		Prefix("SELECT EXISTS (").
		Suffix(")").
		ToSql()
	if err != nil {
		return false, fmt.Errorf("build exists: %w", err)
	}

	var exists bool
	if err := t.tx.QueryRowContext(ctx, query, args...).Scan(&exists); err != nil {
		return false, fmt.Errorf("record exists %s: %w", subscriptionID, err)
	}
	return exists, nil
}

func (t *postgresLedgerTx) Create(ctx context.Context, subscriptionID string, now time.Time) (domain.ProcessingRecord, bool, error) {
	query, args, err := psql.Insert(recordsTable).
		Columns("subscription_id", "status", "next_run_at", "metadata", "created_at", "updated_at").
		Values(subscriptionID, string(domain.StatusPending), now, "{}", now, now).
		Suffix("ON CONFLICT (subscription_id) DO NOTHING RETURNING " + strings.Join(recordColumns, ", ")).
		ToSql()
	if err != nil {
		return domain.ProcessingRecord{}, false, fmt.Errorf("build create: %w", err)
	}

	rec, err := scanRecord(t.tx.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ProcessingRecord{}, false, nil
	}
	if err != nil {
		return domain.ProcessingRecord{}, false, fmt.Errorf("create record %s: %w", subscriptionID, err)
	}
	return rec, true, nil
}

func (t *postgresLedgerTx) SetStatus(ctx context.Context, id int64, status domain.ProcessingStatus, errMsg string, now time.Time) error {
	builder := psql.Update(recordsTable).
		Set("status", string(status)).
		Set("error", nullString(errMsg)).
		Set("updated_at", now).
		Where(sq.Eq{"id": id})
	if status == domain.StatusSending {
		builder = builder.Set("last_run_at", now)
	}

	if err := t.execOne(ctx, builder); err != nil {
		return fmt.Errorf("set status %s on record %d: %w", status, id, err)
	}
	return nil
}

func (t *postgresLedgerTx) RescheduleAfter(ctx context.Context, id int64, from time.Time, interval time.Duration) error {
	builder := psql.Update(recordsTable).
		Set("next_run_at", from.Add(interval)).
		Where(sq.Eq{"id": id})

	if err := t.execOne(ctx, builder); err != nil {
		return fmt.Errorf("reschedule record %d: %w", id, err)
	}
	return nil
}

func (t *postgresLedgerTx) MergeMetadata(ctx context.Context, id int64, values map[string]any) error {
	if len(values) == 0 {
		return nil
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	builder := psql.Update(recordsTable).
		Set("metadata", sq.Expr("COALESCE(metadata, '{}'::jsonb) || ?::jsonb", string(raw))).
		Where(sq.Eq{"id": id})

	if err := t.execOne(ctx, builder); err != nil {
		return fmt.Errorf("merge metadata on record %d: %w", id, err)
	}
	return nil
}

func (t *postgresLedgerTx) RecoverStale(ctx context.Context, olderThan, now time.Time) (int64, error) {
	query, args, err := psql.Update(recordsTable).
		Set("status", string(domain.StatusFailed)).
		Set("error", staleRecovered).
		Set("next_run_at", now).
		Set("updated_at", now).
		Where(sq.Eq{"status": []string{string(domain.StatusSending), string(domain.StatusProcessing)}}).
		Where(sq.Lt{"updated_at": olderThan}).
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("build recover stale: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("recover stale: %w", err)
	}
	return result.RowsAffected()
}

// execOne runs an update and returns domain.ErrNotFound when no row was affected.
func (t *postgresLedgerTx) execOne(ctx context.Context, builder sq.UpdateBuilder) error {
	query, args, err := builder.ToSql()
	if err != nil {
		return fmt.Errorf("build update: %w", err)
	}

	result, err := t.tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("get affected rows: %w", err)
	}
	if affected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (domain.ProcessingRecord, error) {
	var (
		rec       domain.ProcessingRecord
		status    string
		lastRunAt sql.NullTime
		errMsg    sql.NullString
		metadata  []byte
	)
	err := row.Scan(
		&rec.ID, &rec.SubscriptionID, &status, &rec.NextRunAt, &lastRunAt,
		&errMsg, &metadata, &rec.CreatedAt, &rec.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rec, err
		}
		return rec, fmt.Errorf("scan record: %w", err)
	}

	rec.Status = domain.ProcessingStatus(status)
	if lastRunAt.Valid {
		t := lastRunAt.Time
		rec.LastRunAt = &t
	}
	rec.Error = errMsg.String
	if len(metadata) > 0 {
		rec.Metadata = json.RawMessage(metadata)
	}
	return rec, nil
}

func statusValues(statuses []domain.ProcessingStatus) []string {
	values := make([]string, len(statuses))
	for i, s := range statuses {
		values[i] = string(s)
	}
	return values
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
