package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/ports"
)

// PostgresSubscriptions reads subscriptions joined with their type's parser URL.
type PostgresSubscriptions struct {
	db *sql.DB
}

var _ ports.SubscriptionRepository = (*PostgresSubscriptions)(nil)

// NewPostgresSubscriptions wires a sql.DB implementation.
func NewPostgresSubscriptions(db *sql.DB) *PostgresSubscriptions {
	return &PostgresSubscriptions{db: db}
}

// Get loads a subscription by id. Returns domain.ErrNotFound when absent.
func (r *PostgresSubscriptions) Get(ctx context.Context, id string) (domain.Subscription, error) {
	query, args, err := psql.Select(
		"s.id", "s.user_id", "s.type_id", "s.prompts", "s.active",
		"s.match_limit", "s.frequency", "s.last_checked_at", "t.parser_url",
	).
		From("subscriptions s").
		LeftJoin("subscription_types t ON t.id = s.type_id").
		Where(sq.Eq{"s.id": id}).
		ToSql()
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("build subscription query: %w", err)
	}

	var (
		sub         domain.Subscription
		prompts     pq.StringArray
		matchLimit  sql.NullInt64
		frequency   sql.NullString
		lastChecked sql.NullTime
		parserURL   sql.NullString
	)
	err = r.db.QueryRowContext(ctx, query, args...).Scan(
		&sub.ID, &sub.UserID, &sub.TypeID, &prompts, &sub.Active,
		&matchLimit, &frequency, &lastChecked, &parserURL,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Subscription{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Subscription{}, fmt.Errorf("get subscription %s: %w", id, err)
	}

	sub.Prompts = []string(prompts)
	sub.MatchLimit = int(matchLimit.Int64)
	sub.Frequency = domain.Frequency(frequency.String)
	sub.ParserURL = parserURL.String
	if lastChecked.Valid {
		t := lastChecked.Time
		sub.LastCheckedAt = &t
	}
	return sub, nil
}

// TouchLastChecked records when the subscription was last processed.
func (r *PostgresSubscriptions) TouchLastChecked(ctx context.Context, id string, at time.Time) error {
	query, args, err := psql.Update("subscriptions").
		Set("last_checked_at", at).
		Where(sq.Eq{"id": id}).
		ToSql()
	if err != nil {
		return fmt.Errorf("build touch query: %w", err)
	}

	if _, err := r.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("touch subscription %s: %w", id, err)
	}
	return nil
}
