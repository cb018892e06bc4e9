package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"SubscriptionScanner/internal/domain"
	"SubscriptionScanner/internal/ports"
)

// PostgresNotifications persists notifications produced by fan-out.
type PostgresNotifications struct {
	db *sql.DB
}

var _ ports.NotificationRepository = (*PostgresNotifications)(nil)

// NewPostgresNotifications wires a sql.DB implementation.
func NewPostgresNotifications(db *sql.DB) *PostgresNotifications {
	return &PostgresNotifications{db: db}
}

// Create inserts n, assigning an id when it has none, and returns the stored row.
func (r *PostgresNotifications) Create(ctx context.Context, n domain.Notification) (domain.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}

	metadata, err := json.Marshal(n.Metadata)
	if err != nil {
		return domain.Notification{}, fmt.Errorf("marshal notification metadata: %w", err)
	}

	query, args, err := psql.Insert("notifications").
		Columns("id", "user_id", "subscription_id", "title", "content", "source_url", "metadata").
		Values(n.ID, n.UserID, n.SubscriptionID, n.Title, n.Content, n.SourceURL, string(metadata)).
		Suffix("RETURNING created_at").
		ToSql()
	if err != nil {
		return domain.Notification{}, fmt.Errorf("build notification insert: %w", err)
	}

	if err := r.db.QueryRowContext(ctx, query, args...).Scan(&n.CreatedAt); err != nil {
		return domain.Notification{}, fmt.Errorf("insert notification: %w", err)
	}
	return n, nil
}
