package storage

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SubscriptionScanner/internal/domain"
)

var subscriptionColumns = []string{
	"id", "user_id", "type_id", "prompts", "active",
	"match_limit", "frequency", "last_checked_at", "parser_url",
}

func newMockDB(t *testing.T) (*PostgresSubscriptions, *PostgresNotifications, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unfulfilled expectations: %v", err)
		}
		_ = db.Close()
	})
	return NewPostgresSubscriptions(db), NewPostgresNotifications(db), mock
}

func TestSubscriptionsGet(t *testing.T) {
	subs, _, mock := newMockDB(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM subscriptions s LEFT JOIN subscription_types t ON t.id = s.type_id WHERE s.id = $1")).
		WithArgs("sub-1").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns).
			AddRow("sub-1", "user-1", "boe", "{ley,decreto}", true, int64(3), "daily", ledgerNow, "http://analyzer/boe"))

	sub, err := subs.Get(context.Background(), "sub-1")
	require.NoError(t, err)

	assert.Equal(t, []string{"ley", "decreto"}, sub.Prompts)
	assert.Equal(t, 3, sub.MatchLimit)
	assert.Equal(t, domain.FrequencyDaily, sub.Frequency)
	assert.Equal(t, "http://analyzer/boe", sub.ParserURL)
	require.NotNil(t, sub.LastCheckedAt)
	assert.True(t, sub.Active)
}

func TestSubscriptionsGetWithoutType(t *testing.T) {
	subs, _, mock := newMockDB(t)

	mock.ExpectQuery("FROM subscriptions s").
		WithArgs("sub-2").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns).
			AddRow("sub-2", "user-1", "gone", "{}", true, nil, nil, nil, nil))

	sub, err := subs.Get(context.Background(), "sub-2")
	require.NoError(t, err)
	assert.Empty(t, sub.ParserURL)
	assert.Empty(t, sub.Frequency)
	assert.Nil(t, sub.LastCheckedAt)
}

func TestSubscriptionsGetNotFound(t *testing.T) {
	subs, _, mock := newMockDB(t)

	mock.ExpectQuery("FROM subscriptions s").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(subscriptionColumns))

	_, err := subs.Get(context.Background(), "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestSubscriptionsTouchLastChecked(t *testing.T) {
	subs, _, mock := newMockDB(t)

	mock.ExpectExec(regexp.QuoteMeta("UPDATE subscriptions SET last_checked_at = $1 WHERE id = $2")).
		WithArgs(ledgerNow, "sub-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE subscriptions").
		WillReturnError(errors.New("connection reset"))

	require.NoError(t, subs.TouchLastChecked(context.Background(), "sub-1", ledgerNow))
	require.ErrorContains(t, subs.TouchLastChecked(context.Background(), "sub-1", ledgerNow), "connection reset")
}
