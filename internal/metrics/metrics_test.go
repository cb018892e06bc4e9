package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	promtest "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"SubscriptionScanner/internal/domain"
)

func TestNilMetricsRecordNothing(t *testing.T) {
	var m *Metrics

	m.ObserveJob("boe", domain.OutcomeSuccess, time.Second)
	m.AnalyzerAttempt("ok")
	m.NotificationCreated()
	m.NotificationError(StageInsert)
	m.DeadLettered()
	m.SetLedgerStats(domain.LedgerStats{domain.StatusPending: 1})

	assert.Nil(t, m.Registry())
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCountersAndGauges(t *testing.T) {
	m := New()

	m.ObserveJob("boe", domain.OutcomeSuccess, 2*time.Second)
	m.ObserveJob("boe", domain.OutcomeError, time.Second)
	m.AnalyzerAttempt("retryable")
	m.AnalyzerAttempt("retryable")
	m.NotificationCreated()
	m.NotificationError(StagePublish)
	m.DeadLettered()
	m.SetLedgerStats(domain.LedgerStats{domain.StatusPending: 4, domain.StatusCompleted: 2})

	assert.InDelta(t, 1, promtest.ToFloat64(m.Jobs.WithLabelValues("boe", "success")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.Jobs.WithLabelValues("boe", "error")), 0)
	assert.InDelta(t, 2, promtest.ToFloat64(m.AnalyzerAttempts.WithLabelValues("retryable")), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.NotificationsCreated), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.NotificationErrors.WithLabelValues(StagePublish)), 0)
	assert.InDelta(t, 1, promtest.ToFloat64(m.DeadLetters), 0)
	assert.InDelta(t, 4, promtest.ToFloat64(m.LedgerRecords.WithLabelValues("pending")), 0)
	assert.InDelta(t, 0, promtest.ToFloat64(m.LedgerRecords.WithLabelValues("failed")), 0)
	assert.Equal(t, 2, promtest.CollectAndCount(m.JobDuration))
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.DeadLettered()

	srv := httptest.NewServer(m.Handler())
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.True(t, strings.Contains(string(body), "subscription_scanner_dead_letters_total 1"))
}

func TestInstancesAreIndependent(t *testing.T) {
	a, b := New(), New()
	a.NotificationCreated()

	assert.InDelta(t, 0, promtest.ToFloat64(b.NotificationsCreated), 0)
}
