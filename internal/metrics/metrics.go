// Package metrics exports Prometheus instrumentation for the dispatch pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"SubscriptionScanner/internal/domain"
)

const namespace = "subscription_scanner"

// Notification error stages.
const (
	StageInsert     = "insert"
	StagePublish    = "publish"
	StageDeadLetter = "dead_letter"
)

// Metrics holds all pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	Jobs                 *prometheus.CounterVec
	JobDuration          *prometheus.HistogramVec
	AnalyzerAttempts     *prometheus.CounterVec
	NotificationsCreated prometheus.Counter
	NotificationErrors   *prometheus.CounterVec
	DeadLetters          prometheus.Counter
	LedgerRecords        *prometheus.GaugeVec
}

// New registers every collector on a dedicated registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Jobs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Subscription jobs finished, by subscription type and outcome",
		}, []string{"type", "outcome"}),
		JobDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of one subscription job from claim to finalize",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"outcome"}),
		AnalyzerAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "analyzer_attempts_total",
			Help:      "Analyzer calls by result (ok, retryable, fatal, circuit_open)",
		}, []string{"result"}),
		NotificationsCreated: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_created_total",
			Help:      "Notifications persisted by fan-out",
		}),
		NotificationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_errors_total",
			Help:      "Fan-out failures by stage",
		}, []string{"stage"}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dead_letters_total",
			Help:      "Events re-routed to the dead-letter topic",
		}),
		LedgerRecords: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ledger_records",
			Help:      "Processing records per status",
		}, []string{"status"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveJob(typeKey string, outcome domain.Outcome, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(typeKey, string(outcome)).Inc()
	m.JobDuration.WithLabelValues(string(outcome)).Observe(elapsed.Seconds())
}

func (m *Metrics) AnalyzerAttempt(result string) {
	if m == nil {
		return
	}
	m.AnalyzerAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) NotificationCreated() {
	if m == nil {
		return
	}
	m.NotificationsCreated.Inc()
}

func (m *Metrics) NotificationError(stage string) {
	if m == nil {
		return
	}
	m.NotificationErrors.WithLabelValues(stage).Inc()
}

func (m *Metrics) DeadLettered() {
	if m == nil {
		return
	}
	m.DeadLetters.Inc()
}

// SetLedgerStats replaces the per-status gauges with stats.
func (m *Metrics) SetLedgerStats(stats domain.LedgerStats) {
	if m == nil {
		return
	}
	for _, status := range domain.AllStatuses {
		m.LedgerRecords.WithLabelValues(string(status)).Set(float64(stats[status]))
	}
}
