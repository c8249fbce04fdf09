package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics collects orchestrator-level Prometheus metrics.
//
// The counters track the session lifecycle end to end: admissions (and the
// quota decisions behind them), outbound message volume, completion-engine
// failures, and voice deliveries. ActiveSessions feeds capacity planning and
// mirrors what the presence broadcaster reflects externally.
type Metrics struct {
	// SessionsAdmitted counts admitted sessions.
	// Labels: surface (text|thread|dm)
	SessionsAdmitted *prometheus.CounterVec

	// SessionsDeclined counts sessions not admitted.
	// Labels: reason (quota_declined|quota_timeout)
	SessionsDeclined *prometheus.CounterVec

	// SessionsFailed counts sessions that ended with a user-visible error.
	// Labels: stage (completion|gateway)
	SessionsFailed *prometheus.CounterVec

	// MessagesEmitted counts outbound sends and edits.
	// Labels: kind (send|edit|delete)
	MessagesEmitted *prometheus.CounterVec

	// ThreadsArchived counts quota-driven archive operations.
	ThreadsArchived prometheus.Counter

	// VoiceDeliveries counts voice pipeline outcomes.
	// Labels: outcome (played|skipped|rejected|failed)
	VoiceDeliveries *prometheus.CounterVec

	// StoreFlushes counts persistence flushes.
	// Labels: status (success|error)
	StoreFlushes *prometheus.CounterVec

	// ActiveSessions tracks concurrently running sessions.
	ActiveSessions prometheus.Gauge

	// CompletionDuration measures completion-engine call latency in seconds.
	// Buckets: 0.5s .. 120s
	CompletionDuration prometheus.Histogram
}

// NewMetrics creates and registers all metrics with reg. Pass a fresh
// prometheus.NewRegistry() in tests to avoid duplicate registration.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsAdmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_sessions_admitted_total",
				Help: "Sessions admitted by the registry",
			},
			[]string{"surface"},
		),
		SessionsDeclined: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_sessions_declined_total",
				Help: "Sessions not admitted, by reason",
			},
			[]string{"reason"},
		),
		SessionsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_sessions_failed_total",
				Help: "Sessions that ended with a user-visible error",
			},
			[]string{"stage"},
		),
		MessagesEmitted: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_messages_emitted_total",
				Help: "Outbound gateway operations by kind",
			},
			[]string{"kind"},
		),
		ThreadsArchived: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "threadkeeper_threads_archived_total",
				Help: "Threads archived by the quota overflow flow",
			},
		),
		VoiceDeliveries: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_voice_deliveries_total",
				Help: "Voice delivery pipeline outcomes",
			},
			[]string{"outcome"},
		),
		StoreFlushes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "threadkeeper_store_flushes_total",
				Help: "Persistent store flushes by status",
			},
			[]string{"status"},
		),
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "threadkeeper_active_sessions",
				Help: "Sessions currently being answered",
			},
		),
		CompletionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "threadkeeper_completion_duration_seconds",
				Help:    "Duration of completion-engine calls in seconds",
				Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
			},
		),
	}
}

// Handler returns an HTTP handler serving the metrics of reg.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
