package archive

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for archive requests and the
// harvest loop driving them.
type Metrics struct {
	Registry            *prometheus.Registry
	RequestsTotal       *prometheus.CounterVec
	RequestDuration     *prometheus.HistogramVec
	ErrorsTotal         *prometheus.CounterVec
	SnapshotsProcessed  prometheus.Counter
	URLsDiscoveredTotal prometheus.Counter
	FlushesTotal        prometheus.Counter
	AttemptsTotal       *prometheus.CounterVec
}

// NewMetrics constructs and registers all metrics on a dedicated registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robots_history_requests_total",
			Help: "Total archive requests by kind (index or snapshot).",
		},
		[]string{"kind"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "robots_history_request_duration_seconds",
			Help:    "Archive request latency.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"kind"},
	)
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robots_history_errors_total",
			Help: "Failed archive requests by error type.",
		},
		[]string{"error_type"},
	)
	snapshots := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robots_history_snapshots_processed_total",
			Help: "Snapshots handled, whether or not content was retrieved.",
		},
	)
	discovered := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robots_history_urls_discovered_total",
			Help: "URLs appended to the output list.",
		},
	)
	flushes := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "robots_history_flushes_total",
			Help: "Batch flushes written to disk.",
		},
	)
	attempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "robots_history_attempts_total",
			Help: "Workflow attempts by outcome.",
		},
		[]string{"outcome"},
	)

	registry.MustRegister(requests, requestDuration, errorsTotal, snapshots, discovered, flushes, attempts)

	return &Metrics{
		Registry:            registry,
		RequestsTotal:       requests,
		RequestDuration:     requestDuration,
		ErrorsTotal:         errorsTotal,
		SnapshotsProcessed:  snapshots,
		URLsDiscoveredTotal: discovered,
		FlushesTotal:        flushes,
		AttemptsTotal:       attempts,
	}
}

// IncRequest increments the request counter for kind.
func (m *Metrics) IncRequest(kind string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(kind).Inc()
}

// ObserveDuration records a request duration for kind.
func (m *Metrics) ObserveDuration(kind string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.WithLabelValues(kind).Observe(d.Seconds())
}

// IncError increments the errors counter for a type label.
func (m *Metrics) IncError(errorType string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(errorType).Inc()
}

// IncSnapshots counts one processed snapshot.
func (m *Metrics) IncSnapshots() {
	if m == nil {
		return
	}
	m.SnapshotsProcessed.Inc()
}

// AddDiscovered counts n newly recorded URLs.
func (m *Metrics) AddDiscovered(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.URLsDiscoveredTotal.Add(float64(n))
}

// IncFlushes counts one batch flush.
func (m *Metrics) IncFlushes() {
	if m == nil {
		return
	}
	m.FlushesTotal.Inc()
}

// IncAttempt counts a workflow attempt with its outcome.
func (m *Metrics) IncAttempt(outcome string) {
	if m == nil {
		return
	}
	m.AttemptsTotal.WithLabelValues(outcome).Inc()
}
