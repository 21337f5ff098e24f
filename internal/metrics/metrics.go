// Package metrics holds the pipeline's Prometheus instrumentation. All
// collectors are registered on a private registry so tests can create
// independent instances and nothing leaks into the global default registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every pipeline counter, gauge, and histogram.
type Metrics struct {
	registry *prometheus.Registry

	EventsReceived  prometheus.Counter
	EventsDropped   *prometheus.CounterVec // reason: ignored_host, ignored_path, sampled, malformed, buffer_full
	Duplicates      prometheus.Counter
	SanitizeFailed  prometheus.Counter
	BodiesTruncated prometheus.Counter
	StubsBuilt      prometheus.Counter
	StubBuildFailed prometheus.Counter

	EnqueueErrors prometheus.Counter
	QueueReadErrs prometheus.Counter
	DedupErrors   prometheus.Counter

	ApplySuccess prometheus.Counter
	ApplyRetried prometheus.Counter
	ApplyDLQ     prometheus.Counter
	Reclaimed    prometheus.Counter

	BackupWrites      prometheus.Counter
	BackupWriteErrors prometheus.Counter

	CircuitState prometheus.Gauge // 0=closed, 1=open, 2=half-open

	ProcessDuration prometheus.Histogram
	ApplyDuration   prometheus.Histogram
}

// New creates a Metrics instance with its own registry, including the
// standard Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: reg,

		EventsReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_events_received_total",
			Help: "Traffic events accepted by the ingest server.",
		}),
		EventsDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "meshmock_events_dropped_total",
			Help: "Traffic events dropped before processing, by reason.",
		}, []string{"reason"}),
		Duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_duplicates_total",
			Help: "Events discarded because their fingerprint was already seen.",
		}),
		SanitizeFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_sanitize_failed_total",
			Help: "Bodies replaced with the error sentinel during sanitization.",
		}),
		BodiesTruncated: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_bodies_truncated_total",
			Help: "Captured bodies truncated to the configured size limit.",
		}),
		StubsBuilt: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_stubs_built_total",
			Help: "Stub documents built and enqueued.",
		}),
		StubBuildFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_stub_build_failed_total",
			Help: "Captured pairs rejected by the stub builder.",
		}),

		EnqueueErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_enqueue_errors_total",
			Help: "Failed attempts to append a stub to the queue.",
		}),
		QueueReadErrs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_queue_read_errors_total",
			Help: "Failed queue reads in the applier loop.",
		}),
		DedupErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_dedup_backend_errors_total",
			Help: "Dedup index backend errors (fail-open).",
		}),

		ApplySuccess: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_apply_success_total",
			Help: "Stubs successfully registered with the mock server.",
		}),
		ApplyRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_apply_retried_total",
			Help: "Queue messages re-enqueued for retry after a transient failure.",
		}),
		ApplyDLQ: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_apply_dlq_total",
			Help: "Queue messages dead-lettered after exhausting retries.",
		}),
		Reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_reclaimed_total",
			Help: "Pending entries reclaimed from stalled consumers.",
		}),

		BackupWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_backup_writes_total",
			Help: "Stub backup files written.",
		}),
		BackupWriteErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "meshmock_backup_write_errors_total",
			Help: "Failed backup writes (best-effort, apply continues).",
		}),

		CircuitState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "meshmock_mock_server_circuit_state",
			Help: "Mock-server circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),

		ProcessDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshmock_process_duration_seconds",
			Help:    "Per-event time through sanitize, fingerprint, dedupe, build, enqueue.",
			Buckets: prometheus.DefBuckets,
		}),
		ApplyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "meshmock_apply_duration_seconds",
			Help:    "Per-message time through backup and mock-server registration.",
			Buckets: prometheus.DefBuckets,
		}),
	}

	reg.MustRegister(
		m.EventsReceived, m.EventsDropped, m.Duplicates, m.SanitizeFailed,
		m.BodiesTruncated, m.StubsBuilt, m.StubBuildFailed,
		m.EnqueueErrors, m.QueueReadErrs, m.DedupErrors,
		m.ApplySuccess, m.ApplyRetried, m.ApplyDLQ, m.Reclaimed,
		m.BackupWrites, m.BackupWriteErrors,
		m.CircuitState,
		m.ProcessDuration, m.ApplyDuration,
	)

	return m
}

// Handler returns the Prometheus text exposition handler for this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Snapshot returns the current value of every meshmock counter and gauge as a
// flat map for the control surface's /stats endpoint. Labeled series use
// "name{label=value}" keys; histograms are omitted.
func (m *Metrics) Snapshot() map[string]float64 {
	out := make(map[string]float64)
	families, err := m.registry.Gather()
	if err != nil {
		return out
	}
	for _, mf := range families {
		name := mf.GetName()
		if len(name) < 9 || name[:9] != "meshmock_" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			key := name
			for _, lp := range metric.GetLabel() {
				key += "{" + lp.GetName() + "=" + lp.GetValue() + "}"
			}
			switch {
			case metric.GetCounter() != nil:
				out[key] = metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				out[key] = metric.GetGauge().GetValue()
			}
		}
	}
	return out
}
