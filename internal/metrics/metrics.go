// Package metrics exposes Prometheus instrumentation for the chat runtime.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector bundles every metric of the chat runtime. Registration happens on
// the injected registerer so tests can use isolated registries.
type Collector struct {
	JobsEnqueued    prometheus.Counter
	JobsCompleted   prometheus.Counter
	JobsFailed      prometheus.Counter
	JobsRejected    prometheus.Counter
	EventsPushed    prometheus.Counter
	PersistRetries  prometheus.Counter
	PersistFailures prometheus.Counter
	StreamTimeouts  prometheus.Counter

	QueueDepth    prometheus.Gauge
	JobsInFlight  prometheus.Gauge
	ActiveStreams prometheus.Gauge

	JobDuration prometheus.Histogram
}

// NewCollector creates and registers the chat runtime metrics.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		JobsEnqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_jobs_enqueued_total",
			Help: "Jobs accepted into the queue.",
		}),
		JobsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_jobs_completed_total",
			Help: "Jobs that finished with a done event.",
		}),
		JobsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_jobs_failed_total",
			Help: "Jobs that finished with an error event.",
		}),
		JobsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_jobs_rejected_total",
			Help: "Submissions rejected because the queue was full.",
		}),
		EventsPushed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_stream_events_pushed_total",
			Help: "Normalized events pushed into stream buffers.",
		}),
		PersistRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_retries_total",
			Help: "Retried persistence attempts.",
		}),
		PersistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_persist_failures_total",
			Help: "Persistence operations that exhausted their retries.",
		}),
		StreamTimeouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "chat_stream_timeouts_total",
			Help: "Relays that synthesized a timeout error.",
		}),
		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_queue_depth",
			Help: "Jobs currently waiting in the queue.",
		}),
		JobsInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_jobs_in_flight",
			Help: "Jobs currently executing.",
		}),
		ActiveStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "chat_active_streams",
			Help: "Open SSE relays.",
		}),
		JobDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "chat_job_duration_seconds",
			Help:    "Wall time of job execution.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
	}
	reg.MustRegister(
		c.JobsEnqueued, c.JobsCompleted, c.JobsFailed, c.JobsRejected,
		c.EventsPushed, c.PersistRetries, c.PersistFailures, c.StreamTimeouts,
		c.QueueDepth, c.JobsInFlight, c.ActiveStreams, c.JobDuration,
	)
	return c
}
