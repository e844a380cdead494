package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ClientMetrics mirrors the shape used for every outbound integration this
// worker talks to (object store, queue, database): a retry gauge, a failure
// counter, and a request-duration histogram, all broken down by host.
type ClientMetrics struct {
	RetryCount      *prometheus.GaugeVec
	FailureCount    *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
}

func newClientMetrics(prefix string, extraLabels ...string) ClientMetrics {
	labels := append([]string{"host"}, extraLabels...)
	return ClientMetrics{
		RetryCount: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: prefix + "_retry_count",
			Help: "The number of retried " + prefix + " requests",
		}, labels),
		FailureCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: prefix + "_failure_count",
			Help: "The total number of failed " + prefix + " requests",
		}, labels),
		RequestDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    prefix + "_request_duration_seconds",
			Help:    "Time taken to complete " + prefix + " requests",
			Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		}, labels),
	}
}

// WorkerMetrics is the process-wide registry of fire-and-forget counters the
// spec calls for: zero-artifact invariants, retry exhaustion, repeated
// NotReady escalations, and unclassified exceptions, plus the supporting
// client-level metrics for each outbound integration.
type WorkerMetrics struct {
	Version prometheus.Counter

	MessagesReceived  prometheus.Counter
	MessagesDeleted   *prometheus.CounterVec
	MessagesRequeued  *prometheus.CounterVec
	JobsInFlight      prometheus.Gauge
	CriticalSessions  prometheus.Gauge
	NotReadyCount     *prometheus.CounterVec
	ZeroArtifacts     *prometheus.CounterVec
	LockSkipped       *prometheus.CounterVec
	RetryExhausted    *prometheus.CounterVec
	UnhandledErrors   *prometheus.CounterVec
	FlagAdvanceErrors *prometheus.CounterVec
	PipelineDuration  *prometheus.HistogramVec

	QueueClient       ClientMetrics
	ObjectStoreClient ClientMetrics
	RepositoryClient  ClientMetrics
	TaskProtection    ClientMetrics
}

var Metrics = NewWorkerMetrics()

func NewWorkerMetrics() *WorkerMetrics {
	return &WorkerMetrics{
		Version: promauto.NewCounter(prometheus.CounterOpts{
			Name: "version",
			Help: "Current version that's running. Incremented once on app startup.",
		}),
		MessagesReceived: promauto.NewCounter(prometheus.CounterOpts{
			Name: "queue_messages_received_total",
			Help: "Total number of queue messages received",
		}),
		MessagesDeleted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_messages_deleted_total",
			Help: "Total number of queue messages deleted, by outcome",
		}, []string{"outcome"}),
		MessagesRequeued: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "queue_messages_requeued_total",
			Help: "Total number of queue messages requeued, by reason",
		}, []string{"reason"}),
		JobsInFlight: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "jobs_in_flight",
			Help: "Number of messages currently being processed",
		}),
		CriticalSessions: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "critical_sessions",
			Help: "Current task-protection refcount",
		}),
		NotReadyCount: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "not_ready_count_exceeded_total",
			Help: "Number of times an episode exceeded the NotReady retry budget and was dropped",
		}, []string{"episode_id"}),
		ZeroArtifacts: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "zero_artifacts_total",
			Help: "Number of times a category was marked done upstream but produced zero rows",
		}, []string{"category", "episode_id"}),
		LockSkipped: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "advisory_lock_skipped_total",
			Help: "Number of writes skipped because the advisory lock was already held",
		}, []string{"scope"}),
		RetryExhausted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "retry_exhausted_total",
			Help: "Number of operations that exhausted their retry budget",
		}, []string{"operation"}),
		UnhandledErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "unhandled_exceptions_total",
			Help: "Number of unhandled exceptions surfaced while processing an episode",
		}, []string{"episode_id"}),
		FlagAdvanceErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "update_processing_flags_failure_total",
			Help: "Number of times advancing processing flags failed after retries",
		}, []string{"episode_id"}),
		PipelineDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "episode_pipeline_duration_seconds",
			Help:    "Time taken to process one message end to end",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"outcome"}),

		QueueClient:       newClientMetrics("queue_client"),
		ObjectStoreClient: newClientMetrics("object_store_client", "operation", "bucket"),
		RepositoryClient:  newClientMetrics("repository_client", "scope"),
		TaskProtection:    newClientMetrics("task_protection_client"),
	}
}
