package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

// NewWorkerMetrics registers every collector with the default Prometheus
// registry via promauto, so these tests exercise the package-level Metrics
// singleton rather than constructing a second instance (which would panic on
// duplicate registration).

func TestZeroArtifactsCounterIncrementsByLabel(t *testing.T) {
	before := testutil.ToFloat64(Metrics.ZeroArtifacts.WithLabelValues("quotes_unexpected", "E-metrics-1"))
	Metrics.ZeroArtifacts.WithLabelValues("quotes_unexpected", "E-metrics-1").Inc()
	after := testutil.ToFloat64(Metrics.ZeroArtifacts.WithLabelValues("quotes_unexpected", "E-metrics-1"))
	require.Equal(t, before+1, after)
}

func TestNotReadyCountExceededIncrementsPerEpisode(t *testing.T) {
	before := testutil.ToFloat64(Metrics.NotReadyCount.WithLabelValues("E-metrics-2"))
	Metrics.NotReadyCount.WithLabelValues("E-metrics-2").Inc()
	after := testutil.ToFloat64(Metrics.NotReadyCount.WithLabelValues("E-metrics-2"))
	require.Equal(t, before+1, after)
}

func TestCriticalSessionsGaugeTracksSet(t *testing.T) {
	Metrics.CriticalSessions.Set(3)
	require.Equal(t, float64(3), testutil.ToFloat64(Metrics.CriticalSessions))
	Metrics.CriticalSessions.Set(0)
	require.Equal(t, float64(0), testutil.ToFloat64(Metrics.CriticalSessions))
}

func TestClientMetricsPerIntegrationAreDistinct(t *testing.T) {
	Metrics.ObjectStoreClient.FailureCount.WithLabelValues("host-a", "upload", "bucket-a").Inc()
	Metrics.RepositoryClient.FailureCount.WithLabelValues("host-b", "episode").Inc()

	require.Equal(t, float64(1), testutil.ToFloat64(Metrics.ObjectStoreClient.FailureCount.WithLabelValues("host-a", "upload", "bucket-a")))
	require.Equal(t, float64(1), testutil.ToFloat64(Metrics.RepositoryClient.FailureCount.WithLabelValues("host-b", "episode")))
}

func TestPipelineDurationObservesByOutcome(t *testing.T) {
	Metrics.PipelineDuration.WithLabelValues("success").Observe(1.5)
	count := testutil.CollectAndCount(Metrics.PipelineDuration, "episode_pipeline_duration_seconds")
	require.Greater(t, count, 0)
}
