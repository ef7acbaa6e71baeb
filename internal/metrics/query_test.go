package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
)

func TestQueryMetrics_SharedTransformationHashProducesIdenticalSamples(t *testing.T) {
	m := NewQueryMetrics("test_query_metrics_shared")

	m.ObserveMaterialization("q1", 0.010)
	m.ObserveMaterialization("q2", 0.010)
	m.ObserveUpdate("q1", 0.002)
	m.ObserveUpdate("q2", 0.002)

	q1 := sampleCount(t, m.MaterializationServer, "q1")
	q2 := sampleCount(t, m.MaterializationServer, "q2")
	require.Equal(t, q1, q2)

	u1 := sampleCount(t, m.UpdateServer, "q1")
	u2 := sampleCount(t, m.UpdateServer, "q2")
	require.Equal(t, u1, u2)
}

func sampleCount(t *testing.T, vec *prometheus.SummaryVec, queryHash string) uint64 {
	t.Helper()
	m := &dto.Metric{}
	observer := vec.WithLabelValues(queryHash)
	collector, ok := observer.(prometheus.Metric)
	require.True(t, ok)
	require.NoError(t, collector.Write(m))
	return m.GetSummary().GetSampleCount()
}
