// Package metrics holds the per-queryHash sample distributions the
// Inspector's metrics and queries ops report on, per spec §4.6.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// digestObjectives approximates a t-digest's quantile summary with a fixed
// set of tracked quantiles, the standard Prometheus substitute for a true
// streaming digest.
var digestObjectives = map[float64]float64{
	0.5:  0.05,
	0.9:  0.01,
	0.99: 0.001,
}

// QueryMetrics tracks the two global sample sets the Inspector exposes:
// time to materialize a query's initial hydration, and time to fold one
// advance's worth of changes through it.
type QueryMetrics struct {
	MaterializationServer *prometheus.SummaryVec
	UpdateServer          *prometheus.SummaryVec
}

// NewQueryMetrics creates the query-materialization-server and
// query-update-server summaries, labeled by queryHash so that two
// queryHashes sharing a transformationHash can be compared for identical
// sample sets (scenario S2).
func NewQueryMetrics(namespace string) *QueryMetrics {
	return &QueryMetrics{
		MaterializationServer: promauto.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  namespace,
				Subsystem:  "inspector",
				Name:       "query_materialization_server_seconds",
				Help:       "Time to hydrate a query's initial result set against a snapshot",
				Objectives: digestObjectives,
			},
			[]string{"query_hash"},
		),
		UpdateServer: promauto.NewSummaryVec(
			prometheus.SummaryOpts{
				Namespace:  namespace,
				Subsystem:  "inspector",
				Name:       "query_update_server_seconds",
				Help:       "Time to fold one advance's changes through a query's pipeline",
				Objectives: digestObjectives,
			},
			[]string{"query_hash"},
		),
	}
}

// ObserveMaterialization records one hydration's elapsed time for queryHash.
func (m *QueryMetrics) ObserveMaterialization(queryHash string, seconds float64) {
	if m == nil {
		return
	}
	m.MaterializationServer.WithLabelValues(queryHash).Observe(seconds)
}

// ObserveUpdate records one advance's elapsed time for queryHash.
func (m *QueryMetrics) ObserveUpdate(queryHash string, seconds float64) {
	if m == nil {
		return
	}
	m.UpdateServer.WithLabelValues(queryHash).Observe(seconds)
}
