package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PipelineMetrics contains metrics for the per-client-group view-sync
// coordinator: pipeline advancement, CVR flushes, and pipeline resets.
//
// All metrics follow the taxonomy:
// syncengine_pipeline_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	pm := NewPipelineMetrics("syncengine")
//	pm.AdvanceDurationSeconds.Observe(0.012)
//	pm.CVRFlushesTotal.WithLabelValues("success").Inc()
type PipelineMetrics struct {
	// AdvanceDurationSeconds tracks how long one driver.advance call takes.
	AdvanceDurationSeconds prometheus.Histogram

	// ChangesAppliedTotal counts row changes folded into CVR per advance.
	ChangesAppliedTotal prometheus.Counter

	// ResetPipelinesTotal counts ResetPipelinesSignal occurrences.
	ResetPipelinesTotal prometheus.Counter

	// CVRFlushesTotal counts CVR store flush attempts by outcome.
	CVRFlushesTotal *prometheus.CounterVec

	// CVRConflictsTotal counts optimistic version conflicts on flush.
	CVRConflictsTotal prometheus.Counter
}

// NewPipelineMetrics creates pipeline coordinator metrics.
func NewPipelineMetrics(namespace string) *PipelineMetrics {
	return &PipelineMetrics{
		AdvanceDurationSeconds: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "advance_duration_seconds",
			Help:      "Duration of one pipeline advance cycle",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}),

		ChangesAppliedTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "changes_applied_total",
			Help:      "Total number of row changes folded into a CVR across all advances",
		}),

		ResetPipelinesTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "reset_pipelines_total",
			Help:      "Total number of ResetPipelinesSignal occurrences",
		}),

		CVRFlushesTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "cvr_flushes_total",
				Help:      "Total number of CVR store flush attempts",
			},
			[]string{"outcome"}, // outcome: committed|conflict|error
		),

		CVRConflictsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "cvr_conflicts_total",
			Help:      "Total number of optimistic CVR version conflicts encountered on flush",
		}),
	}
}
