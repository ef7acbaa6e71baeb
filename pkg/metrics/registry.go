// Package metrics provides centralized metrics management for the sync
// engine.
//
// This package implements a unified taxonomy for Prometheus metrics:
//   - Pipeline metrics: driver advancement, CVR flushes, pipeline resets
//   - Transport metrics: HTTP/WebSocket connections, poke delivery
//   - Infrastructure metrics: database, cache, repositories
//
// All metrics follow the naming convention:
// syncengine_<category>_<subsystem>_<metric_name>_<unit>
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Pipeline().ChangesAppliedTotal.Inc()
//	registry.Infra().DB.ConnectionsActive.Set(42)
package metrics

import (
	"sync"
)

// MetricCategory represents the category of a metric.
type MetricCategory string

const (
	// CategoryPipeline represents pipeline-level metrics (advancement, CVR, resets)
	CategoryPipeline MetricCategory = "pipeline"

	// CategoryTransport represents transport metrics (HTTP, WebSocket connections, pokes)
	CategoryTransport MetricCategory = "transport"

	// CategoryInfra represents infrastructure metrics (database, cache, repositories)
	CategoryInfra MetricCategory = "infra"
)

// MetricsRegistry is the central registry for all Prometheus metrics.
// Provides organized access to metrics by category (Pipeline, Transport, Infra).
//
// This is a simplified registry design (vs. full validation/map approach)
// for better maintainability and performance.
//
// Usage:
//
//	registry := metrics.DefaultRegistry()
//	registry.Pipeline().ChangesAppliedTotal.Inc()
//
// Thread-safe: All Prometheus metrics are thread-safe by design.
// Singleton: Use DefaultRegistry() to get the global instance.
type MetricsRegistry struct {
	namespace string

	// Category managers (lazy-initialized)
	pipeline  *PipelineMetrics
	transport *TransportMetrics
	infra     *InfraMetrics

	// Separate sync.Once for each category for true lazy initialization
	pipelineOnce  sync.Once
	transportOnce sync.Once
	infraOnce     sync.Once
}

var (
	// Global singleton registry instance
	defaultRegistry     *MetricsRegistry
	defaultRegistryOnce sync.Once
)

// DefaultRegistry returns the global singleton MetricsRegistry.
// Safe for concurrent use. Initialized once on first call.
//
// Example:
//
//	registry := metrics.DefaultRegistry()
//	registry.Infra().DB.ConnectionsActive.Set(10)
func DefaultRegistry() *MetricsRegistry {
	defaultRegistryOnce.Do(func() {
		defaultRegistry = NewMetricsRegistry("syncengine")
	})
	return defaultRegistry
}

// NewMetricsRegistry creates a new MetricsRegistry with the specified namespace.
// For most use cases, use DefaultRegistry() instead of calling this directly.
//
// Parameters:
//   - namespace: The Prometheus namespace for all metrics (typically "syncengine")
//
// Returns:
//   - *MetricsRegistry: A new registry instance
func NewMetricsRegistry(namespace string) *MetricsRegistry {
	if namespace == "" {
		namespace = "syncengine"
	}

	return &MetricsRegistry{
		namespace: namespace,
	}
}

// Pipeline returns the Pipeline metrics manager.
// Lazy-initialized on first access.
//
// Pipeline metrics include:
//   - Advance duration and change counts
//   - Pipeline resets (ResetPipelinesSignal)
//   - CVR flush outcomes and conflicts
//
// Example:
//
//	registry.Pipeline().AdvanceDurationSeconds.Observe(0.01)
//	registry.Pipeline().CVRConflictsTotal.Inc()
func (r *MetricsRegistry) Pipeline() *PipelineMetrics {
	r.pipelineOnce.Do(func() {
		r.pipeline = NewPipelineMetrics(r.namespace)
	})
	return r.pipeline
}

// Transport returns the Transport metrics manager.
// Lazy-initialized on first access.
//
// Transport metrics include:
//   - HTTP requests (count, duration, size)
//   - WebSocket connection lifecycle
//   - Poke delivery and slow-consumer disconnects
//
// Example:
//
//	registry.Transport().PokesSentTotal.WithLabelValues("delivered").Inc()
//	registry.Transport().ConnectionsActive.Inc()
func (r *MetricsRegistry) Transport() *TransportMetrics {
	r.transportOnce.Do(func() {
		r.transport = NewTransportMetrics(r.namespace)
	})
	return r.transport
}

// Infra returns the Infrastructure metrics manager.
// Lazy-initialized on first access.
//
// Infrastructure metrics include:
//   - Database (connections, queries, errors) — the CVR SQLite/Postgres store
//   - Cache (hits, misses, evictions) — the TTL clock's Redis index
//   - Repository (query duration, errors, results) — replica snapshot reads
//
// Example:
//
//	registry.Infra().DB.ConnectionsActive.Set(42)
//	registry.Infra().Repository.QueryDurationSeconds.WithLabelValues("InspectQueries", "success").Observe(0.05)
func (r *MetricsRegistry) Infra() *InfraMetrics {
	r.infraOnce.Do(func() {
		r.infra = NewInfraMetrics(r.namespace)
	})
	return r.infra
}

// Namespace returns the configured namespace for this registry.
//
// Returns:
//   - string: The Prometheus namespace (e.g., "syncengine")
func (r *MetricsRegistry) Namespace() string {
	return r.namespace
}

// ValidateMetricName validates a metric name against naming conventions.
// Currently a placeholder for future validation logic.
//
// Naming convention:
// <namespace>_<category>_<subsystem>_<metric_name>_<unit>
//
// Examples:
// ✅ syncengine_pipeline_advance_duration_seconds
// ✅ syncengine_transport_connections_active
// ✅ syncengine_infra_db_connections_active
// ❌ advance_duration (missing namespace)
// ❌ syncengine_advance_duration (missing category/subsystem)
//
// Parameters:
//   - name: The metric name to validate
//
// Returns:
//   - error: nil if valid, error describing the problem otherwise
func (r *MetricsRegistry) ValidateMetricName(name string) error {
	return nil
}
