package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// TransportMetrics contains metrics for the WebSocket connection layer:
// connection lifecycle, poke delivery, and slow-consumer drops.
//
// All metrics follow the taxonomy:
// syncengine_transport_<subsystem>_<metric_name>_<unit>
type TransportMetrics struct {
	// HTTP metrics cover the inspector/health/metrics HTTP endpoints.
	HTTP *HTTPMetrics

	// ConnectionsActive is the number of currently connected clients.
	ConnectionsActive prometheus.Gauge

	// PokesSentTotal counts completed poke sequences by outcome.
	PokesSentTotal *prometheus.CounterVec

	// SlowConsumerDisconnectsTotal counts disconnects from a full outbound queue.
	SlowConsumerDisconnectsTotal prometheus.Counter
}

// NewTransportMetrics creates WebSocket transport metrics.
func NewTransportMetrics(namespace string) *TransportMetrics {
	return &TransportMetrics{
		HTTP: NewHTTPMetricsWithNamespace(namespace, "transport_http"),

		ConnectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "connections_active",
			Help:      "Number of currently connected WebSocket clients",
		}),

		PokesSentTotal: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "transport",
				Name:      "pokes_sent_total",
				Help:      "Total number of completed poke sequences sent to clients",
			},
			[]string{"outcome"}, // outcome: delivered|dropped
		),

		SlowConsumerDisconnectsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "transport",
			Name:      "slow_consumer_disconnects_total",
			Help:      "Total number of clients disconnected for a full outbound queue",
		}),
	}
}
