// Package metrics exposes Prometheus collectors for the relay. Labels are
// limited to event types and store operations so cardinality stays bounded
// regardless of how many users or conversations exist.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// ConnectionsActive gauges live websocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_connections_active",
		Help: "Current number of live websocket connections.",
	})

	// OnlineIdentities gauges identities with at least one live connection.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "relay_online_identities",
		Help: "Current number of identities with at least one live connection.",
	})

	// EventsReceived counts inbound client events by type.
	EventsReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_received_total",
		Help: "Inbound events received from clients.",
	}, []string{"type"})

	// EventsDelivered counts frames enqueued to connections by event type.
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_events_delivered_total",
		Help: "Outbound events enqueued to live connections.",
	}, []string{"type"})

	// DeliveriesDropped counts frames not delivered because the connection
	// was gone or its buffer was full.
	DeliveriesDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_deliveries_dropped_total",
		Help: "Outbound events dropped for stale or saturated connections.",
	})

	// OperationFailures counts failed router operations by error code.
	OperationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_operation_failures_total",
		Help: "Router operations that failed, by error code.",
	}, []string{"code"})

	// StoreRetries counts retried store calls by operation.
	StoreRetries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "relay_store_retries_total",
		Help: "Store calls retried after a transient failure.",
	}, []string{"op"})

	// TypingTimeouts counts typing indicators evicted by inactivity.
	TypingTimeouts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "relay_typing_timeouts_total",
		Help: "Typing indicators cleared by the inactivity timeout.",
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineIdentities,
		EventsReceived,
		EventsDelivered,
		DeliveriesDropped,
		OperationFailures,
		StoreRetries,
		TypingTimeouts,
	)
}
