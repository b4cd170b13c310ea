// Package metrics provides Prometheus instrumentation for the channel
// server: connection counts, event throughput by kind, and fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of registered connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "corner_chat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// EventsTotal counts broadcast events by kind: "created", "edited",
	// "deleted", or "typing".
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corner_chat_events_total",
		Help: "Total number of channel events broadcast",
	}, []string{"kind"})

	// BroadcastDuration records how long one fan-out enqueue pass takes.
	BroadcastDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "corner_chat_broadcast_duration_seconds",
		Help:    "Time spent enqueueing one event onto all connections",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
	})

	// ConnectionsDropped counts connections evicted as slow consumers.
	ConnectionsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "corner_chat_connections_dropped_total",
		Help: "Connections dropped because their outbound queue overflowed",
	})

	// MutationFailures counts rejected edit/delete calls by reason:
	// "not_found", "forbidden", or "invalid".
	MutationFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "corner_chat_mutation_failures_total",
		Help: "Edit/delete mutations rejected by the message log",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		EventsTotal,
		BroadcastDuration,
		ConnectionsDropped,
		MutationFailures,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
