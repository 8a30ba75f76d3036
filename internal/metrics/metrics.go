// Package metrics provides Prometheus instrumentation for the chat relay.
// It exposes gauges for connection and room counts, counters for event and
// delivery throughput, and a histogram for fan-out latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// RoomsOccupied tracks the number of rooms with at least one member.
	RoomsOccupied = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "parley_rooms_occupied",
		Help: "Current number of rooms with at least one member",
	})

	// EventsTotal counts inbound client events, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_events_total",
		Help: "Total number of inbound client events processed",
	}, []string{"type"})

	// DeliveriesTotal counts outbound deliveries to recipient connections,
	// labeled by event type: "message" or "typing".
	DeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "parley_deliveries_total",
		Help: "Total number of events delivered to recipient connections",
	}, []string{"type"})

	// DroppedEventsTotal counts events dropped as malformed or unroutable.
	DroppedEventsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "parley_dropped_events_total",
		Help: "Total number of events dropped as malformed or unroutable",
	})

	// FanoutDuration records how long a message fan-out took in seconds.
	FanoutDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "parley_fanout_duration_seconds",
		Help:    "Message fan-out duration in seconds",
		Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		RoomsOccupied,
		EventsTotal,
		DeliveriesTotal,
		DroppedEventsTotal,
		FanoutDuration,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
