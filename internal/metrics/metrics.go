// Package metrics provides Prometheus instrumentation for the lobby. It
// exposes gauges for connections and online identities, counters for message
// and presence throughput, and histograms for append latency and catch-up
// batch sizes.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsTotal tracks the current number of active WebSocket connections.
	ConnectionsTotal = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_connections_total",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineIdentities tracks the number of identities with a live session.
	OnlineIdentities = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "lobby_online_identities",
		Help: "Current number of identities present in the room",
	})

	// MessagesTotal counts messages processed, labeled by type: "sent",
	// "delivered", "dropped_empty" or "rejected".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_messages_total",
		Help: "Total number of chat messages processed",
	}, []string{"type"})

	// PresenceTransitions counts joined/left diffs emitted by the registry.
	PresenceTransitions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "lobby_presence_transitions_total",
		Help: "Presence transitions emitted by the registry",
	}, []string{"kind"})

	// BroadcastEvictions counts subscribers evicted for falling behind.
	BroadcastEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "lobby_broadcast_evictions_total",
		Help: "Subscribers evicted because their mailbox overflowed",
	})

	// AppendLatency records the time spent persisting a message.
	AppendLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lobby_append_latency_seconds",
		Help:    "Message append latency in seconds",
		Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	})

	// CatchUpSize records how many messages a reconnecting session replayed.
	CatchUpSize = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "lobby_catch_up_messages",
		Help:    "Messages delivered by reconnect catch-up",
		Buckets: []float64{0, 1, 5, 10, 50, 100, 500, 1000},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsTotal,
		OnlineIdentities,
		MessagesTotal,
		PresenceTransitions,
		BroadcastEvictions,
		AppendLatency,
		CatchUpSize,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
