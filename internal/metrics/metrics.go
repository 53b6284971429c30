// Package metrics provides Prometheus instrumentation for the chat server.
// It exposes gauges for connection and presence counts, counters for event
// and message throughput, and a histogram for delivery fan-out.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chitchat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// OnlineUsers tracks the current number of users with at least one connection.
	OnlineUsers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chitchat_online_users",
		Help: "Current number of users with at least one open connection",
	})

	// EventsTotal counts client events processed, labeled by event type.
	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chitchat_events_total",
		Help: "Total number of client events processed",
	}, []string{"type"})

	// MessagesTotal counts direct messages processed, labeled by result:
	// "delivered", "stored", "blocked", "rate_limited", or "invalid".
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chitchat_messages_total",
		Help: "Total number of direct messages processed",
	}, []string{"result"})

	// RelayPublishesTotal counts frames published to the cross-instance
	// relay, labeled by scope: "broadcast" or "user".
	RelayPublishesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chitchat_relay_publishes_total",
		Help: "Total number of frames published to the cross-instance relay",
	}, []string{"scope"})

	// FanoutConnections records how many recipient connections each delivered
	// message fanned out to.
	FanoutConnections = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "chitchat_fanout_connections",
		Help:    "Recipient connections per delivered message",
		Buckets: []float64{0, 1, 2, 3, 5, 8, 13},
	})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		OnlineUsers,
		EventsTotal,
		MessagesTotal,
		RelayPublishesTotal,
		FanoutConnections,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
