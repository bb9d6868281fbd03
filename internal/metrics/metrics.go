// Package metrics exposes the bridge's Prometheus instrumentation.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/autobridge/autobridge/registry"
)

var (
	// ActiveConnections tracks the number of live registered connections.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "autobridge",
		Name:      "active_connections",
		Help:      "Number of currently registered connections.",
	})

	// MessagesTotal counts inbound frames by envelope type.
	MessagesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autobridge",
		Name:      "messages_total",
		Help:      "Inbound protocol messages by envelope type.",
	}, []string{"type"})

	// SecurityDenialsTotal counts admission denials by checkpoint.
	SecurityDenialsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "autobridge",
		Name:      "security_denials_total",
		Help:      "Messages and connections denied by the security gate.",
	}, []string{"checkpoint"})

	// BroadcastDeliveriesTotal counts envelopes delivered through fan-out.
	BroadcastDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autobridge",
		Name:      "broadcast_deliveries_total",
		Help:      "Envelopes delivered to peers via notification fan-out.",
	})

	// ParseFailuresTotal counts frames that failed envelope decoding.
	ParseFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "autobridge",
		Name:      "parse_failures_total",
		Help:      "Inbound frames rejected as malformed JSON or invalid envelopes.",
	})
)

// HTTPHandler serves the metrics endpoint.
func HTTPHandler() http.Handler {
	return promhttp.Handler()
}

// ConnectionGauge adapts ActiveConnections to the registry listener
// interface so the gauge tracks register/unregister events.
type ConnectionGauge struct{}

func (ConnectionGauge) ClientConnected(connID string, identity registry.ClientIdentity) {
	ActiveConnections.Inc()
}

func (ConnectionGauge) ClientDisconnected(connID string, identity registry.ClientIdentity) {
	ActiveConnections.Dec()
}
