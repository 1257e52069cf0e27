// Package metrics provides Prometheus instrumentation for the chat backend.
// It exposes gauges for connection counts, counters for message intake and
// moderation outcomes, and histograms for moderation latency.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ConnectionsActive tracks the current number of active WebSocket connections.
	ConnectionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gatechat_connections_active",
		Help: "Current number of active WebSocket connections",
	})

	// MessagesTotal counts messages by pipeline outcome: "queued" at intake,
	// then one of "approved", "rejected", "skipped", "failed" from the worker.
	MessagesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatechat_messages_total",
		Help: "Total number of messages by pipeline outcome",
	}, []string{"outcome"})

	// ModerationLatency records end-to-end moderation time per work unit in
	// seconds, labeled by the provider that produced the verdict.
	ModerationLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "gatechat_moderation_latency_seconds",
		Help:    "Moderation processing latency in seconds",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	}, []string{"provider"})

	// ModerationRetries counts redeliveries of moderation work units.
	ModerationRetries = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatechat_moderation_retries_total",
		Help: "Total number of moderation work unit redeliveries",
	})

	// ModerationExhausted counts work units that used every delivery attempt
	// without reaching a verdict. These messages stay PENDING and need
	// operator attention.
	ModerationExhausted = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gatechat_moderation_exhausted_total",
		Help: "Total number of work units that exhausted all delivery attempts",
	})

	// EventsDelivered counts delivery events pushed to clients, labeled by
	// kind: "broadcast" or "rejection".
	EventsDelivered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gatechat_events_delivered_total",
		Help: "Total number of delivery events written to WebSocket clients",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		ConnectionsActive,
		MessagesTotal,
		ModerationLatency,
		ModerationRetries,
		ModerationExhausted,
		EventsDelivered,
	)
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
