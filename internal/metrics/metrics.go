// Package metrics exposes prometheus counters for relay activity. Everything
// registers on the default registry; the router serves it at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	EventsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hookrelay_events_captured_total",
		Help: "Webhook events accepted on the capture endpoint.",
	})

	WebhookSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookrelay_webhook_sends_total",
		Help: "Webhook messages fanned out to machine sockets, by result.",
	}, []string{"result"})

	DeliveryResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookrelay_delivery_results_total",
		Help: "Delivery reports relayed from machines, by status.",
	}, []string{"status"})

	PresenceTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "hookrelay_presence_transitions_total",
		Help: "Machine online/offline transitions broadcast to viewers.",
	}, []string{"status"})

	ConnectionsOpen = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "hookrelay_connections_open",
		Help: "Currently open relay sockets, by role.",
	}, []string{"role"})
)
