// Package metrics exposes the node's Prometheus instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai2ai_http_requests_total",
			Help: "Total HTTP requests received by the ingress pipeline",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ai2ai_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Envelope pipeline metrics
	EnvelopesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai2ai_envelopes_received_total",
			Help: "Total inbound envelopes, by type",
		},
		[]string{"type"},
	)

	EnvelopesRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai2ai_envelopes_rejected_total",
			Help: "Total inbound envelopes rejected by the security filter chain, by reason",
		},
		[]string{"reason"},
	)

	EnvelopesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai2ai_envelopes_sent_total",
			Help: "Total outbound envelopes attempted, by type",
		},
		[]string{"type"},
	)

	// Delivery engine metrics
	DeliveryAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai2ai_delivery_attempts_total",
			Help: "Total delivery attempts, by outcome",
		},
		[]string{"outcome"},
	)

	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ai2ai_circuit_breaker_state",
			Help: "Circuit breaker state per endpoint (0=closed, 1=half-open, 2=open)",
		},
		[]string{"endpoint"},
	)

	// Queue and DLQ metrics
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai2ai_queue_depth",
			Help: "Current number of entries in the persistent outbound queue",
		},
	)

	DeadLetterDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai2ai_dead_letter_depth",
			Help: "Current number of entries in the dead letter store",
		},
	)

	// Conversation and approval metrics
	PendingApprovals = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ai2ai_pending_approvals",
			Help: "Current number of unresolved pending approvals",
		},
	)

	ConversationTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai2ai_conversation_transitions_total",
			Help: "Total conversation state transitions, by target state",
		},
		[]string{"state"},
	)

	// Discovery and registry metrics
	DiscoveryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ai2ai_discovery_lookups_total",
			Help: "Total discovery lookups, by method and outcome",
		},
		[]string{"method", "outcome"},
	)
)
