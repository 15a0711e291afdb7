// Package metrics holds the Prometheus collectors exported by the server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Connection metrics
var (
	ConnectionsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glomail_connections_total",
			Help: "Total number of connections accepted",
		},
	)

	ConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glomail_connections_current",
			Help: "Current number of open connections",
		},
	)

	AuthenticatedConnectionsCurrent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "glomail_authenticated_connections_current",
			Help: "Current number of authenticated connections",
		},
	)

	TransportErrorsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glomail_transport_errors_total",
			Help: "Connections dropped because of a read, write or framing failure",
		},
	)
)

// Request metrics
var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glomail_requests_total",
			Help: "Total number of requests handled, by header and result",
		},
		[]string{"header", "result"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "glomail_request_duration_seconds",
			Help:    "Time spent handling a request on the event loop",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0},
		},
		[]string{"header"},
	)

	AuthenticationAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glomail_authentication_attempts_total",
			Help: "Total number of login and registration attempts",
		},
		[]string{"kind", "result"},
	)
)

// Delivery metrics
var (
	DeliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "glomail_deliveries_total",
			Help: "Routing outcomes of sent messages",
		},
		[]string{"outcome"},
	)

	DeliveredBytes = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "glomail_delivered_bytes_total",
			Help: "Serialized bytes written to local inboxes",
		},
	)
)

// Delivery outcome labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeLost      = "lost"
	OutcomeExternal  = "external"
	OutcomeMalformed = "malformed"
	OutcomeFailed    = "failed"
)

// Request result labels.
const (
	ResultOK    = "ok"
	ResultError = "error"
)
