package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validchat_http_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "validchat_http_request_duration_seconds",
			Help:    "HTTP request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	// Relay metrics
	SessionsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "validchat_sessions_active",
			Help: "Connected websocket sessions",
		},
		[]string{"namespace"},
	)

	HandshakeRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validchat_handshake_rejections_total",
			Help: "Websocket handshakes rejected as unauthorized",
		},
		[]string{"namespace"},
	)

	MessagesRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validchat_messages_relayed_total",
			Help: "Messages persisted and broadcast",
		},
		[]string{"sender"},
	)

	SendFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validchat_send_failures_total",
			Help: "Sends answered with message:error",
		},
		[]string{"namespace", "reason"}, // "validation", "persistence", "forbidden"
	)

	PersistDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "validchat_persist_duration_seconds",
			Help:    "Time spent appending a message through the persistence gateway",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		},
	)

	// Token issuance metrics
	TokensIssued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "validchat_tokens_issued_total",
			Help: "Socket tokens issued",
		},
		[]string{"kind"},
	)
)
