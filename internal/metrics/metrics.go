// Package metrics exposes the node's Prometheus instrumentation,
// scraped via the admin endpoint's /metrics route.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/klppl/chainlog/internal/wire"
)

var (
	// SessionsTotal counts inbound connections accepted.
	SessionsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainlog_sessions_total",
		Help: "Total number of inbound sessions accepted",
	})

	// SessionsActive tracks currently running sessions.
	SessionsActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "chainlog_sessions_active",
		Help: "Current number of active sessions",
	})

	// SessionErrors counts sessions that terminated with an error.
	SessionErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainlog_session_errors_total",
		Help: "Total number of sessions that ended in an error",
	})

	// RequestsTotal counts handled requests by operation.
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "chainlog_requests_total",
		Help: "Total requests handled, by operation",
	}, []string{"op"})

	// DeliveriesTotal counts frames pushed to subscribers.
	DeliveriesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainlog_deliveries_total",
		Help: "Total delivery frames sent to subscribers",
	})

	// DownstreamErrors counts failed forwards to the next chain node.
	DownstreamErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "chainlog_downstream_errors_total",
		Help: "Total failed downstream forwards",
	})
)

// Register installs all collectors on reg. Call once at startup.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		SessionsTotal,
		SessionsActive,
		SessionErrors,
		RequestsTotal,
		DeliveriesTotal,
		DownstreamErrors,
	)
}

// OpLabel maps a wire operation code to its metric label.
func OpLabel(op byte) string {
	switch op {
	case wire.OpRead:
		return "read"
	case wire.OpWrite:
		return "write"
	case wire.OpSubscribe:
		return "subscribe"
	case wire.OpTruncate:
		return "truncate"
	default:
		return "unknown"
	}
}
