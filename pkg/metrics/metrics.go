package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Fleet metrics
	BranchesConnected = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "branchline_branches_connected",
			Help: "Number of branches with a connected session",
		},
	)

	SessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "branchline_session_state",
			Help: "Current session state per branch (1 = in this state)",
		},
		[]string{"branch", "state"},
	)

	BranchHealth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "branchline_branch_health",
			Help: "Current health state per branch (1 = in this state)",
		},
		[]string{"branch", "state"},
	)

	// Reconnection metrics
	ReconnectAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchline_reconnect_attempts_total",
			Help: "Total reconnect attempts by branch",
		},
		[]string{"branch"},
	)

	FailoversTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchline_failovers_total",
			Help: "Total failover cycles by branch",
		},
		[]string{"branch"},
	)

	// Health probe metrics
	HealthChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchline_health_checks_total",
			Help: "Total health probes by result",
		},
		[]string{"result"},
	)

	// Messaging metrics
	InboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchline_inbound_messages_total",
			Help: "Total inbound messages routed by branch",
		},
		[]string{"branch"},
	)

	OutboundMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchline_outbound_messages_total",
			Help: "Total outbound messages sent by branch and status",
		},
		[]string{"branch", "status"},
	)

	RouterDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "branchline_router_dropped_total",
			Help: "Inbound messages dropped because the router queue was full",
		},
	)

	// Event broker metrics
	PublishedEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchline_published_events_total",
			Help: "Total fleet events published by type",
		},
		[]string{"type"},
	)

	DroppedEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "branchline_dropped_events_total",
			Help: "Events evicted from slow subscriber buffers",
		},
	)

	// Credential store metrics
	CredstoreOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "branchline_credstore_ops_total",
			Help: "Credential store operations by op and status",
		},
		[]string{"op", "status"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(BranchesConnected)
	prometheus.MustRegister(SessionState)
	prometheus.MustRegister(BranchHealth)
	prometheus.MustRegister(ReconnectAttemptsTotal)
	prometheus.MustRegister(FailoversTotal)
	prometheus.MustRegister(HealthChecksTotal)
	prometheus.MustRegister(InboundMessagesTotal)
	prometheus.MustRegister(OutboundMessagesTotal)
	prometheus.MustRegister(RouterDroppedTotal)
	prometheus.MustRegister(PublishedEventsTotal)
	prometheus.MustRegister(DroppedEventsTotal)
	prometheus.MustRegister(CredstoreOpsTotal)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// SetSessionState records a branch's current session state, clearing the
// previous one so at most one state gauge is set per branch.
func SetSessionState(branch, state string) {
	states := []string{"disconnected", "connecting", "awaiting_pairing", "connected", "closing"}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		SessionState.WithLabelValues(branch, s).Set(v)
	}
}

// SetBranchHealth records a branch's current health state.
func SetBranchHealth(branch, state string) {
	states := []string{"healthy", "unhealthy", "failed"}
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1.0
		}
		BranchHealth.WithLabelValues(branch, s).Set(v)
	}
}
