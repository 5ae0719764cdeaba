package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// CommitCounter counts committed transactions per node and origin.
	CommitCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warptx_commits_total",
		Help: "Total number of committed transactions",
	}, []string{"node", "origin"})
	// RollbackCounter counts rolled back transactions per node and origin.
	RollbackCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warptx_rollbacks_total",
		Help: "Total number of rolled back transactions",
	}, []string{"node", "origin"})
	// ActiveTxGauge reports live transaction contexts.
	ActiveTxGauge = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "warptx_active_transactions",
		Help: "Current number of live transaction contexts",
	}, []string{"node", "origin"})
	// RemoteApplyFailures counts replicated commands a node failed to apply.
	RemoteApplyFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warptx_remote_apply_failures_total",
		Help: "Total number of replicated commands that failed to apply",
	}, []string{"node", "kind"})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the transaction metrics on reg.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(CommitCounter, RollbackCounter, ActiveTxGauge, RemoteApplyFailures)
}
