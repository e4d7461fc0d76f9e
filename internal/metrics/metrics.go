package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	taskOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enlist",
			Name:      "task_outcomes_total",
			Help:      "Registration tasks by terminal status.",
		},
		[]string{"status"},
	)

	activeAgents = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "enlist",
			Name:      "active_agents",
			Help:      "Agents currently driving a page.",
		},
	)

	ledgerAppends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enlist",
			Name:      "ledger_appends_total",
			Help:      "Ledger append attempts by result.",
		},
		[]string{"result"},
	)

	controlRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "enlist",
			Name:      "control_requests_total",
			Help:      "Operator control requests by endpoint.",
		},
		[]string{"endpoint"},
	)
)

// Register registers Prometheus metrics. Safe to call multiple times.
func Register() {
	once.Do(func() {
		prometheus.MustRegister(taskOutcomes, activeAgents, ledgerAppends, controlRequests)
	})
}

// IncTaskOutcome counts a task reaching a terminal status.
func IncTaskOutcome(status string) {
	taskOutcomes.WithLabelValues(status).Inc()
}

// SetActiveAgents updates the open-agent gauge.
func SetActiveAgents(n int) {
	activeAgents.Set(float64(n))
}

// IncLedgerAppend counts an append attempt result (added, duplicate, error).
func IncLedgerAppend(result string) {
	ledgerAppends.WithLabelValues(result).Inc()
}

// IncControl counts a control request by endpoint label.
func IncControl(endpoint string) {
	controlRequests.WithLabelValues(endpoint).Inc()
}
