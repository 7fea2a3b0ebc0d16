package actions

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the Prometheus instruments for the action gateway.
type Metrics struct {
	ActionsTotal *prometheus.CounterVec
	ReplaysTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the gateway metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ActionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_actions_total",
			Help: "Executed operator actions by action and resulting status.",
		}, []string{"action", "status"}),
		ReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_action_idempotent_replays_total",
			Help: "Action calls answered from the idempotency cache.",
		}, []string{"action"}),
	}
	reg.MustRegister(m.ActionsTotal, m.ReplaysTotal)
	return m
}

// Hooks returns gateway hooks that record outcomes on m.
func (m *Metrics) Hooks() Hooks {
	return Hooks{
		OnAction: func(action, status string) {
			m.ActionsTotal.WithLabelValues(action, status).Inc()
		},
		OnReplay: func(action string) {
			m.ReplaysTotal.WithLabelValues(action).Inc()
		},
	}
}
