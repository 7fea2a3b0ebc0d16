package triage

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments for the triage pipeline.
type Metrics struct {
	RunsTotal       *prometheus.CounterVec
	RunDuration     prometheus.Histogram
	StepDuration    *prometheus.HistogramVec
	FallbacksTotal  *prometheus.CounterVec
	AdmissionsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers the triage metrics on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_triage_runs_total",
			Help: "Completed triage runs by outcome risk level.",
		}, []string{"risk"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "sentinel_triage_run_duration_seconds",
			Help:    "Wall-clock duration of completed triage runs.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 3, 5, 8, 13},
		}),
		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sentinel_triage_step_duration_seconds",
			Help:    "Duration of individual triage steps.",
			Buckets: []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 1.5},
		}, []string{"step"}),
		FallbacksTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_triage_fallbacks_total",
			Help: "Steps that fell back after a failure or deadline.",
		}, []string{"step"}),
		AdmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sentinel_triage_admissions_total",
			Help: "Admission limiter outcomes.",
		}, []string{"result"}),
	}

	reg.MustRegister(
		m.RunsTotal,
		m.RunDuration,
		m.StepDuration,
		m.FallbacksTotal,
		m.AdmissionsTotal,
	)
	return m
}

// EngineHooks returns hooks that record step and run outcomes on m.
func (m *Metrics) EngineHooks() EngineHooks {
	return EngineHooks{
		OnStep: func(step string, d time.Duration, fellBack bool) {
			m.StepDuration.WithLabelValues(step).Observe(d.Seconds())
			if fellBack {
				m.FallbacksTotal.WithLabelValues(step).Inc()
			}
		},
		OnFinish: func(run *Run) {
			m.RunsTotal.WithLabelValues(string(run.Risk)).Inc()
			m.RunDuration.Observe(float64(run.LatencyMs) / 1000)
		},
	}
}
