package engine

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the execution engine.
// All metrics use the agentpipe_engine_ namespace.
type Metrics struct {
	ExecutionsTotal       *prometheus.CounterVec
	ExecutionDuration     *prometheus.HistogramVec
	StepsTotal            *prometheus.CounterVec
	StepDuration          *prometheus.HistogramVec
	DelegationsTotal      *prometheus.CounterVec
	ProviderTokensTotal   *prometheus.CounterVec
	ActiveExecutions      prometheus.Gauge
	HookDispatchesTotal   *prometheus.CounterVec
	LaunchConflictsTotal  prometheus.Counter
	StaleExecutionsSwept  prometheus.Counter
}

// NewMetrics creates and registers engine metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		ExecutionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Total executions by strategy and final status.",
		}, []string{"strategy", "status"}),

		ExecutionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Execution total duration in seconds by strategy.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"strategy"}),

		StepsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "steps_total",
			Help:      "Total agent steps by role and status.",
		}, []string{"role", "status"}),

		StepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "step_duration_seconds",
			Help:      "Agent step duration in seconds by role.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"role"}),

		DelegationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "delegations_total",
			Help:      "Total agent-to-agent delegations by status and depth.",
		}, []string{"status", "depth"}),

		ProviderTokensTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "provider_tokens_total",
			Help:      "Total LLM tokens consumed by provider and direction.",
		}, []string{"provider", "direction"}),

		ActiveExecutions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "active_executions",
			Help:      "Number of currently running executions.",
		}),

		HookDispatchesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "hook_dispatches_total",
			Help:      "Total completion hook dispatches by kind and outcome.",
		}, []string{"kind", "outcome"}),

		LaunchConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "launch_conflicts_total",
			Help:      "Launches rejected because an execution was already running.",
		}),

		StaleExecutionsSwept: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentpipe",
			Subsystem: "engine",
			Name:      "stale_executions_swept_total",
			Help:      "Executions marked failed by the startup sweep.",
		}),
	}

	reg.MustRegister(
		m.ExecutionsTotal,
		m.ExecutionDuration,
		m.StepsTotal,
		m.StepDuration,
		m.DelegationsTotal,
		m.ProviderTokensTotal,
		m.ActiveExecutions,
		m.HookDispatchesTotal,
		m.LaunchConflictsTotal,
		m.StaleExecutionsSwept,
	)

	return m
}
