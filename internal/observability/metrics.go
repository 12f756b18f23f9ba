// Package observability defines the prometheus collectors exported on
// /metrics.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the process-wide collectors. A nil *Metrics is valid and
// records nothing, so tests can pass nil.
type Metrics struct {
	runsStarted    prometheus.Counter
	runsCompleted  *prometheus.CounterVec
	steps          prometheus.Counter
	toolExecutions *prometheus.CounterVec
	activeSessions prometheus.GaugeFunc
}

// New registers the prompter collectors on the given registry.
// sessionCount supplies the live remote-session gauge; it may be nil.
func New(reg prometheus.Registerer, sessionCount func() int) *Metrics {
	m := &Metrics{
		runsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prompter_runs_started_total",
			Help: "Number of cast runs started.",
		}),
		runsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prompter_runs_completed_total",
			Help: "Number of cast runs completed, by stop reason.",
		}, []string{"stop_reason"}),
		steps: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "prompter_steps_total",
			Help: "Number of model-call steps executed.",
		}),
		toolExecutions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "prompter_tool_executions_total",
			Help: "Number of tool invocations executed, by tool and outcome.",
		}, []string{"tool", "outcome"}),
	}

	reg.MustRegister(m.runsStarted, m.runsCompleted, m.steps, m.toolExecutions)

	if sessionCount != nil {
		m.activeSessions = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "prompter_remote_sessions_active",
			Help: "Number of live remote-execution sessions.",
		}, func() float64 { return float64(sessionCount()) })
		reg.MustRegister(m.activeSessions)
	}

	return m
}

// RunStarted records the start of a cast run.
func (m *Metrics) RunStarted() {
	if m == nil {
		return
	}
	m.runsStarted.Inc()
}

// RunCompleted records run termination with its stop reason.
func (m *Metrics) RunCompleted(stopReason string) {
	if m == nil {
		return
	}
	m.runsCompleted.WithLabelValues(stopReason).Inc()
}

// StepExecuted records one model-call step.
func (m *Metrics) StepExecuted() {
	if m == nil {
		return
	}
	m.steps.Inc()
}

// ToolExecuted records one tool invocation outcome.
func (m *Metrics) ToolExecuted(tool string, ok bool) {
	if m == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	m.toolExecutions.WithLabelValues(tool, outcome).Inc()
}
