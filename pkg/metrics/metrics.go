// Package metrics collects Prometheus counters, histograms, and gauges for
// runs, tools, tokens, approvals, and event publication. One Metrics value is
// created at startup and injected into the components that record.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds every collector, registered on a private registry so tests
// can build isolated instances.
type Metrics struct {
	registry *prometheus.Registry

	// RunsStarted counts run launches. Labels: mode (chat|workflow|hybrid).
	RunsStarted *prometheus.CounterVec

	// RunsFinished counts terminal runs. Labels: mode, outcome
	// (finished|error|cancelled).
	RunsFinished *prometheus.CounterVec

	// RunDuration measures run wall time in seconds. Labels: mode.
	RunDuration *prometheus.HistogramVec

	// ActiveRuns gauges runs currently in flight.
	ActiveRuns prometheus.Gauge

	// ToolExecutions counts tool dispatches. Labels: tool, status
	// (success|error|rejected).
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool execution time in seconds. Labels: tool.
	ToolDuration *prometheus.HistogramVec

	// TokensUsed counts tokens consumed. Labels: type (input|output).
	TokensUsed *prometheus.CounterVec

	// Approvals counts approval resolutions. Labels: outcome
	// (approved|rejected|timeout|expired).
	Approvals *prometheus.CounterVec

	// EventsPublished counts bus events by frame type.
	EventsPublished *prometheus.CounterVec
}

// New registers all collectors on a fresh registry, together with the
// standard Go runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,

		RunsStarted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_runs_started_total",
			Help: "Runs launched, by execution mode",
		}, []string{"mode"}),

		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_runs_finished_total",
			Help: "Runs that reached a terminal state, by mode and outcome",
		}, []string{"mode", "outcome"}),

		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_run_duration_seconds",
			Help:    "Run wall time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}, []string{"mode"}),

		ActiveRuns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loom_active_runs",
			Help: "Runs currently in flight",
		}),

		ToolExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tool_executions_total",
			Help: "Tool dispatches, by tool name and status",
		}, []string{"tool", "status"}),

		ToolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loom_tool_duration_seconds",
			Help:    "Tool execution time in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		TokensUsed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_tokens_total",
			Help: "Tokens consumed, by direction",
		}, []string{"type"}),

		Approvals: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_approvals_total",
			Help: "Approval resolutions, by outcome",
		}, []string{"outcome"}),

		EventsPublished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loom_events_published_total",
			Help: "Bus events published, by frame type",
		}, []string{"type"}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RunStarted records a launch and bumps the in-flight gauge.
func (m *Metrics) RunStarted(mode string) {
	m.RunsStarted.WithLabelValues(mode).Inc()
	m.ActiveRuns.Inc()
}

// RunFinished records a terminal run.
func (m *Metrics) RunFinished(mode, outcome string, elapsed time.Duration) {
	m.RunsFinished.WithLabelValues(mode, outcome).Inc()
	m.RunDuration.WithLabelValues(mode).Observe(elapsed.Seconds())
	m.ActiveRuns.Dec()
}

// ToolExecuted records one tool dispatch.
func (m *Metrics) ToolExecuted(tool, status string, elapsed time.Duration) {
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(elapsed.Seconds())
}

// TokensAdded records token consumption.
func (m *Metrics) TokensAdded(input, output int) {
	if input > 0 {
		m.TokensUsed.WithLabelValues("input").Add(float64(input))
	}
	if output > 0 {
		m.TokensUsed.WithLabelValues("output").Add(float64(output))
	}
}

// ApprovalResolved records one approval outcome.
func (m *Metrics) ApprovalResolved(outcome string) {
	m.Approvals.WithLabelValues(outcome).Inc()
}

// EventPublished records one bus event.
func (m *Metrics) EventPublished(frameType string) {
	m.EventsPublished.WithLabelValues(frameType).Inc()
}
