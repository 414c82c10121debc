// Package metrics exposes Prometheus instrumentation for turns, tool
// calls, stream events and workflow attempts.
//
// Each Collector owns its own registry so tests and multiple runtimes in
// one process do not collide on the global default registry. A nil
// *Collector ignores every observation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

// Collector holds the metric vectors.
type Collector struct {
	registry *prometheus.Registry

	// TurnsTotal labels: path (workflow|direct|tools|error), outcome (ok|error).
	TurnsTotal *prometheus.CounterVec
	// TurnDuration labels: path.
	TurnDuration *prometheus.HistogramVec
	// ToolCallsTotal labels: tool, success.
	ToolCallsTotal *prometheus.CounterVec
	// ToolDuration labels: tool.
	ToolDuration *prometheus.HistogramVec
	// StreamEventsTotal labels: kind (text|thought|tool_call).
	StreamEventsTotal *prometheus.CounterVec
	// WorkflowAttemptsTotal labels: action, outcome (completed|deferred|failed|error).
	WorkflowAttemptsTotal *prometheus.CounterVec
}

// New creates a Collector with a fresh registry that also carries the
// Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		TurnsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Completed turns by path and outcome.",
		}, []string{"path", "outcome"}),
		TurnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of a turn from user input to persistence.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"path"}),
		ToolCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by tool and success.",
		}, []string{"tool", "success"}),
		ToolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_duration_seconds",
			Help:      "Tool invocation latency.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"tool"}),
		StreamEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stream_parts_total",
			Help:      "Stream content parts consumed by kind.",
		}, []string{"kind"}),
		WorkflowAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "workflow_attempts_total",
			Help:      "Workflow attempts by action and outcome.",
		}, []string{"action", "outcome"}),
	}
	c.registry.MustRegister(
		c.TurnsTotal,
		c.TurnDuration,
		c.ToolCallsTotal,
		c.ToolDuration,
		c.StreamEventsTotal,
		c.WorkflowAttemptsTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ObserveTurn records a finished turn.
func (c *Collector) ObserveTurn(path string, ok bool, d time.Duration) {
	if c == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "error"
	}
	c.TurnsTotal.WithLabelValues(path, outcome).Inc()
	c.TurnDuration.WithLabelValues(path).Observe(d.Seconds())
}

// ObserveTool records one tool invocation.
func (c *Collector) ObserveTool(tool string, success bool, d time.Duration) {
	if c == nil {
		return
	}
	c.ToolCallsTotal.WithLabelValues(tool, strconv.FormatBool(success)).Inc()
	c.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// StreamPart counts one consumed stream part.
func (c *Collector) StreamPart(kind string) {
	if c == nil {
		return
	}
	c.StreamEventsTotal.WithLabelValues(kind).Inc()
}

// WorkflowAttempt counts one workflow attempt.
func (c *Collector) WorkflowAttempt(action, outcome string) {
	if c == nil {
		return
	}
	c.WorkflowAttemptsTotal.WithLabelValues(action, outcome).Inc()
}
