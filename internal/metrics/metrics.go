// Package metrics exposes prometheus counters for agent turns, model calls
// and tool executions.
//
// Usage:
//
//	m := metrics.New(prometheus.DefaultRegisterer)
//	m.ToolExecuted("bash", false, time.Since(start))
//
// Every method is safe on a nil *Metrics, so components can record
// unconditionally.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "glance"

// Metrics groups the collectors registered by New.
type Metrics struct {
	// Turns counts finished turns.
	// Labels: outcome (done|cancelled|aborted|error)
	Turns *prometheus.CounterVec

	// TurnDuration measures whole-turn latency in seconds.
	TurnDuration prometheus.Histogram

	// Rounds observes model rounds per turn.
	Rounds prometheus.Histogram

	// ModelCalls counts provider calls.
	// Labels: provider, status (success|transient|overflow|permanent|cancelled)
	ModelCalls *prometheus.CounterVec

	// ModelCallDuration measures provider latency in seconds.
	// Labels: provider
	ModelCallDuration *prometheus.HistogramVec

	// ModelRetries counts transient retries.
	// Labels: provider
	ModelRetries *prometheus.CounterVec

	// ToolExecutions counts dispatched tool calls.
	// Labels: tool, status (success|error)
	ToolExecutions *prometheus.CounterVec

	// ToolDuration measures tool latency in seconds.
	// Labels: tool
	ToolDuration *prometheus.HistogramVec

	// Compressions counts history reductions.
	// Labels: kind (proactive|overflow)
	Compressions *prometheus.CounterVec

	// ActiveTurns is the number of turns in flight.
	ActiveTurns prometheus.Gauge
}

// New creates the collectors and registers them with reg. Pass
// prometheus.NewRegistry() in tests to keep them isolated.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Turns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Agent turns by outcome",
		}, []string{"outcome"}),

		TurnDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Duration of agent turns in seconds",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		Rounds: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_rounds",
			Help:      "Model rounds per agent turn",
			Buckets:   []float64{1, 2, 3, 5, 8, 13, 25},
		}),

		ModelCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_calls_total",
			Help:      "Model provider calls by provider and status",
		}, []string{"provider", "status"}),

		ModelCallDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_call_duration_seconds",
			Help:      "Duration of model provider calls in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		}, []string{"provider"}),

		ModelRetries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_retries_total",
			Help:      "Transient model errors that were retried",
		}, []string{"provider"}),

		ToolExecutions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool executions by tool and status",
		}, []string{"tool", "status"}),

		ToolDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_execution_duration_seconds",
			Help:      "Duration of tool executions in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		}, []string{"tool"}),

		Compressions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_compressions_total",
			Help:      "Conversation history reductions by kind",
		}, []string{"kind"}),

		ActiveTurns: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_turns",
			Help:      "Agent turns currently running",
		}),
	}
}

// TurnStarted marks a turn in flight.
func (m *Metrics) TurnStarted() {
	if m == nil {
		return
	}
	m.ActiveTurns.Inc()
}

// TurnFinished records a completed turn.
func (m *Metrics) TurnFinished(outcome string, rounds int, d time.Duration) {
	if m == nil {
		return
	}
	m.ActiveTurns.Dec()
	m.Turns.WithLabelValues(outcome).Inc()
	m.TurnDuration.Observe(d.Seconds())
	m.Rounds.Observe(float64(rounds))
}

// ModelCalled records one provider call.
func (m *Metrics) ModelCalled(provider, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.ModelCalls.WithLabelValues(provider, status).Inc()
	m.ModelCallDuration.WithLabelValues(provider).Observe(d.Seconds())
}

// ModelRetried records a transient retry.
func (m *Metrics) ModelRetried(provider string) {
	if m == nil {
		return
	}
	m.ModelRetries.WithLabelValues(provider).Inc()
}

// ToolExecuted records one tool call.
func (m *Metrics) ToolExecuted(tool string, failed bool, d time.Duration) {
	if m == nil {
		return
	}
	status := "success"
	if failed {
		status = "error"
	}
	m.ToolExecutions.WithLabelValues(tool, status).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(d.Seconds())
}

// Compressed records a history reduction.
func (m *Metrics) Compressed(kind string) {
	if m == nil {
		return
	}
	m.Compressions.WithLabelValues(kind).Inc()
}
