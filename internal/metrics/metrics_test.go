package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestToolExecuted(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ToolExecuted("bash", false, 10*time.Millisecond)
	m.ToolExecuted("bash", true, 10*time.Millisecond)
	m.ToolExecuted("read", false, time.Millisecond)

	expected := `
		# HELP glance_tool_executions_total Tool executions by tool and status
		# TYPE glance_tool_executions_total counter
		glance_tool_executions_total{status="error",tool="bash"} 1
		glance_tool_executions_total{status="success",tool="bash"} 1
		glance_tool_executions_total{status="success",tool="read"} 1
	`
	if err := testutil.CollectAndCompare(m.ToolExecutions, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestTurnLifecycle(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.TurnStarted()
	m.TurnStarted()
	if got := testutil.ToFloat64(m.ActiveTurns); got != 2 {
		t.Errorf("active turns = %v, want 2", got)
	}

	m.TurnFinished("done", 3, time.Second)
	m.TurnFinished("cancelled", 1, time.Second)
	if got := testutil.ToFloat64(m.ActiveTurns); got != 0 {
		t.Errorf("active turns = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues("done")); got != 1 {
		t.Errorf("done turns = %v, want 1", got)
	}
	if count := testutil.CollectAndCount(m.Turns); count != 2 {
		t.Errorf("expected 2 outcome labels, got %d", count)
	}
}

func TestModelAndCompression(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ModelCalled("openai", "transient", time.Second)
	m.ModelRetried("openai")
	m.ModelCalled("openai", "success", time.Second)
	m.Compressed("proactive")
	m.Compressed("overflow")
	m.Compressed("overflow")

	if got := testutil.ToFloat64(m.ModelRetries.WithLabelValues("openai")); got != 1 {
		t.Errorf("retries = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Compressions.WithLabelValues("overflow")); got != 2 {
		t.Errorf("overflow compressions = %v, want 2", got)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.TurnStarted()
	m.TurnFinished("done", 1, time.Second)
	m.ModelCalled("openai", "success", time.Second)
	m.ModelRetried("openai")
	m.ToolExecuted("read", false, time.Second)
	m.Compressed("proactive")
}
