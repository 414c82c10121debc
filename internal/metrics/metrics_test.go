package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilCollector(t *testing.T) {
	var c *Collector
	c.ObserveTurn("default", true, time.Second)
	c.ObserveTool("get_weather", false, time.Millisecond)
	c.StreamPart("text")
	c.WorkflowAttempt("book_meeting", "completed")
	if c.Registry() != nil {
		t.Error("nil collector should have nil registry")
	}
}

func TestObserveTool(t *testing.T) {
	c := New()
	c.ObserveTool("get_weather", true, 10*time.Millisecond)
	c.ObserveTool("get_weather", true, 10*time.Millisecond)
	c.ObserveTool("get_weather", false, 10*time.Millisecond)

	expected := `
		# HELP parley_tool_calls_total Tool invocations by tool and success.
		# TYPE parley_tool_calls_total counter
		parley_tool_calls_total{success="false",tool="get_weather"} 1
		parley_tool_calls_total{success="true",tool="get_weather"} 2
	`
	if err := testutil.CollectAndCompare(c.ToolCallsTotal, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected metric value: %v", err)
	}
}

func TestObserveTurnAndWorkflow(t *testing.T) {
	c := New()
	c.ObserveTurn("workflow", true, time.Second)
	c.ObserveTurn("default", false, time.Second)
	c.WorkflowAttempt("book_meeting", "deferred")

	if got := testutil.ToFloat64(c.TurnsTotal.WithLabelValues("default", "error")); got != 1 {
		t.Errorf("turns_total{default,error} = %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.WorkflowAttemptsTotal.WithLabelValues("book_meeting", "deferred")); got != 1 {
		t.Errorf("workflow_attempts_total = %v, want 1", got)
	}
	if n := testutil.CollectAndCount(c.TurnDuration); n != 2 {
		t.Errorf("turn_duration label sets = %d, want 2", n)
	}
}

func TestHandlerExposesMetrics(t *testing.T) {
	c := New()
	c.StreamPart("tool_call")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `parley_stream_parts_total{kind="tool_call"} 1`) {
		t.Errorf("metrics output missing stream counter:\n%s", body)
	}
}
