package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunLifecycleCounters(t *testing.T) {
	m := New()

	m.RunStarted("chat")
	m.RunStarted("workflow")
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ActiveRuns))

	m.RunFinished("chat", "finished", 50*time.Millisecond)
	m.RunFinished("workflow", "error", time.Second)

	assert.Equal(t, float64(0), testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsStarted.WithLabelValues("chat")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.RunsFinished.WithLabelValues("workflow", "error")))
}

func TestToolAndTokenCounters(t *testing.T) {
	m := New()

	m.ToolExecuted("read_file", "success", 5*time.Millisecond)
	m.ToolExecuted("read_file", "success", 5*time.Millisecond)
	m.ToolExecuted("exec", "rejected", 0)
	m.TokensAdded(100, 40)
	m.TokensAdded(0, 10)

	assert.Equal(t, float64(2), testutil.ToFloat64(m.ToolExecutions.WithLabelValues("read_file", "success")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.ToolExecutions.WithLabelValues("exec", "rejected")))
	assert.Equal(t, float64(100), testutil.ToFloat64(m.TokensUsed.WithLabelValues("input")))
	assert.Equal(t, float64(50), testutil.ToFloat64(m.TokensUsed.WithLabelValues("output")))
}

func TestApprovalAndEventCounters(t *testing.T) {
	m := New()

	m.ApprovalResolved("approved")
	m.ApprovalResolved("timeout")
	m.EventPublished("run_started")
	m.EventPublished("run_started")

	assert.Equal(t, float64(1), testutil.ToFloat64(m.Approvals.WithLabelValues("timeout")))
	assert.Equal(t, float64(2), testutil.ToFloat64(m.EventsPublished.WithLabelValues("run_started")))
}

func TestHandlerExposition(t *testing.T) {
	m := New()
	m.RunStarted("chat")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))

	require.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "loom_runs_started_total")
	assert.Contains(t, rec.Body.String(), "loom_active_runs")
}
