package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"hyperion/pkg/types"
)

func TestStateGauge(t *testing.T) {
	m := New()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodeState.WithLabelValues("init")))

	m.SetState(types.StateComputing("task_000001"))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.nodeState.WithLabelValues("init")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.nodeState.WithLabelValues("computing")))
}

func TestCounters(t *testing.T) {
	m := New()
	m.Offer(DecisionAccepted)
	m.Offer(DecisionBusy)
	m.Offer(DecisionBusy)
	m.TaskFinished(types.OutcomeSettled, 3*time.Second)
	m.ReportFailed()

	assert.Equal(t, 2.0, testutil.ToFloat64(m.offers.WithLabelValues(DecisionBusy)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.tasks.WithLabelValues("settled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reportErrors))
	assert.Equal(t, 1, testutil.CollectAndCount(m.taskDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.SetState(types.StateIdle())
		m.Offer(DecisionAccepted)
		m.TaskFinished(types.OutcomeFailed, time.Second)
		m.ReportFailed()
	})
}

func TestHandler(t *testing.T) {
	m := New()
	m.Offer(DecisionAccepted)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	body := rec.Body.String()
	assert.True(t, strings.Contains(body, `hyperion_offers_total{decision="accepted"} 1`), body)
	assert.Contains(t, body, "hyperion_node_state")
}
