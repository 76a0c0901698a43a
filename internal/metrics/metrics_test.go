package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Transition(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.Transition("Pending")
	m.Transition("Pending")
	m.Transition("Failed")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.transitions.WithLabelValues("Pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.transitions.WithLabelValues("Failed")))
}

func TestMetrics_Generation(t *testing.T) {
	m := New(prometheus.NewRegistry())

	done := m.StartGeneration()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.inFlight))
	done("completed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.inFlight))
	assert.Equal(t, 1, testutil.CollectAndCount(m.duration))
}

func TestMetrics_NilIsSafe(t *testing.T) {
	var m *Metrics
	m.Transition("Pending")
	m.StartGeneration()("failed")
}

func TestMetrics_Handler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.Transition("Completed")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, strings.Contains(rec.Body.String(), `padi_queue_transitions_total{status="Completed"} 1`))
}
