package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistersCollectors(t *testing.T) {
	m := New()
	require.NotNil(t, m.Registry())

	m.ObserveTask("person", "parsed", time.Second)
	m.IncDegraded(DegradedCredits)

	families, err := m.Registry().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["prep_research_tasks_total"])
	assert.True(t, names["prep_degraded_total"])
	assert.True(t, names["prep_server_start_time_seconds"])
}

func TestCounters(t *testing.T) {
	m := New()

	m.ObserveTask("person", "parsed", 2*time.Second)
	m.ObserveTask("person", "fallback", time.Second)
	m.ObserveTask("company", "parsed", time.Second)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ResearchTasksTotal.WithLabelValues("person", "parsed")), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.ResearchTasksTotal.WithLabelValues("company", "parsed")), 0.001)

	m.IncConsume("consumed", 2.5)
	m.IncConsume("insufficient", 9)
	assert.InDelta(t, 2.5, testutil.ToFloat64(m.CreditsConsumedTotal), 0.001)
	assert.InDelta(t, 1, testutil.ToFloat64(m.CreditConsumeTotal.WithLabelValues("insufficient")), 0.001)

	m.AddCost("company", 0.02)
	m.AddCost("company", -1)
	assert.InDelta(t, 0.02, testutil.ToFloat64(m.UsageCostUSDTotal.WithLabelValues("company")), 1e-9)

	m.ObserveMeeting("ready", time.Minute, 4)
	assert.InDelta(t, 1, testutil.ToFloat64(m.MeetingsTotal.WithLabelValues("ready")), 0.001)

	m.ObserveHTTP("POST", "/meetings/{id}/research", 200, time.Second)
	assert.InDelta(t, 1, testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues("POST", "/meetings/{id}/research", "200")), 0.001)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveTask("person", "parsed", time.Second)
		m.ObserveMeeting("ready", time.Second, 1)
		m.AddCost("person", 1)
		m.IncConsume("consumed", 1)
		m.IncDegraded(DegradedSearch)
		m.ObserveHTTP("GET", "/health", 200, time.Millisecond)
	})
}
