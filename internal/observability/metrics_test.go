package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRegisterAndIncrement(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.JobsSubmittedTotal.WithLabelValues("extract").Inc()
	m.JobsOutcomeTotal.WithLabelValues("extract", "succeeded").Inc()

	families, err := reg.Gather()
	require.NoError(t, err)

	var found bool
	for _, f := range families {
		if f.GetName() == "orchestrator_jobs_submitted_total" {
			found = true
			require.Len(t, f.Metric, 1)
			assert.Equal(t, float64(1), f.Metric[0].GetCounter().GetValue())
		}
	}
	assert.True(t, found)
}
