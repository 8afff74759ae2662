package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrometheusCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	p, err := NewPrometheus(reg)
	require.NoError(t, err)

	p.ObserveNode("HTTP", OutcomeSuccess, 10*time.Millisecond)
	p.ObserveNode("HTTP", OutcomeSuccess, 20*time.Millisecond)
	p.ObserveNode("SQL", OutcomeError, time.Millisecond)
	p.ObserveDispatch("/api/patient", OutcomeSuccess, time.Second)
	p.ObserveBranch(OutcomeSkipped)

	assert.Equal(t, float64(2), testutil.ToFloat64(p.nodeInvocations.WithLabelValues("HTTP", OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.nodeInvocations.WithLabelValues("SQL", OutcomeError)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.dispatches.WithLabelValues("/api/patient", OutcomeSuccess)))
	assert.Equal(t, float64(1), testutil.ToFloat64(p.branches.WithLabelValues(OutcomeSkipped)))

	_, err = NewPrometheus(reg)
	assert.Error(t, err, "registering twice on one registry fails")
}

func TestNop(t *testing.T) {
	var c Collector = Nop{}
	c.ObserveNode("HTTP", OutcomeSuccess, time.Second)
	c.ObserveDispatch("/x", OutcomeError, time.Second)
	c.ObserveBranch(OutcomeSuccess)
}
