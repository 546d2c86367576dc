package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterCounter(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "simulcastd",
		Subsystem: "test",
		Name:      "ops_total",
	})
	require.NoError(t, r.RegisterCounter("control", "ops", counter))

	// Same component/metric key is rejected
	err := r.RegisterCounter("control", "ops", counter)
	assert.Error(t, err)
}

func TestRegisterDifferentComponents(t *testing.T) {
	r := NewMetricsRegistry()

	a := prometheus.NewGauge(prometheus.GaugeOpts{Name: "a_connected"})
	b := prometheus.NewGauge(prometheus.GaugeOpts{Name: "b_connected"})

	assert.NoError(t, r.RegisterGauge("control", "connected", a))
	assert.NoError(t, r.RegisterGauge("detector", "connected", b))
}

func TestUnregister(t *testing.T) {
	r := NewMetricsRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "x_total"})
	require.NoError(t, r.RegisterCounter("matcher", "x", counter))

	assert.True(t, r.Unregister("matcher", "x"))
	assert.False(t, r.Unregister("matcher", "x"))

	// Can re-register after unregistering
	assert.NoError(t, r.RegisterCounter("matcher", "x", counter))
}
