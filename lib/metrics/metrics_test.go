package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInmemCounters(t *testing.T) {
	m, err := New(DefaultConfig())
	require.NoError(t, err)

	m.IncrCounter([]string{"conn", "commands"}, Label{Name: "cmd", Value: "get"})
	m.IncrCounter([]string{"conn", "commands"}, Label{Name: "cmd", Value: "set"})
	m.IncrCounter([]string{"conn", "commands"})
	m.SetGauge([]string{"pool", "idle"}, 3)
	m.MeasureSince([]string{"pool", "acquire"}, time.Now().Add(-time.Millisecond))

	assert.Equal(t, float64(3), m.Counter("conn", "commands"))
	assert.Equal(t, float64(0), m.Counter("conn", "missing"))
	v, ok := m.Gauge("pool", "idle")
	require.True(t, ok)
	assert.Equal(t, float32(3), v)
	assert.Nil(t, m.Registry())
}

func TestPrometheusSink(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Prometheus = true
	m, err := New(cfg)
	require.NoError(t, err)
	require.NotNil(t, m.Registry())

	m.IncrCounter([]string{"conn", "closed"}, Label{Name: "reason", Value: "ReadError"})

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	found := false
	for _, mf := range families {
		if strings.HasPrefix(mf.GetName(), "asyncredis_conn_closed") {
			found = true
		}
	}
	assert.True(t, found)
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.IncrCounter([]string{"x"})
	m.SetGauge([]string{"x"}, 1)
	m.MeasureSince([]string{"x"}, time.Now())
	assert.Zero(t, m.Counter("x"))
	_, ok := m.Gauge("x")
	assert.False(t, ok)
}
