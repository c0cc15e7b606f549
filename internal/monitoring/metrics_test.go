package monitoring

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)
	m.Transition("accept")
	m.Transition("accept")
	m.Rejection("fund", "bad_state")
	m.Relayed("kafka", 3)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Transitions.WithLabelValues("accept")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Rejections.WithLabelValues("fund", "bad_state")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Events.WithLabelValues("kafka")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.Transition("x")
	m.Rejection("x", "y")
	m.Relayed("x", 1)
	m.RelayError("x")
}
