package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordExecution("completed")
		m.RecordToolCall("pay_api", true)
		m.RecordDrop()
		m.ObserveSettlement("facilitator", time.Second)
		m.ConnectionOpened()
	})
}

func TestRegistriesAreIndependent(t *testing.T) {
	a := New(prometheus.NewRegistry())
	b := New(prometheus.NewRegistry())

	a.RecordToolCall("pay_api", true)
	a.RecordToolCall("pay_api", true)
	b.RecordToolCall("pay_api", false)

	assert.Equal(t, 2.0, testutil.ToFloat64(a.ToolCallsTotal.WithLabelValues("pay_api", "true")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.ToolCallsTotal.WithLabelValues("pay_api", "true")))
	assert.Equal(t, 1.0, testutil.ToFloat64(b.ToolCallsTotal.WithLabelValues("pay_api", "false")))
}

func TestDropCounter(t *testing.T) {
	m := New(prometheus.NewRegistry())
	m.RecordDrop()
	m.RecordDrop()
	assert.Equal(t, 2.0, testutil.ToFloat64(m.EventsDropped))
}
