// Package metrics holds the Prometheus collectors of the orchestrator.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	ExecutionsTotal    *prometheus.CounterVec
	ToolCallsTotal     *prometheus.CounterVec
	PaymentAttempts    *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	ApprovalsTotal     *prometheus.CounterVec
	EventsPublished    *prometheus.CounterVec
	EventsDropped      prometheus.Counter
	ConnectionsActive  prometheus.Gauge
	ExecutionsActive   prometheus.Gauge
}

// New registers the collectors on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ExecutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_executions_total",
				Help: "Finished executions by status",
			},
			[]string{"status"},
		),
		ToolCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_tool_calls_total",
				Help: "Recorded tool calls by tool and outcome",
			},
			[]string{"tool", "success"},
		),
		PaymentAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_payment_attempts_total",
				Help: "Payment attempts by final state and error code",
			},
			[]string{"state", "code"},
		),
		SettlementDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentpay_settlement_duration_seconds",
				Help:    "Time from submission to confirmed settlement",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"settler"},
		),
		ApprovalsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_approvals_total",
				Help: "Resolved approval requests by status",
			},
			[]string{"status"},
		),
		EventsPublished: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentpay_events_published_total",
				Help: "Events published to session observers",
			},
			[]string{"type"},
		),
		EventsDropped: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "agentpay_events_dropped_total",
				Help: "Events discarded because an observer buffer was full",
			},
		),
		ConnectionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpay_ws_connections_active",
				Help: "Current realtime connections",
			},
		),
		ExecutionsActive: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "agentpay_executions_active",
				Help: "Executions currently running",
			},
		),
	}
}

// RecordExecution records a finished execution.
func (m *Metrics) RecordExecution(status string) {
	if m == nil {
		return
	}
	m.ExecutionsTotal.WithLabelValues(status).Inc()
}

// ExecutionStarted increments the active executions gauge.
func (m *Metrics) ExecutionStarted() {
	if m == nil {
		return
	}
	m.ExecutionsActive.Inc()
}

// ExecutionFinished decrements the active executions gauge.
func (m *Metrics) ExecutionFinished() {
	if m == nil {
		return
	}
	m.ExecutionsActive.Dec()
}

// RecordToolCall records an appended tool call.
func (m *Metrics) RecordToolCall(tool string, success bool) {
	if m == nil {
		return
	}
	label := "false"
	if success {
		label = "true"
	}
	m.ToolCallsTotal.WithLabelValues(tool, label).Inc()
}

// RecordPaymentAttempt records the outcome of a payment attempt.
func (m *Metrics) RecordPaymentAttempt(state, code string) {
	if m == nil {
		return
	}
	m.PaymentAttempts.WithLabelValues(state, code).Inc()
}

// ObserveSettlement records a settlement duration.
func (m *Metrics) ObserveSettlement(settler string, d time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.WithLabelValues(settler).Observe(d.Seconds())
}

// RecordApproval records a resolved approval.
func (m *Metrics) RecordApproval(status string) {
	if m == nil {
		return
	}
	m.ApprovalsTotal.WithLabelValues(status).Inc()
}

// RecordEvent records a published event.
func (m *Metrics) RecordEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(eventType).Inc()
}

// RecordDrop records an event dropped for a slow observer.
func (m *Metrics) RecordDrop() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

// ConnectionOpened increments the active connections gauge.
func (m *Metrics) ConnectionOpened() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (m *Metrics) ConnectionClosed() {
	if m == nil {
		return
	}
	m.ConnectionsActive.Dec()
}
