// Package metrics holds the Prometheus collectors shared by the
// producer, executor, and supervisor binaries' /metrics endpoints.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the bridge's Prometheus collectors.
type Metrics struct {
	LeaseAcquisitions  *prometheus.CounterVec
	ChannelRoundTrip   *prometheus.HistogramVec
	ToolExecutions     *prometheus.CounterVec
	ToolDuration       *prometheus.HistogramVec
	CursorAdvance      *prometheus.CounterVec
	CallbackDeliveries *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	return &Metrics{
		LeaseAcquisitions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_lease_acquisitions_total",
				Help: "Total lease acquire attempts by outcome",
			},
			[]string{"project_id", "outcome"}, // outcome: acquired, refreshed, conflict
		),
		ChannelRoundTrip: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolbridge_channel_round_trip_seconds",
				Help:    "Duration of a channel send() from dispatch to matched response",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"channel_kind"}, // http, pubsub, redis
		),
		ToolExecutions: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_tool_executions_total",
				Help: "Total tool invocations by name and outcome",
			},
			[]string{"tool", "outcome"}, // outcome: ok, tool_error
		),
		ToolDuration: promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolbridge_tool_duration_seconds",
				Help:    "Duration of a tool invocation",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"tool"},
		),
		CursorAdvance: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_cursor_advance_total",
				Help: "Total cursor advances persisted after response+callback",
			},
			[]string{"project_id"},
		),
		CallbackDeliveries: promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_callback_deliveries_total",
				Help: "Total callback delivery attempts by outcome",
			},
			[]string{"outcome"}, // delivered, failed
		),
	}
}

// RecordLeaseAcquire records a lease.Acquire outcome.
func (m *Metrics) RecordLeaseAcquire(projectID, outcome string) {
	m.LeaseAcquisitions.WithLabelValues(projectID, outcome).Inc()
}

// RecordChannelRoundTrip records a completed channel send().
func (m *Metrics) RecordChannelRoundTrip(channelKind string, seconds float64) {
	m.ChannelRoundTrip.WithLabelValues(channelKind).Observe(seconds)
}

// RecordToolExecution records a tool invocation's outcome and duration.
func (m *Metrics) RecordToolExecution(tool, outcome string, seconds float64) {
	m.ToolExecutions.WithLabelValues(tool, outcome).Inc()
	m.ToolDuration.WithLabelValues(tool).Observe(seconds)
}

// RecordCursorAdvance records a cursor write for projectID.
func (m *Metrics) RecordCursorAdvance(projectID string) {
	m.CursorAdvance.WithLabelValues(projectID).Inc()
}

// RecordCallbackDelivery records a callback POST outcome.
func (m *Metrics) RecordCallbackDelivery(delivered bool) {
	outcome := "failed"
	if delivered {
		outcome = "delivered"
	}
	m.CallbackDeliveries.WithLabelValues(outcome).Inc()
}
