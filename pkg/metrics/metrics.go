// Package metrics holds the Prometheus instrumentation of an intersection node.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "intersection"

// Settle states used as the "state" label of MessagesSettled.
const (
	StateAcknowledged = "acknowledged"
	StateFailed       = "failed"
)

// Metrics contains the node's counters, gauges and histograms. All Record
// methods are safe to call on a nil *Metrics, which disables instrumentation.
type Metrics struct {
	MessagesReceived   prometheus.Counter
	MessagesSettled    *prometheus.CounterVec
	ResultsRouted      prometheus.Counter
	ResultsDiscarded   prometheus.Counter
	SendErrors         prometheus.Counter
	TransformErrors    prometheus.Counter
	DecodeErrors       prometheus.Counter
	SettleViolations   prometheus.Counter
	ProcessingDuration prometheus.Histogram

	Destinations     prometheus.Gauge
	ControlConnected prometheus.Gauge
}

// NewMetrics creates the node metrics and registers them with reg. A nil reg
// leaves them unregistered, which is what most tests want.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Total number of input messages received and decoded",
		}),
		MessagesSettled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_settled_total",
			Help:      "Total number of input messages settled, by terminal state",
		}, []string{"state"}),
		ResultsRouted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_routed_total",
			Help:      "Total number of transform results sent to at least one destination",
		}),
		ResultsDiscarded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "results_discarded_total",
			Help:      "Total number of transform results dropped because no destination was live",
		}),
		SendErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "send_errors_total",
			Help:      "Total number of failed sends to a downstream destination",
		}),
		TransformErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transform_errors_total",
			Help:      "Total number of transform calls that returned an error or panicked",
		}),
		DecodeErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "decode_errors_total",
			Help:      "Total number of input records that could not be decoded",
		}),
		SettleViolations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "settle_violations_total",
			Help:      "Total number of attempts to settle an already settled message",
		}),
		ProcessingDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_duration_seconds",
			Help:      "Duration of a transform call, including routing of its results",
			Buckets:   prometheus.DefBuckets,
		}),
		Destinations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "destinations",
			Help:      "Number of live downstream destinations",
		}),
		ControlConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "control_connected",
			Help:      "Control channel status (0=not established, 1=established)",
		}),
	}

	if reg == nil {
		return m, nil
	}
	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register intersection metrics: %w", err)
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesSettled,
		m.ResultsRouted,
		m.ResultsDiscarded,
		m.SendErrors,
		m.TransformErrors,
		m.DecodeErrors,
		m.SettleViolations,
		m.ProcessingDuration,
		m.Destinations,
		m.ControlConnected,
	}
}

// RecordReceived increments the received counter.
func (m *Metrics) RecordReceived() {
	if m == nil {
		return
	}
	m.MessagesReceived.Inc()
}

// RecordSettled counts a message reaching a terminal state.
func (m *Metrics) RecordSettled(state string) {
	if m == nil {
		return
	}
	m.MessagesSettled.WithLabelValues(state).Inc()
}

// RecordRouted counts a result that reached at least one destination.
func (m *Metrics) RecordRouted() {
	if m == nil {
		return
	}
	m.ResultsRouted.Inc()
}

// RecordDiscarded counts a result dropped for lack of destinations.
func (m *Metrics) RecordDiscarded() {
	if m == nil {
		return
	}
	m.ResultsDiscarded.Inc()
}

// RecordSendError counts a failed send.
func (m *Metrics) RecordSendError() {
	if m == nil {
		return
	}
	m.SendErrors.Inc()
}

// RecordTransformError counts a failed transform call.
func (m *Metrics) RecordTransformError() {
	if m == nil {
		return
	}
	m.TransformErrors.Inc()
}

// RecordDecodeError counts an undecodable input record.
func (m *Metrics) RecordDecodeError() {
	if m == nil {
		return
	}
	m.DecodeErrors.Inc()
}

// RecordSettleViolation counts a second settle attempt.
func (m *Metrics) RecordSettleViolation() {
	if m == nil {
		return
	}
	m.SettleViolations.Inc()
}

// RecordProcessingDuration observes the duration of one unit of work.
func (m *Metrics) RecordProcessingDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.ProcessingDuration.Observe(d.Seconds())
}

// SetDestinations records the size of the current destination table.
func (m *Metrics) SetDestinations(n int) {
	if m == nil {
		return
	}
	m.Destinations.Set(float64(n))
}

// SetControlConnected records whether a control channel is established.
func (m *Metrics) SetControlConnected(connected bool) {
	if m == nil {
		return
	}
	value := 0.0
	if connected {
		value = 1.0
	}
	m.ControlConnected.Set(value)
}
