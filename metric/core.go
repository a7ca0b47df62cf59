// Package metric provides Prometheus metrics for the telemetry gateway.
// A single MetricsRegistry owns the underlying Prometheus registry; pipeline
// components register their own collectors under a service name.
package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/telemetrygate/telemetrygate/errors"
)

// Metrics contains the core pipeline metrics
type Metrics struct {
	MessagesReceived   *prometheus.CounterVec
	MessagesQuarantine *prometheus.CounterVec
	JobsEnqueued       prometheus.Counter
	JobsProcessed      *prometheus.CounterVec
	JobsDeadLettered   prometheus.Counter
	DeliveryDuration   *prometheus.HistogramVec
	ProcessingDuration *prometheus.HistogramVec
	QueueDepth         prometheus.Gauge
	GatewaysOnline     prometheus.Gauge
	ErrorsTotal        *prometheus.CounterVec
}

// NewMetrics creates the core pipeline metrics
func NewMetrics() *Metrics {
	return &Metrics{
		MessagesReceived: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetrygate",
				Subsystem: "ingest",
				Name:      "messages_received_total",
				Help:      "Total number of inbound telemetry messages",
			},
			[]string{"transport", "format"},
		),

		MessagesQuarantine: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetrygate",
				Subsystem: "ingest",
				Name:      "messages_quarantined_total",
				Help:      "Total number of messages quarantined by policy",
			},
			[]string{"reason"},
		),

		JobsEnqueued: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "telemetrygate",
				Subsystem: "queue",
				Name:      "jobs_enqueued_total",
				Help:      "Total number of delivery jobs enqueued",
			},
		),

		JobsProcessed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetrygate",
				Subsystem: "worker",
				Name:      "jobs_processed_total",
				Help:      "Total number of delivery jobs processed",
			},
			[]string{"status"},
		),

		JobsDeadLettered: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "telemetrygate",
				Subsystem: "queue",
				Name:      "jobs_dead_lettered_total",
				Help:      "Total number of jobs moved to the dead-letter set",
			},
		),

		DeliveryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "telemetrygate",
				Subsystem: "forward",
				Name:      "delivery_duration_seconds",
				Help:      "Outbound HTTP delivery duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),

		ProcessingDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "telemetrygate",
				Subsystem: "worker",
				Name:      "processing_duration_seconds",
				Help:      "End-to-end job processing duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"path"},
		),

		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetrygate",
				Subsystem: "queue",
				Name:      "depth",
				Help:      "Current number of pending jobs in the main queue",
			},
		),

		GatewaysOnline: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "telemetrygate",
				Subsystem: "inventory",
				Name:      "gateways_online",
				Help:      "Number of gateways currently online",
			},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "telemetrygate",
				Subsystem: "errors",
				Name:      "total",
				Help:      "Total number of errors by component and class",
			},
			[]string{"component", "class"},
		),
	}
}

// ObserveError counts an error under the component that wrapped it and its
// classification
func (m *Metrics) ObserveError(err error) {
	component := "unknown"
	var ce *errors.ClassifiedError
	if errors.As(err, &ce) && ce.Component != "" {
		component = ce.Component
	}
	m.ErrorsTotal.WithLabelValues(component, errors.Classify(err).String()).Inc()
}

// collectors returns all core collectors for registration
func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.MessagesReceived,
		m.MessagesQuarantine,
		m.JobsEnqueued,
		m.JobsProcessed,
		m.JobsDeadLettered,
		m.DeliveryDuration,
		m.ProcessingDuration,
		m.QueueDepth,
		m.GatewaysOnline,
		m.ErrorsTotal,
	}
}
