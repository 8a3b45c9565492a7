package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Registry holds every chargepeer collector. It is served on /metrics.
var Registry = prometheus.NewRegistry()

var (
	// ControlTransitions counts device control-state transitions.
	ControlTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargepeer_control_transitions_total",
			Help: "Total number of device control-state transitions.",
		},
		[]string{"from", "to"},
	)

	// FieldPublishTotal counts instructions published to the field.
	FieldPublishTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargepeer_field_publish_total",
			Help: "Total number of control instructions published to the field.",
		},
		[]string{"status", "type"}, // status: success/failed, type: IDLE/IMPORT/EXPORT
	)

	// InvocationsTotal counts finished durable invocations.
	InvocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargepeer_invocations_total",
			Help: "Total number of finished durable invocations.",
		},
		[]string{"service", "handler", "status"},
	)

	// InvocationDuration records wall time from first attempt to completion.
	InvocationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chargepeer_invocation_duration_seconds",
			Help:    "Duration of durable invocations from start to completion.",
			Buckets: prometheus.ExponentialBuckets(0.005, 4, 12), // 5ms .. ~6h
		},
		[]string{"service", "handler"},
	)

	// PendingTimers is the number of armed durable timers.
	PendingTimers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "chargepeer_pending_timers",
			Help: "Number of armed durable timers.",
		},
	)

	// ArchivedInvocations counts invocations removed by the collector.
	ArchivedInvocations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chargepeer_archived_invocations_total",
			Help: "Total number of finished invocations archived and deleted.",
		},
		[]string{"result"},
	)
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		ControlTransitions,
		FieldPublishTotal,
		InvocationsTotal,
		InvocationDuration,
		PendingTimers,
		ArchivedInvocations,
	)
}
