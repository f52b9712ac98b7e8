// Package metrics exposes Prometheus instrumentation for the relay.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects relay-level metrics.
//
// Tracked:
//   - Active client streams per organization (capacity planning)
//   - Events buffered / delivered / dropped
//   - Execution latency and outcome counts per execution mode
//   - Circuit breaker state (0 closed, 1 open)
type Metrics struct {
	// ActiveStreams gauges currently attached client streams.
	// Labels: org
	ActiveStreams *prometheus.GaugeVec

	// EventsBuffered counts events admitted to the event buffer.
	EventsBuffered prometheus.Counter

	// EventsDelivered counts events written to a client stream.
	// Labels: kind
	EventsDelivered *prometheus.CounterVec

	// EventsDropped counts relay deliveries with no attached client.
	EventsDropped prometheus.Counter

	// ExecutionDuration measures execution-plane turn latency in seconds.
	// Labels: mode (remote|embedded)
	ExecutionDuration *prometheus.HistogramVec

	// ExecutionOutcomes counts completed turns.
	// Labels: mode, status (success|error|timeout)
	ExecutionOutcomes *prometheus.CounterVec

	// CircuitOpen is 1 while the breaker routes to the fallback path.
	CircuitOpen prometheus.Gauge

	// AdmissionRejections counts requests refused before a stream opened.
	// Labels: reason (connection_limit|message_too_long|worker_unavailable)
	AdmissionRejections *prometheus.CounterVec
}

// New registers all relay metrics on the given registerer. Pass
// prometheus.DefaultRegisterer in production; tests use a fresh registry
// to avoid duplicate registration.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ActiveStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "loopwire_relay_active_streams",
			Help: "Currently attached client streams.",
		}, []string{"org"}),
		EventsBuffered: factory.NewCounter(prometheus.CounterOpts{
			Name: "loopwire_relay_events_buffered_total",
			Help: "Events admitted to the per-session event buffer.",
		}),
		EventsDelivered: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loopwire_relay_events_delivered_total",
			Help: "Events written to a client stream.",
		}, []string{"kind"}),
		EventsDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "loopwire_relay_events_dropped_total",
			Help: "Relay deliveries dropped because no client was attached.",
		}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loopwire_execution_duration_seconds",
			Help:    "Execution-plane turn latency.",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}, []string{"mode"}),
		ExecutionOutcomes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loopwire_execution_outcomes_total",
			Help: "Completed execution-plane turns by status.",
		}, []string{"mode", "status"}),
		CircuitOpen: factory.NewGauge(prometheus.GaugeOpts{
			Name: "loopwire_circuit_open",
			Help: "1 while the execution-plane circuit breaker is open.",
		}),
		AdmissionRejections: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "loopwire_admission_rejections_total",
			Help: "Requests refused before a stream was opened.",
		}, []string{"reason"}),
	}
}
