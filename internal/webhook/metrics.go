// Prometheus instrumentation for dispatch and fan-out. Labels are kept
// low-cardinality: dispatch outcomes collapse to "success" or a bounded
// set of failure reasons.
package webhook

import "github.com/prometheus/client_golang/prometheus"

var (
	// dispatchTotal counts dispatches by normalized outcome.
	dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chat_dispatch_total",
			Help: "Total number of workflow-engine dispatches by outcome.",
		},
		[]string{"outcome"},
	)

	// dispatchDuration records the wall-clock duration of dispatches.
	dispatchDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chat_dispatch_duration_seconds",
			Help:    "Duration of workflow-engine dispatches in seconds.",
			Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
		},
	)

	// fanoutFailures counts failed secondary-channel deliveries.
	fanoutFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_fanout_failures_total",
			Help: "Total number of failed organization webhook deliveries.",
		},
	)

	// fanoutDropped counts triggers dropped because the queue was full.
	fanoutDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "chat_fanout_dropped_total",
			Help: "Total number of fan-out triggers dropped due to backpressure.",
		},
	)
)

func init() {
	prometheus.MustRegister(dispatchTotal, dispatchDuration, fanoutFailures, fanoutDropped)
}
