// Package observability wires tracing and metrics for the service.
//
// This file defines the Prometheus collectors for the event pipeline. HTTP
// traffic has its own collectors in the middleware package; these cover the
// pipeline outcomes the operators actually alert on: how many events came
// in, how many were duplicates or malformed, how many applied, how deep the
// orphan queue is, and how long orphaned events wait before resolving.
package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	// EventsReceived counts events accepted by the ingestion pipeline,
	// before deduplication, labeled by provider.
	EventsReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_received_total",
			Help: "Total number of webhook events received.",
		},
		[]string{"provider"},
	)

	// EventsDuplicate counts dedup-gate hits. Duplicates are successes,
	// not failures; the counter exists to spot providers that redeliver
	// excessively.
	EventsDuplicate = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_duplicate_total",
			Help: "Total number of webhook events dropped as duplicates.",
		},
		[]string{"provider"},
	)

	// EventsMalformed counts payloads that failed normalization and went
	// straight to the dead-letter store.
	EventsMalformed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_malformed_total",
			Help: "Total number of webhook events that failed normalization.",
		},
		[]string{"provider"},
	)

	// EventsApplied counts events whose effects were reconciled onto an
	// enrollment (status and/or counters).
	EventsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_applied_total",
			Help: "Total number of webhook events applied to enrollments.",
		},
		[]string{"provider"},
	)

	// EventsOrphaned counts events queued because their enrollment did not
	// exist yet at processing time.
	EventsOrphaned = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_orphaned_total",
			Help: "Total number of webhook events queued as orphans.",
		},
		[]string{"provider"},
	)

	// EventsDeadLettered counts events moved to the dead-letter store,
	// labeled by reason (retries_exhausted, malformed).
	EventsDeadLettered = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_events_dead_lettered_total",
			Help: "Total number of webhook events moved to the dead-letter store.",
		},
		[]string{"provider", "reason"},
	)

	// OrphanQueueDepth gauges the current number of orphaned events
	// awaiting retry. Refreshed on every scheduler tick.
	OrphanQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "orphan_queue_depth",
			Help: "Current number of orphaned events awaiting retry.",
		},
	)

	// OrphanResolutionSeconds observes the time from enqueue to successful
	// resolution for orphaned events. Buckets span the retry policy's
	// qualitative range: seconds up to hours.
	OrphanResolutionSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "orphan_resolution_seconds",
			Help:    "Time from orphan enqueue to successful resolution.",
			Buckets: []float64{1, 5, 15, 60, 300, 900, 3600, 14400, 86400},
		},
	)
)

func init() {
	prometheus.MustRegister(
		EventsReceived, EventsDuplicate, EventsMalformed,
		EventsApplied, EventsOrphaned, EventsDeadLettered,
		OrphanQueueDepth, OrphanResolutionSeconds,
	)
}
