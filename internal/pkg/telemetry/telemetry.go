// Package telemetry exposes prometheus instruments for the ingestion
// pipeline. Everything is registered on the default registry.
package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "pr_insight"

var (
	eventsIngested = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "events_ingested_total",
		Help:      "Inbound events committed by the write path.",
	}, []string{"event"})

	duplicateRecords = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_records_total",
		Help:      "Inserts resolved to an existing row by external id.",
	}, []string{"entity"})

	staleUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "stale_updates_total",
		Help:      "Conditional updates skipped because stored state was newer.",
	}, []string{"entity"})

	orphansStored = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_stored_total",
		Help:      "Child records stored before their pull request existed.",
	}, []string{"entity"})

	orphansLinked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "orphans_linked_total",
		Help:      "Child records linked to their pull request by backfill.",
	}, []string{"entity"})

	duplicateDeliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "duplicate_deliveries_total",
		Help:      "Metric events skipped because their delivery key was already processed.",
	}, []string{"kind"})

	dispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_enqueued_total",
		Help:      "Metric events accepted by a worker pool.",
	}, []string{"pool"})

	rejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_rejected_total",
		Help:      "Metric events refused because the pool queue was full or closed.",
	}, []string{"pool"})

	callerRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_caller_runs_total",
		Help:      "Metric events executed on the caller because the pool queue was full.",
	}, []string{"pool"})

	failures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "dispatch_failures_total",
		Help:      "Metric events abandoned after handling failed.",
	}, []string{"pool", "reason"})

	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "dispatch_queue_depth",
		Help:      "Metric events waiting in pool queues.",
	}, []string{"pool"})

	derivationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "derivation_duration_seconds",
		Help:      "Time spent applying one metric event to the aggregates.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"kind"})
)

func IncEventIngested(event string) {
	eventsIngested.WithLabelValues(event).Inc()
}

func IncDuplicateRecord(entity string) {
	duplicateRecords.WithLabelValues(entity).Inc()
}

func IncStaleUpdate(entity string) {
	staleUpdates.WithLabelValues(entity).Inc()
}

func IncOrphanStored(entity string) {
	orphansStored.WithLabelValues(entity).Inc()
}

func AddOrphansLinked(entity string, n int64) {
	if n <= 0 {
		return
	}
	orphansLinked.WithLabelValues(entity).Add(float64(n))
}

func IncDuplicateDelivery(kind string) {
	duplicateDeliveries.WithLabelValues(kind).Inc()
}

func IncDispatched(pool string) {
	dispatched.WithLabelValues(pool).Inc()
}

func IncRejected(pool string) {
	rejected.WithLabelValues(pool).Inc()
}

func IncCallerRuns(pool string) {
	callerRuns.WithLabelValues(pool).Inc()
}

func IncFailure(pool, reason string) {
	failures.WithLabelValues(pool, reason).Inc()
}

func SetQueueDepth(pool string, depth int) {
	queueDepth.WithLabelValues(pool).Set(float64(depth))
}

func ObserveDerivation(kind string, started time.Time) {
	derivationDuration.WithLabelValues(kind).Observe(time.Since(started).Seconds())
}
