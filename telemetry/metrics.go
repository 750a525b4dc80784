package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// WriteBuckets for destination write batches (network + remote merge)
	WriteBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

	// ReconcileBuckets for supervisor reconciliation cycles
	ReconcileBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 15}

	// PageBuckets for backfill page fetch+dispatch latency
	PageBuckets = []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60}
)

// Routing Metrics
var (
	// EventsRoutedTotal counts change events dispatched per table
	EventsRoutedTotal CounterVec = noopCounterVec{}

	// EventsDroppedTotal counts dropped events by reason (heartbeat, malformed, unknown_op, filtered, no_route)
	EventsDroppedTotal CounterVec = noopCounterVec{}

	// WriteBatchesTotal counts write batches by destination type and result
	WriteBatchesTotal CounterVec = noopCounterVec{}

	// WriteBatchSeconds measures write batch latency by destination type
	WriteBatchSeconds HistogramVec = noopHistogramVec{}
)

// Dead Letter Metrics
var (
	// DeadLetterEnqueuedTotal counts dead-lettered events by error category
	DeadLetterEnqueuedTotal CounterVec = noopCounterVec{}

	// DeadLetterReplayedTotal counts events successfully replayed
	DeadLetterReplayedTotal Counter = NoopStat{}

	// DeadLetterDiscardedTotal counts events dropped at the retry or age limit
	DeadLetterDiscardedTotal Counter = NoopStat{}

	// DeadLetterPending tracks queue depth per routing key
	DeadLetterPending GaugeVec = noopGaugeVec{}
)

// Backfill Metrics
var (
	// BackfillRowsTotal counts rows loaded by backfill jobs
	BackfillRowsTotal Counter = NoopStat{}

	// BackfillPagesTotal counts completed backfill pages
	BackfillPagesTotal Counter = NoopStat{}

	// BackfillPageSeconds measures per-page fetch+dispatch latency
	BackfillPageSeconds Histogram = NoopStat{}

	// BackfillJobsTotal counts finished jobs by terminal status
	BackfillJobsTotal CounterVec = noopCounterVec{}
)

// Supervisor Metrics
var (
	// UnitRestartsTotal counts execution unit restarts per pipeline
	UnitRestartsTotal CounterVec = noopCounterVec{}

	// UnitsRunning tracks currently running execution units
	UnitsRunning Gauge = NoopStat{}

	// ReconcileSeconds measures reconciliation cycle duration
	ReconcileSeconds Histogram = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	// Routing Metrics
	EventsRoutedTotal = NewCounterVec(
		"events_routed_total",
		"Change events dispatched to destinations per table",
		[]string{"table"},
	)
	EventsDroppedTotal = NewCounterVec(
		"events_dropped_total",
		"Change events dropped before dispatch",
		[]string{"reason"},
	)
	WriteBatchesTotal = NewCounterVec(
		"write_batches_total",
		"Destination write batches by type and result",
		[]string{"dest_type", "result"},
	)
	WriteBatchSeconds = NewHistogramVec(
		"write_batch_seconds",
		"Destination write batch duration in seconds",
		[]string{"dest_type"},
		WriteBuckets,
	)

	// Dead Letter Metrics
	DeadLetterEnqueuedTotal = NewCounterVec(
		"dead_letter_enqueued_total",
		"Events enqueued to the dead letter store by error category",
		[]string{"category"},
	)
	DeadLetterReplayedTotal = NewCounter(
		"dead_letter_replayed_total",
		"Events successfully replayed from the dead letter store",
	)
	DeadLetterDiscardedTotal = NewCounter(
		"dead_letter_discarded_total",
		"Dead letter events discarded at the retry or age limit",
	)
	DeadLetterPending = NewGaugeVec(
		"dead_letter_pending",
		"Pending dead letter entries per routing key",
		[]string{"routing_key"},
	)

	// Backfill Metrics
	BackfillRowsTotal = NewCounter(
		"backfill_rows_total",
		"Rows loaded by backfill jobs",
	)
	BackfillPagesTotal = NewCounter(
		"backfill_pages_total",
		"Completed backfill pages",
	)
	BackfillPageSeconds = NewHistogramWithBuckets(
		"backfill_page_seconds",
		"Backfill page fetch and dispatch duration in seconds",
		PageBuckets,
	)
	BackfillJobsTotal = NewCounterVec(
		"backfill_jobs_total",
		"Finished backfill jobs by terminal status",
		[]string{"status"},
	)

	// Supervisor Metrics
	UnitRestartsTotal = NewCounterVec(
		"unit_restarts_total",
		"Execution unit restarts per pipeline",
		[]string{"pipeline"},
	)
	UnitsRunning = NewGauge(
		"units_running",
		"Currently running execution units",
	)
	ReconcileSeconds = NewHistogramWithBuckets(
		"reconcile_seconds",
		"Supervisor reconciliation cycle duration in seconds",
		ReconcileBuckets,
	)
}
