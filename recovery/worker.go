// Package recovery drains the dead letter store back into destinations
// once they pass their health probe, enforcing retry and age limits.
package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/telemetry"
	"github.com/sluicedb/sluice/writer"
)

const (
	// DefaultPollInterval between recovery cycles
	DefaultPollInterval = 30 * time.Second
	// DefaultBatchSize of entries replayed per routing key per cycle
	DefaultBatchSize = 200
	// DefaultPurgeEveryCycles between limit-enforcement sweeps
	DefaultPurgeEveryCycles = 20
	// DefaultStopTimeout bounds how long Stop waits for the loop to join
	DefaultStopTimeout = 30 * time.Second
)

// WorkerConfig configures one pipeline's recovery worker
type WorkerConfig struct {
	Pipeline *state.Pipeline
	Writers  map[int64]writer.Writer // Shared with the unit's router
	Store    state.Store
	Queue    dlq.Store

	PollInterval     time.Duration
	BatchSize        int
	PurgeEveryCycles int
	MaxRetryCount    int
	MaxAge           time.Duration
	MinIdle          time.Duration // Claim age before a stale entry is reclaimed
	StopTimeout      time.Duration
}

// Worker replays dead-lettered batches for one pipeline
type Worker struct {
	config WorkerConfig

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex

	// Cached per-destination health so only transitions get logged
	healthy map[int64]bool
	cycles  int
}

// NewWorker validates the config and builds a worker
func NewWorker(config WorkerConfig) (*Worker, error) {
	if config.Pipeline == nil {
		return nil, fmt.Errorf("pipeline is required")
	}
	if config.Store == nil {
		return nil, fmt.Errorf("state store is required")
	}
	if config.Queue == nil {
		return nil, fmt.Errorf("dead letter store is required")
	}

	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PurgeEveryCycles <= 0 {
		config.PurgeEveryCycles = DefaultPurgeEveryCycles
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = DefaultStopTimeout
	}

	return &Worker{
		config:  config,
		stopCh:  make(chan struct{}),
		doneCh:  make(chan struct{}),
		healthy: make(map[int64]bool),
	}, nil
}

// Start starts the worker goroutine
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.running.Load() {
		return
	}

	w.running.Store(true)
	w.stopCh = make(chan struct{})
	w.doneCh = make(chan struct{})

	log.Info().Int64("pipeline", w.config.Pipeline.ID).Msg("Starting recovery worker")
	go w.pollLoop()
}

// Stop signals the loop and joins it with a bounded timeout
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.Load() {
		return
	}

	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(w.config.StopTimeout):
		log.Error().Int64("pipeline", w.config.Pipeline.ID).
			Msg("Recovery worker did not stop within timeout")
	}
	w.running.Store(false)

	log.Info().Int64("pipeline", w.config.Pipeline.ID).Msg("Recovery worker stopped")
}

func (w *Worker) pollLoop() {
	defer close(w.doneCh)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stopCh:
			return
		case <-ticker.C:
			w.RunCycle(context.Background())
		}
	}
}

// RunCycle performs one recovery pass: reclaim stale claims, probe
// health, replay what the healthy destinations can take, and
// periodically purge entries over the retry or age limit.
func (w *Worker) RunCycle(ctx context.Context) {
	keys, err := w.config.Queue.ListRoutingKeys(ctx)
	if err != nil {
		log.Error().Err(err).Int64("pipeline", w.config.Pipeline.ID).
			Msg("Failed to list dead letter routing keys")
		return
	}

	w.cycles++
	purgeCycle := w.cycles%w.config.PurgeEveryCycles == 0

	for _, key := range keys {
		if !w.owns(key) {
			continue
		}

		select {
		case <-w.stopCh:
			return
		default:
		}

		w.recoverKey(ctx, key)

		if purgeCycle {
			w.purgeKey(ctx, key)
		}
	}
}

// owns limits this worker to its own pipeline's queues: the dead letter
// store is shared across units.
func (w *Worker) owns(key common.RoutingKey) bool {
	if key.SourceID != w.config.Pipeline.SourceID {
		return false
	}
	_, ok := w.config.Writers[key.DestinationID]
	return ok
}

func (w *Worker) recoverKey(ctx context.Context, key common.RoutingKey) {
	// Reclaim entries a crashed cycle left claimed before anything else.
	if w.config.MinIdle > 0 {
		reclaimed, err := w.config.Queue.ReclaimStale(ctx, key, w.config.MinIdle, w.config.BatchSize)
		if err != nil {
			log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to reclaim stale entries")
		} else if reclaimed > 0 {
			log.Info().Str("routing_key", key.String()).Int("reclaimed", reclaimed).
				Msg("Reclaimed stale dead letter entries")
		}
	}

	if !w.probeHealth(ctx, key.DestinationID) {
		return
	}

	hasMessages, err := w.config.Queue.HasMessages(ctx, key)
	if err != nil || !hasMessages {
		return
	}

	deliveries, err := w.config.Queue.DequeueBatch(ctx, key, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Str("routing_key", key.String()).Msg("Failed to dequeue dead letter batch")
		return
	}
	if len(deliveries) == 0 {
		return
	}

	w.replay(ctx, key, deliveries)
}

// probeHealth checks the destination with its writer's liveness probe,
// caching the result so only transitions are logged. An uninitialized
// writer (failed Init at unit start) gets one Init attempt first.
func (w *Worker) probeHealth(ctx context.Context, destinationID int64) bool {
	wr, ok := w.config.Writers[destinationID]
	if !ok {
		return false
	}

	err := wr.TestConnection(ctx)
	if err != nil {
		if initErr := wr.Init(ctx); initErr == nil {
			err = wr.TestConnection(ctx)
		}
	}
	healthy := err == nil

	was, seen := w.healthy[destinationID]
	if !seen || was != healthy {
		if healthy {
			log.Info().Int64("destination", destinationID).
				Int64("pipeline", w.config.Pipeline.ID).Msg("Destination became healthy")
		} else {
			log.Warn().Err(err).Int64("destination", destinationID).
				Int64("pipeline", w.config.Pipeline.ID).Msg("Destination unhealthy, deferring replay")
		}
	}
	w.healthy[destinationID] = healthy
	return healthy
}

// replay writes one dequeued batch back through the destination writer,
// grouped by the snapshotted route.
func (w *Worker) replay(ctx context.Context, key common.RoutingKey, deliveries []dlq.Delivery) {
	wr := w.config.Writers[key.DestinationID]

	byRoute := make(map[int64][]dlq.Delivery)
	for _, d := range deliveries {
		byRoute[d.Message.Route.ID] = append(byRoute[d.Message.Route.ID], d)
	}

	for _, group := range byRoute {
		route := group[0].Message.Route
		events := make([]common.ChangeEvent, len(group))
		handles := make([]dlq.Handle, len(group))
		for i, d := range group {
			events[i] = d.Message.Event
			handles[i] = d.Handle
		}

		if err := wr.WriteBatch(ctx, route, events); err != nil {
			log.Warn().Err(err).Str("routing_key", key.String()).Int("events", len(events)).
				Msg("Replay failed, rescheduling with incremented retry count")
			w.healthy[key.DestinationID] = false
			w.reschedule(ctx, key, group)
			continue
		}

		if err := w.config.Queue.Acknowledge(ctx, key, handles); err != nil {
			// Unacked entries will be reclaimed and replayed; the writer
			// is idempotent per key, so this is safe.
			log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to acknowledge replayed entries")
			continue
		}

		telemetry.DeadLetterReplayedTotal.Add(float64(len(events)))
		log.Info().Str("routing_key", key.String()).Int("events", len(events)).
			Msg("Replayed dead letter batch")

		w.clearFlags(ctx, group[0].Message)
	}

	w.deleteIfEmpty(ctx, key)
}

// reschedule writes a replacement entry with an incremented retry count
// for each failed message, acknowledging the original only after the
// replacement is durable. Entries at the retry limit are discarded.
func (w *Worker) reschedule(ctx context.Context, key common.RoutingKey, group []dlq.Delivery) {
	for _, d := range group {
		next := *d.Message
		next.RetryCount++

		if w.config.MaxRetryCount > 0 && next.RetryCount >= w.config.MaxRetryCount {
			log.Warn().Str("routing_key", key.String()).Int("retry_count", next.RetryCount).
				Str("table", next.SourceTable).Msg("Retry limit reached, discarding dead letter entry")
			if err := w.config.Queue.Acknowledge(ctx, key, []dlq.Handle{d.Handle}); err != nil {
				log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to discard entry")
			}
			telemetry.DeadLetterDiscardedTotal.Add(1)
			continue
		}

		if err := w.config.Queue.Enqueue(ctx, &next); err != nil {
			// Leave the original claimed; it will be reclaimed as stale
			// and retried without losing the event.
			log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to reschedule entry")
			continue
		}
		if err := w.config.Queue.Acknowledge(ctx, key, []dlq.Handle{d.Handle}); err != nil {
			log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to acknowledge rescheduled entry")
		}
	}
}

func (w *Worker) clearFlags(ctx context.Context, msg *common.DeadLetterMessage) {
	if err := w.config.Store.ClearDestinationError(ctx, msg.PipelineDestinationID); err != nil {
		log.Warn().Err(err).Int64("pipeline_destination", msg.PipelineDestinationID).
			Msg("Failed to clear destination error flag")
	}
	if err := w.config.Store.ClearRouteError(ctx, msg.Route.ID); err != nil {
		log.Warn().Err(err).Int64("route", msg.Route.ID).Msg("Failed to clear route error flag")
	}
}

func (w *Worker) deleteIfEmpty(ctx context.Context, key common.RoutingKey) {
	hasMessages, err := w.config.Queue.HasMessages(ctx, key)
	if err != nil || hasMessages {
		return
	}
	if err := w.config.Queue.DeleteQueue(ctx, key); err != nil {
		log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to delete drained queue")
	}
}

func (w *Worker) purgeKey(ctx context.Context, key common.RoutingKey) {
	purged, err := w.config.Queue.Purge(ctx, key, w.config.MaxRetryCount, w.config.MaxAge)
	if err != nil {
		log.Warn().Err(err).Str("routing_key", key.String()).Msg("Failed to purge dead letter queue")
		return
	}
	if purged > 0 {
		telemetry.DeadLetterDiscardedTotal.Add(float64(purged))
		log.Info().Str("routing_key", key.String()).Int("purged", purged).
			Msg("Purged dead letter entries over retry or age limit")
	}
}
