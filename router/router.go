// Package router dispatches captured change batches to every destination
// route configured for their tables, isolating failures per destination
// through the dead letter store.
package router

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/common"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/source"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/telemetry"
	"github.com/sluicedb/sluice/writer"
)

// target is one (route, destination) pair a table fans out to.
type target struct {
	route common.TableSyncRoute
	dest  state.PipelineDestination
}

// Router owns the table→routes map for one pipeline, built once at unit
// startup. Safe for use as a source.Handler.
type Router struct {
	pipeline *state.Pipeline
	routes   map[string][]target
	writers  map[int64]writer.Writer // keyed by destination id
	filter   *source.TableFilter

	store    state.Store
	queue    dlq.Store
	notifier *notify.Notifier

	// Error flag write-through is edge-triggered: flags are written on
	// the first failure and cleared on the first success after one.
	destErrored  map[int64]bool
	routeErrored map[int64]bool
}

// New builds the routing table from the pipeline's destinations.
func New(pipeline *state.Pipeline, writers map[int64]writer.Writer, filter *source.TableFilter,
	store state.Store, queue dlq.Store, notifier *notify.Notifier) *Router {

	r := &Router{
		pipeline:     pipeline,
		routes:       make(map[string][]target),
		writers:      writers,
		filter:       filter,
		store:        store,
		queue:        queue,
		notifier:     notifier,
		destErrored:  make(map[int64]bool),
		routeErrored: make(map[int64]bool),
	}

	for _, pd := range pipeline.Destinations {
		r.destErrored[pd.ID] = pd.IsError
		for _, route := range pd.Routes {
			r.routeErrored[route.ID] = route.IsError
			r.routes[route.SourceTable] = append(r.routes[route.SourceTable], target{route: route, dest: pd})
		}
	}
	return r
}

// Route parses the raw batch, groups events by table, and dispatches each
// table to all of its routes. Always returns nil: destination failures
// are absorbed into the dead letter store, never propagated to the
// capture source.
func (r *Router) Route(ctx context.Context, batch []source.Message) error {
	r.RouteEvents(ctx, r.parse(batch))
	return nil
}

// RouteEvents dispatches already-parsed events grouped by table. Backfill
// jobs feed their synthetic read events through here so bulk loads share
// the live path's isolation and dead letter handling.
func (r *Router) RouteEvents(ctx context.Context, grouped map[string][]common.ChangeEvent) {
	for table, events := range grouped {
		targets, ok := r.routes[table]
		if !ok {
			// Configuration gap, not a transient failure: no DLQ entry.
			log.Warn().Str("table", table).Int("events", len(events)).
				Int64("pipeline", r.pipeline.ID).Msg("No route configured for table, dropping batch")
			telemetry.EventsDroppedTotal.With(dropNoRoute).Add(float64(len(events)))
			continue
		}

		delivered := false
		for _, tgt := range targets {
			if r.dispatch(ctx, tgt, events) {
				delivered = true
			}
		}
		// A batch every destination rejected is dead-lettered, not routed.
		if delivered {
			telemetry.EventsRoutedTotal.With(table).Add(float64(len(events)))
		}
	}
}

// GroupByTable buckets events by their table name.
func GroupByTable(events []common.ChangeEvent) map[string][]common.ChangeEvent {
	grouped := make(map[string][]common.ChangeEvent)
	for _, e := range events {
		grouped[e.Table] = append(grouped[e.Table], e)
	}
	return grouped
}

// parse decodes and groups the batch by source table, applying the
// allow-list. Undecodable messages are dropped silently.
func (r *Router) parse(batch []source.Message) map[string][]common.ChangeEvent {
	grouped := make(map[string][]common.ChangeEvent)
	for _, msg := range batch {
		event, dropped := parseEvent(msg)
		if dropped != "" {
			telemetry.EventsDroppedTotal.With(dropped).Add(1)
			continue
		}
		if r.filter != nil && !r.filter.Allows(event.Table) {
			telemetry.EventsDroppedTotal.With(dropFiltered).Add(1)
			continue
		}
		grouped[event.Table] = append(grouped[event.Table], event)
	}
	return grouped
}

// dispatch writes one table's events to one route, reporting whether the
// write succeeded. A failure dead-letters every event and flags the
// destination; it never affects other routes.
func (r *Router) dispatch(ctx context.Context, tgt target, events []common.ChangeEvent) bool {
	w, ok := r.writers[tgt.dest.DestinationID]
	if !ok {
		log.Error().Int64("destination", tgt.dest.DestinationID).
			Msg("No writer instance for destination")
		return false
	}

	start := time.Now()
	err := w.WriteBatch(ctx, tgt.route, events)
	telemetry.WriteBatchSeconds.With(tgt.dest.Destination.DestType).
		Observe(time.Since(start).Seconds())

	if err == nil {
		telemetry.WriteBatchesTotal.With(tgt.dest.Destination.DestType, "success").Add(1)
		r.clearFlags(ctx, tgt)
		return true
	}

	telemetry.WriteBatchesTotal.With(tgt.dest.Destination.DestType, "failure").Add(1)
	r.deadLetter(ctx, tgt, events, err)
	return false
}

// clearFlags write-through-clears the sticky error flags after the first
// successful write following a failure.
func (r *Router) clearFlags(ctx context.Context, tgt target) {
	if r.destErrored[tgt.dest.ID] {
		if err := r.store.ClearDestinationError(ctx, tgt.dest.ID); err != nil {
			log.Warn().Err(err).Int64("pipeline_destination", tgt.dest.ID).
				Msg("Failed to clear destination error flag")
		} else {
			r.destErrored[tgt.dest.ID] = false
		}
	}
	if r.routeErrored[tgt.route.ID] {
		if err := r.store.ClearRouteError(ctx, tgt.route.ID); err != nil {
			log.Warn().Err(err).Int64("route", tgt.route.ID).
				Msg("Failed to clear route error flag")
		} else {
			r.routeErrored[tgt.route.ID] = false
		}
	}
}

// deadLetter enqueues one DeadLetterMessage per failed event, flags the
// destination and route with the sanitized message, and notifies.
func (r *Router) deadLetter(ctx context.Context, tgt target, events []common.ChangeEvent, writeErr error) {
	category, message := common.Sanitize(writeErr)

	log.Error().Err(writeErr).
		Int64("pipeline", r.pipeline.ID).
		Int64("destination", tgt.dest.DestinationID).
		Str("table", tgt.route.SourceTable).
		Str("category", category).
		Int("events", len(events)).
		Msg("Destination write failed, dead-lettering batch")

	now := time.Now().UnixMilli()
	for _, event := range events {
		msg := &common.DeadLetterMessage{
			PipelineID:            r.pipeline.ID,
			SourceID:              r.pipeline.SourceID,
			DestinationID:         tgt.dest.DestinationID,
			PipelineDestinationID: tgt.dest.ID,
			SourceTable:           tgt.route.SourceTable,
			TargetTable:           tgt.route.TargetTable,
			Event:                 event,
			Route:                 tgt.route,
			RetryCount:            0,
			FirstFailedAt:         now,
		}
		if err := r.queue.Enqueue(ctx, msg); err != nil {
			// Losing the entry here loses the event. Log loudly; the
			// capture batch is already acknowledged upstream.
			log.Error().Err(err).Str("routing_key", msg.Key().String()).
				Msg("Failed to enqueue dead letter entry")
			continue
		}
		telemetry.DeadLetterEnqueuedTotal.With(category).Add(1)
	}

	r.setFlags(ctx, tgt, message)

	r.notifier.Notify(ctx, notify.Event{
		Pipeline:    r.pipeline.Name,
		Destination: tgt.dest.Destination.Name,
		Table:       tgt.route.SourceTable,
		Category:    category,
		Message:     message,
	})
}

func (r *Router) setFlags(ctx context.Context, tgt target, message string) {
	if err := r.store.SetDestinationError(ctx, tgt.dest.ID, message); err != nil {
		log.Warn().Err(err).Int64("pipeline_destination", tgt.dest.ID).
			Msg("Failed to set destination error flag")
	} else {
		r.destErrored[tgt.dest.ID] = true
	}
	if err := r.store.SetRouteError(ctx, tgt.route.ID, message); err != nil {
		log.Warn().Err(err).Int64("route", tgt.route.ID).
			Msg("Failed to set route error flag")
	} else {
		r.routeErrored[tgt.route.ID] = true
	}
}
