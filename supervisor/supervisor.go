// Package supervisor reconciles the pipeline control tables against a
// set of running execution units. Each cycle it lists configured
// pipelines and starts, stops, or restarts units until the running set
// matches the desired one.
package supervisor

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/source"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/telemetry"
)

type Supervisor struct {
	store    state.Store
	queue    dlq.Store
	notifier *notify.Notifier

	sourceFactory source.Factory
	pollInterval  time.Duration

	units *xsync.MapOf[int64, *Unit]

	stopCh  chan struct{}
	doneCh  chan struct{}
	running atomic.Bool
}

func New(store state.Store, queue dlq.Store, notifier *notify.Notifier) *Supervisor {
	return &Supervisor{
		store:         store,
		queue:         queue,
		notifier:      notifier,
		sourceFactory: source.New,
		pollInterval:  time.Duration(cfg.Config.Supervisor.PollIntervalSeconds) * time.Second,
		units:         xsync.NewMapOf[int64, *Unit](),
	}
}

func (s *Supervisor) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	go s.pollLoop()
	log.Info().Dur("interval", s.pollInterval).Msg("Pipeline supervisor started")
}

// Stop halts reconciliation and winds down every running unit.
func (s *Supervisor) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh

	s.units.Range(func(id int64, u *Unit) bool {
		s.units.Delete(id)
		u.stop(s.stopTimeout())
		return true
	})
	log.Info().Msg("Pipeline supervisor stopped")
}

func (s *Supervisor) pollLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Run one cycle immediately so configured pipelines come up without
	// waiting for the first tick.
	s.Reconcile(context.Background())
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Reconcile(context.Background())
		}
	}
}

// Reconcile runs one reconciliation cycle. Rules are applied in order:
// pipelines removed from the control tables stop first, then paused and
// refresh-requested pipelines, then running pipelines are started or
// restarted as needed.
func (s *Supervisor) Reconcile(ctx context.Context) {
	start := time.Now()
	defer func() {
		telemetry.ReconcileSeconds.Observe(time.Since(start).Seconds())
	}()

	pipelines, err := s.store.ListPipelines(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pipelines, skipping reconciliation cycle")
		return
	}

	desired := make(map[int64]*state.Pipeline, len(pipelines))
	for i := range pipelines {
		desired[pipelines[i].ID] = &pipelines[i]
	}

	s.units.Range(func(id int64, u *Unit) bool {
		if _, exists := desired[id]; !exists {
			log.Info().Int64("pipeline", id).Msg("Pipeline removed, stopping unit")
			s.stopUnit(id, u)
		}
		return true
	})

	for id, pipeline := range desired {
		u, exists := s.units.Load(id)

		switch pipeline.Status {
		case state.PipelinePaused:
			if exists {
				log.Info().Int64("pipeline", id).Msg("Pipeline paused, stopping unit")
				s.stopUnit(id, u)
				s.writeStatus(ctx, id, state.PipelinePaused)
			}

		case state.PipelineRefreshRequested:
			log.Info().Int64("pipeline", id).Msg("Pipeline refresh requested, restarting unit")
			if exists {
				s.stopUnit(id, u)
			}
			if s.launch(ctx, pipeline) {
				s.writeStatus(ctx, id, state.PipelineRunning)
			}

		case state.PipelineRunning:
			switch {
			case !exists:
				s.launch(ctx, pipeline)
			case pipeline.ConfigVersion.After(u.configVersion):
				log.Info().Int64("pipeline", id).
					Time("version", pipeline.ConfigVersion).
					Msg("Pipeline configuration changed, restarting unit")
				s.stopUnit(id, u)
				if s.launch(ctx, pipeline) {
					telemetry.UnitRestartsTotal.With(pipeline.Name).Inc()
				}
			case !u.Alive():
				log.Warn().Int64("pipeline", id).Msg("Execution unit died, restarting")
				s.stopUnit(id, u)
				if s.launch(ctx, pipeline) {
					telemetry.UnitRestartsTotal.With(pipeline.Name).Inc()
				}
			}

		default:
			// Unknown statuses are treated as paused so an operator typo
			// cannot start a pipeline.
			if exists {
				log.Warn().Int64("pipeline", id).Str("status", pipeline.Status).
					Msg("Unknown pipeline status, stopping unit")
				s.stopUnit(id, u)
			}
		}
	}
}

// UnitCount reports how many execution units are currently tracked.
func (s *Supervisor) UnitCount() int {
	return s.units.Size()
}

// RunningPipelines lists the ids of pipelines with a tracked unit.
func (s *Supervisor) RunningPipelines() []int64 {
	ids := make([]int64, 0, s.units.Size())
	s.units.Range(func(id int64, _ *Unit) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

func (s *Supervisor) launch(ctx context.Context, pipeline *state.Pipeline) bool {
	u, err := s.startUnit(ctx, pipeline)
	if err != nil {
		log.Error().Err(err).Int64("pipeline", pipeline.ID).
			Msg("Failed to start execution unit")
		return false
	}
	s.units.Store(pipeline.ID, u)
	return true
}

func (s *Supervisor) stopUnit(id int64, u *Unit) {
	s.units.Delete(id)
	u.stop(s.stopTimeout())
}

func (s *Supervisor) writeStatus(ctx context.Context, id int64, status string) {
	if err := s.store.UpdatePipelineStatus(ctx, id, status); err != nil {
		log.Error().Err(err).Int64("pipeline", id).Str("status", status).
			Msg("Failed to write pipeline status back")
	}
}

func (s *Supervisor) stopTimeout() time.Duration {
	return time.Duration(cfg.Config.Supervisor.StopTimeoutSeconds) * time.Second
}
