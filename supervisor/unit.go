package supervisor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/recovery"
	"github.com/sluicedb/sluice/router"
	"github.com/sluicedb/sluice/source"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/telemetry"
	"github.com/sluicedb/sluice/writer"
)

// Unit is one pipeline's isolated execution context: its own capture
// consumer, router, destination writers, and recovery worker. At most
// one unit runs per pipeline id; the supervisor enforces that.
type Unit struct {
	pipeline      *state.Pipeline
	configVersion time.Time

	writers  map[int64]writer.Writer
	source   source.Source
	recovery *recovery.Worker

	cancel context.CancelFunc
	doneCh chan struct{}
}

// startUnit builds and launches a unit for the pipeline. Writer init
// failures degrade that destination (its writes fall to the dead letter
// store) without aborting the unit.
func (s *Supervisor) startUnit(ctx context.Context, pipeline *state.Pipeline) (*Unit, error) {
	filter, err := source.NewTableFilter(cfg.Config.Capture.Tables)
	if err != nil {
		return nil, err
	}

	writers := make(map[int64]writer.Writer)
	for _, pd := range pipeline.Destinations {
		w, err := writer.New(pd.Destination)
		if err != nil {
			log.Error().Err(err).Int64("destination", pd.DestinationID).
				Int64("pipeline", pipeline.ID).Msg("Failed to construct destination writer")
			continue
		}
		if err := w.Init(ctx); err != nil {
			log.Warn().Err(err).Int64("destination", pd.DestinationID).
				Int64("pipeline", pipeline.ID).Msg("Writer init failed, destination degraded")
		}
		writers[pd.DestinationID] = w
	}

	rt := router.New(pipeline, writers, filter, s.store, s.queue, s.notifier)

	worker, err := recovery.NewWorker(recovery.WorkerConfig{
		Pipeline:         pipeline,
		Writers:          writers,
		Store:            s.store,
		Queue:            s.queue,
		PollInterval:     time.Duration(cfg.Config.Recovery.PollIntervalSeconds) * time.Second,
		BatchSize:        cfg.Config.Recovery.BatchSize,
		PurgeEveryCycles: cfg.Config.Recovery.PurgeEveryCycles,
		MaxRetryCount:    cfg.Config.DeadLetter.MaxRetryCount,
		MaxAge:           time.Duration(cfg.Config.DeadLetter.MaxAgeDays) * 24 * time.Hour,
		MinIdle:          time.Duration(cfg.Config.DeadLetter.AckWaitSeconds) * time.Second,
		StopTimeout:      s.stopTimeout(),
	})
	if err != nil {
		return nil, err
	}

	// The durable name is derived from the pipeline id so a restarted
	// unit resumes from its predecessor's capture offset.
	src, err := s.sourceFactory(cfg.Config.Capture, fmt.Sprintf("sluice_p%d", pipeline.ID))
	if err != nil {
		closeWriters(writers, pipeline.ID)
		return nil, fmt.Errorf("failed to open capture source: %w", err)
	}

	unitCtx, cancel := context.WithCancel(context.Background())
	u := &Unit{
		pipeline:      pipeline,
		configVersion: pipeline.ConfigVersion,
		writers:       writers,
		source:        src,
		recovery:      worker,
		cancel:        cancel,
		doneCh:        make(chan struct{}),
	}

	worker.Start()

	go func() {
		defer close(u.doneCh)
		if err := src.Consume(unitCtx, rt.Route); err != nil {
			log.Error().Err(err).Int64("pipeline", pipeline.ID).
				Msg("Capture consumption stopped with error")
		}
	}()

	log.Info().Int64("pipeline", pipeline.ID).Str("name", pipeline.Name).
		Int("destinations", len(writers)).Msg("Execution unit started")
	telemetry.UnitsRunning.Inc()
	return u, nil
}

// Alive reports whether the unit's consumption loop is still running.
func (u *Unit) Alive() bool {
	select {
	case <-u.doneCh:
		return false
	default:
		return true
	}
}

// stop winds the unit down: cancel consumption, join it with a bounded
// timeout, then stop the recovery worker and release the writers.
func (u *Unit) stop(timeout time.Duration) {
	u.cancel()

	select {
	case <-u.doneCh:
	case <-time.After(timeout):
		// The goroutine is abandoned; its context is cancelled so any
		// in-flight call unwinds on its next blocking operation.
		log.Error().Int64("pipeline", u.pipeline.ID).
			Msg("Unit did not stop within timeout, abandoning consumer")
	}

	u.recovery.Stop()

	if err := u.source.Close(); err != nil {
		log.Warn().Err(err).Int64("pipeline", u.pipeline.ID).Msg("Failed to close capture source")
	}
	closeWriters(u.writers, u.pipeline.ID)

	telemetry.UnitsRunning.Dec()
	log.Info().Int64("pipeline", u.pipeline.ID).Msg("Execution unit stopped")
}

func closeWriters(writers map[int64]writer.Writer, pipelineID int64) {
	for id, w := range writers {
		if err := w.Close(); err != nil {
			log.Warn().Err(err).Int64("destination", id).
				Int64("pipeline", pipelineID).Msg("Failed to close destination writer")
		}
	}
}
