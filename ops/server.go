// Package ops exposes the status HTTP API: pipeline and unit state,
// backfill job progress, dead letter depths, notification
// acknowledgement, and Prometheus metrics.
package ops

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/supervisor"
	"github.com/sluicedb/sluice/telemetry"
)

// Server is the ops API HTTP server.
type Server struct {
	store      state.Store
	queue      dlq.Store
	supervisor *supervisor.Supervisor
	notifier   *notify.Notifier
	startedAt  time.Time

	httpServer *http.Server
}

func NewServer(store state.Store, queue dlq.Store, sup *supervisor.Supervisor, notifier *notify.Notifier) *Server {
	s := &Server{
		store:      store,
		queue:      queue,
		supervisor: sup,
		notifier:   notifier,
		startedAt:  time.Now(),
	}

	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealthz)
	r.Get("/status", s.handleStatus)
	r.Get("/pipelines", s.handlePipelines)
	r.Get("/pipelines/{pipelineID}", s.handlePipeline)
	r.Get("/jobs", s.handleJobs)
	r.Get("/dlq", s.handleDeadLetters)
	r.Post("/notifications/ack", s.handleNotificationAck)
	if metrics := telemetry.GetMetricsHandler(); metrics != nil {
		r.Handle("/metrics", metrics)
	}

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Config.Ops.Address, cfg.Config.Ops.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Start begins serving in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("address", s.httpServer.Addr).Msg("Ops API listening")
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("Ops API server failed")
		}
	}()
}

func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.httpServer.Handler
}
