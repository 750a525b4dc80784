package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sluicedb/sluice/backfill"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/ops"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/supervisor"
	"github.com/sluicedb/sluice/telemetry"
	_ "github.com/sluicedb/sluice/writer"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Uint64("worker_id", cfg.Config.WorkerID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Sluice - CDC Pipeline Runtime")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Config & state database
	log.Info().Str("driver", cfg.Config.StateStore.Driver).Msg("Connecting to state store")
	pool, err := state.NewPool(cfg.Config.StateStore)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open state store")
		return
	}
	defer pool.Close()
	store := state.NewSQLStore(pool)

	// Durable dead letter store
	log.Info().Str("backend", string(cfg.Config.DeadLetter.Backend)).Msg("Opening dead letter store")
	queue, err := dlq.NewStore(cfg.Config.DeadLetter, cfg.Config.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open dead letter store")
		return
	}
	defer queue.Close()

	notifier := notify.New(cfg.Config.Notify)

	// Backfill engine: claims and executes pending bulk load jobs.
	engine := backfill.NewEngine(cfg.Config.Backfill, store, queue, notifier)
	engine.Start()
	defer engine.Stop()

	// Pipeline supervisor: reconciles configured pipelines against
	// running execution units. Started last, stopped first.
	sup := supervisor.New(store, queue, notifier)
	sup.Start()
	defer sup.Stop()

	// Dead letter depth gauge collection
	collector := telemetry.NewMetricsCollector(queue, 30*time.Second)
	collector.Start()
	defer collector.Stop()

	// Status API
	var opsServer *ops.Server
	if cfg.Config.Ops.Enabled {
		opsServer = ops.NewServer(store, queue, sup, notifier)
		opsServer.Start()
	}

	log.Info().
		Uint64("worker_id", cfg.Config.WorkerID).
		Str("data_dir", cfg.Config.DataDir).
		Msg("Sluice started successfully")

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	if opsServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := opsServer.Stop(ctx); err != nil {
			log.Warn().Err(err).Msg("Ops API shutdown failed")
		}
		cancel()
	}
	// Remaining components stop in reverse start order via defers.
}
