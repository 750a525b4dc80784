// Package backfill executes resumable bulk loads: keyset-paginated reads
// from the source database, dispatched as synthetic read events through
// the same per-destination routing and dead letter isolation as live CDC.
package backfill

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"github.com/sluicedb/sluice/cfg"
	"github.com/sluicedb/sluice/dlq"
	"github.com/sluicedb/sluice/notify"
	"github.com/sluicedb/sluice/state"
	"github.com/sluicedb/sluice/telemetry"
)

const (
	// DefaultPollInterval between job queue polls
	DefaultPollInterval = 10 * time.Second
	// DefaultPageSize rows per keyset page
	DefaultPageSize = 10000
	// DefaultMaxConcurrentJobs bounds the active-job set
	DefaultMaxConcurrentJobs = 4
	// DefaultMaxResumeAttempts bounds restarts of one job across process
	// crashes before it is failed outright
	DefaultMaxResumeAttempts = 5
)

// Engine polls for pending backfill jobs and runs each as its own task,
// bounded by an active-job set that also prevents double-claims.
type Engine struct {
	store    state.Store
	queue    dlq.Store
	notifier *notify.Notifier
	conf     cfg.BackfillConfiguration

	active *xsync.MapOf[int64, context.CancelFunc]
	wg     sync.WaitGroup

	stopCh      chan struct{}
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewEngine builds the engine with config defaults applied
func NewEngine(conf cfg.BackfillConfiguration, store state.Store, queue dlq.Store, notifier *notify.Notifier) *Engine {
	if conf.PollIntervalSeconds <= 0 {
		conf.PollIntervalSeconds = int(DefaultPollInterval / time.Second)
	}
	if conf.PageSize <= 0 {
		conf.PageSize = DefaultPageSize
	}
	if conf.MaxConcurrentJobs <= 0 {
		conf.MaxConcurrentJobs = DefaultMaxConcurrentJobs
	}
	if conf.MaxResumeAttempts <= 0 {
		conf.MaxResumeAttempts = DefaultMaxResumeAttempts
	}

	return &Engine{
		store:    store,
		queue:    queue,
		notifier: notifier,
		conf:     conf,
		active:   xsync.NewMapOf[int64, context.CancelFunc](),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start resets orphaned jobs from a prior process, then begins polling
func (e *Engine) Start() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if e.running.Load() {
		return
	}

	e.running.Store(true)
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})

	reset, failed, err := e.store.ResetOrphanedJobs(context.Background(), e.conf.MaxResumeAttempts)
	if err != nil {
		log.Error().Err(err).Msg("Failed to reset orphaned backfill jobs")
	} else if reset > 0 || failed > 0 {
		log.Info().Int("reset", reset).Int("failed", failed).
			Msg("Recovered orphaned backfill jobs from a previous process")
	}

	log.Info().Int("max_concurrent", e.conf.MaxConcurrentJobs).Msg("Starting backfill engine")
	go e.pollLoop()
}

// Stop cancels active jobs and waits for them to wind down
func (e *Engine) Stop() {
	e.lifecycleMu.Lock()
	defer e.lifecycleMu.Unlock()

	if !e.running.Load() {
		return
	}

	close(e.stopCh)
	<-e.doneCh

	e.active.Range(func(_ int64, cancel context.CancelFunc) bool {
		cancel()
		return true
	})
	e.wg.Wait()
	e.running.Store(false)

	log.Info().Msg("Backfill engine stopped")
}

func (e *Engine) pollLoop() {
	defer close(e.doneCh)

	interval := time.Duration(e.conf.PollIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.RunCycle(context.Background())
		}
	}
}

// RunCycle claims pending jobs up to the concurrency bound and launches
// a task per claim.
func (e *Engine) RunCycle(ctx context.Context) {
	jobs, err := e.store.ListJobs(ctx, state.JobPending)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list pending backfill jobs")
		return
	}

	for i := range jobs {
		job := jobs[i]
		if e.active.Size() >= e.conf.MaxConcurrentJobs {
			return
		}

		jobCtx, cancel := context.WithCancel(context.Background())
		if _, loaded := e.active.LoadOrStore(job.ID, cancel); loaded {
			cancel()
			continue
		}

		claimed, err := e.store.ClaimJob(ctx, job.ID)
		if err != nil || !claimed {
			if err != nil {
				log.Error().Err(err).Int64("job", job.ID).Msg("Failed to claim backfill job")
			}
			cancel()
			e.active.Delete(job.ID)
			continue
		}

		log.Info().Int64("job", job.ID).Str("table", job.TableName).
			Int64("pipeline", job.PipelineID).Msg("Claimed backfill job")

		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			defer cancel()
			defer e.active.Delete(job.ID)
			e.execute(jobCtx, job)
		}()
	}
}

// execute runs one claimed job to a terminal state.
func (e *Engine) execute(ctx context.Context, job state.BackfillJob) {
	runner, err := newJobRunner(e, &job)
	if err != nil {
		e.failJob(ctx, &job, err)
		return
	}
	defer runner.close()

	status, err := runner.run(ctx)
	if err != nil {
		e.failJob(ctx, &job, err)
		return
	}
	// An interrupted job is not terminal; it resumes after restart.
	if status != state.JobExecuting {
		telemetry.BackfillJobsTotal.With(status).Add(1)
	}
}

func (e *Engine) failJob(ctx context.Context, job *state.BackfillJob, cause error) {
	_, message := sanitizeJobError(cause)
	log.Error().Err(cause).Int64("job", job.ID).Str("table", job.TableName).
		Msg("Backfill job failed")

	if err := e.store.UpdateJobStatus(ctx, job.ID, state.JobFailed, message); err != nil {
		log.Error().Err(err).Int64("job", job.ID).Msg("Failed to record job failure")
	}
	telemetry.BackfillJobsTotal.With(state.JobFailed).Add(1)
}
