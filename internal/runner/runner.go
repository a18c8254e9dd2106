// Package runner implements a per-job-type poll loop: a ticker claims a
// bounded batch of queued jobs of one type and dispatches each to a
// goroutine gated by a fixed-size semaphore. One Runner instance runs
// per job type so each type's concurrency and stale-job threshold can
// be tuned independently.
package runner

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"kxpipe/internal/jobstore"
	"kxpipe/internal/model"
)

// Handler executes one claimed job to completion (including advancing
// its terminal status in the job store).
type Handler func(ctx context.Context, job *model.Job) error

// Config controls one job type's poll cadence and concurrency.
type Config struct {
	JobType         model.JobType
	PollInterval    time.Duration
	ClaimBatch      int
	MaxConcurrency  int
	StaleThreshold  time.Duration
	StaleSweepEvery time.Duration
}

// DefaultConfig builds a Config for jobType using the default stale
// thresholds.
func DefaultConfig(jobType model.JobType, maxConcurrency int) Config {
	return Config{
		JobType:         jobType,
		PollInterval:    2 * time.Second,
		ClaimBatch:      maxConcurrency,
		MaxConcurrency:  maxConcurrency,
		StaleThreshold:  model.DefaultStaleThreshold(jobType),
		StaleSweepEvery: 1 * time.Minute,
	}
}

// Runner polls the job store for one job type and dispatches claimed
// jobs to Handler under a bounded semaphore.
type Runner struct {
	jobs    *jobstore.Store
	cfg     Config
	handler Handler
	log     zerolog.Logger
}

// New builds a Runner.
func New(jobs *jobstore.Store, cfg Config, handler Handler, log zerolog.Logger) *Runner {
	return &Runner{jobs: jobs, cfg: cfg, handler: handler, log: log}
}

// Start runs the poll loop until ctx is cancelled.
func (r *Runner) Start(ctx context.Context) {
	sem := make(chan struct{}, r.cfg.MaxConcurrency)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	staleTicker := time.NewTicker(r.cfg.StaleSweepEvery)
	defer staleTicker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case <-staleTicker.C:
			r.recoverStale(ctx)
		case <-ticker.C:
			jobs, err := r.jobs.ClaimNext(ctx, r.cfg.JobType, r.cfg.ClaimBatch, r.cfg.StaleThreshold)
			if err != nil {
				r.log.Warn().Err(err).Str("job_type", string(r.cfg.JobType)).Msg("claim failed")
				continue
			}
			for _, job := range jobs {
				job := job
				select {
				case sem <- struct{}{}:
				case <-ctx.Done():
					return
				}
				wg.Add(1)
				go func() {
					defer wg.Done()
					defer func() { <-sem }()
					r.dispatch(ctx, job)
				}()
			}
		}
	}
}

func (r *Runner) dispatch(ctx context.Context, job *model.Job) {
	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go r.heartbeat(heartbeatCtx, job.ID)

	if err := r.handler(ctx, job); err != nil {
		r.log.Error().Err(err).Str("job_id", job.ID.String()).Str("job_type", string(job.Type)).Msg("job handler failed")
		if advErr := r.jobs.Advance(ctx, job.ID, model.JobStatusFailed, nil, err.Error()); advErr != nil {
			r.log.Error().Err(advErr).Str("job_id", job.ID.String()).Msg("failed to record job failure")
		}
	}
}

// heartbeat refreshes job's updated_at at a fraction of the stale
// threshold for as long as ctx stays alive, so a job genuinely still
// being worked never crosses ClaimNext's staleness cutoff out from
// under its own worker.
func (r *Runner) heartbeat(ctx context.Context, jobID uuid.UUID) {
	interval := r.cfg.StaleThreshold / 3
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.jobs.Touch(ctx, jobID); err != nil {
				r.log.Warn().Err(err).Str("job_id", jobID.String()).Msg("heartbeat failed")
			}
		}
	}
}

// recoverStale surfaces jobs that have gone quiet past the stale
// threshold. It does not fail them: ClaimNext's own predicate already
// re-claims any running job whose updated_at is older than the stale
// threshold, so the next poll tick picks up where a dead worker left
// off instead of discarding its committed progress.
func (r *Runner) recoverStale(ctx context.Context) {
	stale, err := r.jobs.FindStale(ctx, r.cfg.JobType, r.cfg.StaleThreshold)
	if err != nil {
		r.log.Warn().Err(err).Msg("stale job scan failed")
		return
	}
	for _, job := range stale {
		r.log.Warn().Str("job_id", job.ID.String()).Str("job_type", string(job.Type)).
			Msg("job exceeded running threshold without a heartbeat, eligible for reclaim")
	}
}
