package batch

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Runner decouples job submission from job execution: Launch returns
// immediately and the orchestrator runs on its own goroutine, bounded by a
// concurrency cap so many jobs cannot flood the remote generator at once.
type Runner struct {
	orc    *Orchestrator
	logger zerolog.Logger
	base   context.Context
	sem    chan struct{}

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
	wg     sync.WaitGroup
}

// NewRunner creates a runner whose jobs are cancelled when baseCtx ends.
func NewRunner(baseCtx context.Context, orc *Orchestrator, logger zerolog.Logger, maxConcurrent int) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &Runner{
		orc:    orc,
		logger: logger,
		base:   baseCtx,
		sem:    make(chan struct{}, maxConcurrent),
		active: make(map[uuid.UUID]struct{}),
	}
}

// Launch starts jobID in the background. Returns false when the job is
// already being processed by this runner.
func (r *Runner) Launch(jobID uuid.UUID) bool {
	r.mu.Lock()
	if _, running := r.active[jobID]; running {
		r.mu.Unlock()
		return false
	}
	r.active[jobID] = struct{}{}
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			r.mu.Lock()
			delete(r.active, jobID)
			r.mu.Unlock()
		}()
		defer func() {
			// A panic in one job must not take down the process or the other
			// jobs; the job itself is finalized as failed.
			if rec := recover(); rec != nil {
				r.logger.Error().
					Str("job_id", jobID.String()).
					Str("panic", fmt.Sprint(rec)).
					Msg("batch: run panicked")
				r.orc.Abort(context.Background(), jobID, fmt.Sprint(rec))
			}
		}()

		select {
		case r.sem <- struct{}{}:
		case <-r.base.Done():
			return
		}
		defer func() { <-r.sem }()

		if err := r.orc.Run(r.base, jobID); err != nil {
			r.logger.Error().Err(err).Str("job_id", jobID.String()).Msg("batch: run finished with error")
		}
	}()
	return true
}

// Wait blocks until all launched jobs have returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
