package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/providers/image"
	"server/internal/storage"
)

// OrchestratorOptions wires an Orchestrator.
type OrchestratorOptions struct {
	Repo      domain.BatchRepository
	Generator image.VariationGenerator
	Artifacts storage.ArtifactStore
	Pacer     *PacingController
	Metrics   *infra.BatchMetrics
	Logger    zerolog.Logger

	// GenerationTimeout bounds each remote call; a timeout counts as an item
	// failure, never a hang for the job.
	GenerationTimeout time.Duration
	// MaxAttempts caps attempts per item. 1 means no in-place retry.
	MaxAttempts int
}

// Orchestrator executes all items of one job sequentially: one generation
// call in flight per job, pacing delay before every attempt, cancellation
// checked between items, counters co-written with each terminal item write.
type Orchestrator struct {
	repo       domain.BatchRepository
	gen        image.VariationGenerator
	artifacts  storage.ArtifactStore
	pacer      *PacingController
	metrics    *infra.BatchMetrics
	logger     zerolog.Logger
	genTimeout time.Duration
	attempts   int
}

func NewOrchestrator(opts OrchestratorOptions) *Orchestrator {
	pacer := opts.Pacer
	if pacer == nil {
		pacer = NewPacingController(PacingConfig{})
	}
	timeout := opts.GenerationTimeout
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	attempts := opts.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	return &Orchestrator{
		repo:       opts.Repo,
		gen:        opts.Generator,
		artifacts:  opts.Artifacts,
		pacer:      pacer,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		genTimeout: timeout,
		attempts:   attempts,
	}
}

// Run drives jobID to a terminal state. Item failures are recorded and
// processing continues; only store errors or a malformed config fail the job.
// If ctx is cancelled the job is left running for a supervisor to resume.
func (o *Orchestrator) Run(ctx context.Context, jobID uuid.UUID) error {
	log := o.logger.With().Str("job_id", jobID.String()).Logger()

	job, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load job: %w", err)
	}
	if job.Status.Terminal() {
		// A crash between an item claim and cancellation can leave items
		// behind on a terminal job; finish the bookkeeping and stop.
		if err := o.reconcileLeftovers(ctx, log, jobID); err != nil {
			return err
		}
		log.Debug().Str("status", string(job.Status)).Msg("batch: job already terminal")
		return nil
	}

	var cfg domain.BatchConfig
	if err := json.Unmarshal(job.ConfigJSON, &cfg); err != nil {
		return o.abort(ctx, log, jobID, -1, fmt.Errorf("decode job config: %w", err))
	}

	now := time.Now().UTC()
	if err := o.repo.MarkJobRunning(ctx, jobID, now); err != nil {
		return o.fatal(ctx, log, jobID, -1, fmt.Errorf("mark job running: %w", err))
	}
	log.Info().Int("total_items", job.TotalItems).Msg("batch: job started")

	items, err := o.repo.GetItems(ctx, jobID)
	if err != nil {
		return o.fatal(ctx, log, jobID, -1, fmt.Errorf("load items: %w", err))
	}

	// Items left running by an interrupted process are finalized as failed
	// before resuming, so no item stays running forever.
	current := job
	for _, item := range items {
		if item.Status != domain.ItemStatusRunning {
			continue
		}
		current, err = o.repo.FinalizeItem(ctx, jobID, item.ItemIndex, domain.ItemResult{
			Status:       domain.ItemStatusFailed,
			ErrorMessage: "processing interrupted",
			RetryCount:   item.RetryCount,
			CompletedAt:  time.Now().UTC(),
		})
		if err != nil {
			return o.fatal(ctx, log, jobID, item.ItemIndex, fmt.Errorf("reconcile interrupted item: %w", err))
		}
		o.countItem(domain.ItemStatusFailed)
		log.Warn().Int("item_index", item.ItemIndex).Msg("batch: reconciled interrupted item as failed")
	}

	lastIndex := -1
	for _, item := range items {
		if item.Status.Terminal() || item.Status == domain.ItemStatusRunning {
			continue
		}

		// Cancellation is a durable fact in the store; it takes effect here,
		// between items, never mid-call.
		fresh, err := o.repo.GetJob(ctx, jobID)
		if err != nil {
			return o.fatal(ctx, log, jobID, lastIndex, fmt.Errorf("refresh job: %w", err))
		}
		if fresh.Status == domain.JobStatusCancelled {
			if err := o.repo.SkipPendingItems(ctx, jobID, time.Now().UTC()); err != nil {
				log.Error().Err(err).Msg("batch: skip pending items after cancellation")
			}
			o.countJob(domain.JobStatusCancelled)
			log.Info().Int("last_item_index", lastIndex).Msg("batch: job cancelled, remaining items skipped")
			return nil
		}
		current = fresh

		startedAt := time.Now().UTC()
		if err := o.repo.MarkItemRunning(ctx, jobID, item.ItemIndex, startedAt); err != nil {
			return o.fatal(ctx, log, jobID, lastIndex, fmt.Errorf("mark item %d running: %w", item.ItemIndex, err))
		}

		result, err := o.processItem(ctx, log, current, cfg, item, startedAt)
		if err != nil {
			// Only context expiry reaches here; leave the job running so a
			// supervisor can resume it.
			log.Warn().Err(err).Int("item_index", item.ItemIndex).Msg("batch: run interrupted")
			return err
		}

		current, err = o.repo.FinalizeItem(ctx, jobID, item.ItemIndex, result)
		if err != nil {
			return o.fatal(ctx, log, jobID, item.ItemIndex, fmt.Errorf("finalize item %d: %w", item.ItemIndex, err))
		}
		o.countItem(result.Status)
		lastIndex = item.ItemIndex

		evt := log.Info()
		if result.Status == domain.ItemStatusFailed {
			evt = log.Warn().Str("error", result.ErrorMessage)
		}
		evt.
			Int("item_index", item.ItemIndex).
			Str("target", item.Target.Label()).
			Str("status", string(result.Status)).
			Int64("total_duration_ms", result.TotalDurationMs).
			Msg("batch: item finished")
	}

	completedAt := time.Now().UTC()
	if err := o.repo.CompleteJob(ctx, jobID, completedAt); err != nil {
		return o.fatal(ctx, log, jobID, lastIndex, fmt.Errorf("complete job: %w", err))
	}
	o.countJob(domain.JobStatusCompleted)
	log.Info().
		Int("successful", current.SuccessfulItems).
		Int("failed", current.FailedItems).
		Msg("batch: job completed")
	return nil
}

// reconcileLeftovers finalizes running items as failed and skips pending ones
// on a job that is already terminal, so no item outlives its job.
func (o *Orchestrator) reconcileLeftovers(ctx context.Context, log zerolog.Logger, jobID uuid.UUID) error {
	items, err := o.repo.GetItems(ctx, jobID)
	if err != nil {
		return fmt.Errorf("load items: %w", err)
	}
	for _, item := range items {
		if item.Status != domain.ItemStatusRunning {
			continue
		}
		if _, err := o.repo.FinalizeItem(ctx, jobID, item.ItemIndex, domain.ItemResult{
			Status:       domain.ItemStatusFailed,
			ErrorMessage: "processing interrupted",
			RetryCount:   item.RetryCount,
			CompletedAt:  time.Now().UTC(),
		}); err != nil {
			return fmt.Errorf("reconcile interrupted item: %w", err)
		}
		o.countItem(domain.ItemStatusFailed)
		log.Warn().Int("item_index", item.ItemIndex).Msg("batch: reconciled interrupted item as failed")
	}
	return o.repo.SkipPendingItems(ctx, jobID, time.Now().UTC())
}

// processItem runs up to attempts generation calls for one item and returns
// its terminal result. The only error returned is context expiry.
func (o *Orchestrator) processItem(ctx context.Context, log zerolog.Logger, job *domain.BatchJob, cfg domain.BatchConfig, item domain.BatchItem, startedAt time.Time) (domain.ItemResult, error) {
	var (
		lastErr    error
		geminiMs   int64
		retryCount = item.RetryCount
	)

	for attempt := 0; attempt < o.attempts; attempt++ {
		if attempt > 0 {
			retryCount++
		}

		rec := o.pacer.Recommend(job.CompletedItems, job.SuccessfulItems, job.FailedItems)
		o.countAdjustment(rec.Adjustment)
		log.Debug().
			Int("item_index", item.ItemIndex).
			Int("delay_ms", rec.DelayMs).
			Str("adjustment", string(rec.Adjustment)).
			Str("reasoning", rec.Reasoning).
			Msg("batch: pacing")

		// The delay precedes the attempt, so even the first item of a job
		// waits the base delay.
		if err := sleepCtx(ctx, time.Duration(rec.DelayMs)*time.Millisecond); err != nil {
			return domain.ItemResult{}, err
		}

		callCtx, cancel := context.WithTimeout(ctx, o.genTimeout)
		genStart := time.Now()
		generated, err := o.gen.GenerateVariation(callCtx, image.VariationRequest{
			SourceImageURL: cfg.SourceImageURL,
			SourcePrompt:   cfg.SourcePrompt,
			Target:         item.Target,
			RequestID:      fmt.Sprintf("%s:%d", item.JobID, item.ItemIndex),
		})
		cancel()
		geminiMs = time.Since(genStart).Milliseconds()
		o.observeGeneration(time.Since(genStart))

		if err != nil {
			if ctx.Err() != nil {
				return domain.ItemResult{}, ctx.Err()
			}
			lastErr = err
			continue
		}

		ref, err := o.artifacts.SaveGenerated(ctx, storage.SaveRequest{
			JobID:        item.JobID,
			ItemIndex:    item.ItemIndex,
			Data:         generated.Data,
			Format:       generated.Format,
			Width:        generated.Width,
			Height:       generated.Height,
			ModelVersion: generated.ModelVersion,
		})
		if err != nil {
			if ctx.Err() != nil {
				return domain.ItemResult{}, ctx.Err()
			}
			lastErr = err
			continue
		}

		now := time.Now().UTC()
		return domain.ItemResult{
			Status:           domain.ItemStatusCompleted,
			GeneratedImageID: &ref.ID,
			RetryCount:       retryCount,
			GeminiDurationMs: geminiMs,
			TotalDurationMs:  now.Sub(startedAt).Milliseconds(),
			CompletedAt:      now,
		}, nil
	}

	now := time.Now().UTC()
	msg := "generation failed"
	if lastErr != nil {
		msg = lastErr.Error()
	}
	return domain.ItemResult{
		Status:           domain.ItemStatusFailed,
		ErrorMessage:     msg,
		RetryCount:       retryCount,
		GeminiDurationMs: geminiMs,
		TotalDurationMs:  now.Sub(startedAt).Milliseconds(),
		CompletedAt:      now,
	}, nil
}

// fatal marks the job failed after an orchestrator-level error, unless the
// error is just context expiry, in which case the job stays running for
// resumption.
func (o *Orchestrator) fatal(ctx context.Context, log zerolog.Logger, jobID uuid.UUID, lastIndex int, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		log.Warn().Err(err).Int("last_item_index", lastIndex).Msg("batch: run interrupted, job left resumable")
		return err
	}
	return o.abort(ctx, log, jobID, lastIndex, err)
}

func (o *Orchestrator) abort(ctx context.Context, log zerolog.Logger, jobID uuid.UUID, lastIndex int, err error) error {
	log.Error().Err(err).Int("last_item_index", lastIndex).Msg("batch: job failed")
	now := time.Now().UTC()
	if ferr := o.repo.FailJob(ctx, jobID, err.Error(), now); ferr != nil {
		log.Error().Err(ferr).Msg("batch: marking job failed also failed")
	} else if serr := o.repo.SkipPendingItems(ctx, jobID, now); serr != nil {
		log.Error().Err(serr).Msg("batch: skip pending items after failure")
	}
	o.countJob(domain.JobStatusFailed)
	return err
}

// Abort finalizes a job after a panic escaped Run. Called by the runner.
func (o *Orchestrator) Abort(ctx context.Context, jobID uuid.UUID, reason string) {
	log := o.logger.With().Str("job_id", jobID.String()).Logger()
	_ = o.abort(ctx, log, jobID, -1, fmt.Errorf("panic: %s", reason))
}

func (o *Orchestrator) countItem(status domain.ItemStatus) {
	if o.metrics != nil {
		o.metrics.ItemsProcessed.WithLabelValues(string(status)).Inc()
	}
}

func (o *Orchestrator) countJob(status domain.JobStatus) {
	if o.metrics != nil {
		o.metrics.JobsFinished.WithLabelValues(string(status)).Inc()
	}
}

func (o *Orchestrator) countAdjustment(adj Adjustment) {
	if o.metrics != nil {
		o.metrics.PacingAdjustments.WithLabelValues(string(adj)).Inc()
	}
}

func (o *Orchestrator) observeGeneration(d time.Duration) {
	if o.metrics != nil {
		o.metrics.GenerationSeconds.Observe(d.Seconds())
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
