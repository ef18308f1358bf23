package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ItemResult carries the terminal outcome of a single item attempt.
type ItemResult struct {
	Status           ItemStatus
	GeneratedImageID *uuid.UUID
	ErrorMessage     string
	RetryCount       int
	GeminiDurationMs int64
	TotalDurationMs  int64
	CompletedAt      time.Time
}

// BatchRepository is the durable job store consumed by the orchestrator and
// the read-side projections. The store is the single source of truth; the
// orchestrator is the only writer to a running job's progress fields, while
// cancellation only touches status, completed_at and pending item states.
type BatchRepository interface {
	// CreateJob atomically persists the job row and all item rows. A failure
	// rolls back the whole creation; no job exists without its items.
	CreateJob(ctx context.Context, job *BatchJob, items []BatchItem) error

	GetJob(ctx context.Context, jobID uuid.UUID) (*BatchJob, error)
	ListRecentJobs(ctx context.Context, limit int) ([]BatchJob, error)
	// GetItems returns all items of a job ordered by item_index.
	GetItems(ctx context.Context, jobID uuid.UUID) ([]BatchItem, error)

	// MarkJobRunning transitions a pending job to running, setting started_at
	// only if it is not already set.
	MarkJobRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error
	MarkItemRunning(ctx context.Context, jobID uuid.UUID, itemIndex int, at time.Time) error

	// FinalizeItem writes the item's terminal state and recomputes the job's
	// aggregate counters in a single transaction, so item-level and job-level
	// counts can never be observed disagreeing. Returns the refreshed job.
	FinalizeItem(ctx context.Context, jobID uuid.UUID, itemIndex int, result ItemResult) (*BatchJob, error)

	CompleteJob(ctx context.Context, jobID uuid.UUID, at time.Time) error
	FailJob(ctx context.Context, jobID uuid.UUID, errMsg string, at time.Time) error

	// CancelJob durably requests cancellation: status, completed_at and all
	// pending items flip to skipped in one transaction. Returns ErrConflict
	// when the job is already completed or cancelled.
	CancelJob(ctx context.Context, jobID uuid.UUID, at time.Time) error

	// SkipPendingItems marks every still-pending item skipped. Used by the
	// orchestrator when it observes a cancellation mid-run.
	SkipPendingItems(ctx context.Context, jobID uuid.UUID, at time.Time) error

	// ListResumableJobs returns jobs needing an orchestrator, oldest first:
	// pending or running jobs whose last update is older than staleAfter,
	// plus terminal jobs that still carry non-terminal items (a crash between
	// an item claim and a cancellation can produce those). The worker uses it
	// to pick up work after a crash or restart.
	ListResumableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]BatchJob, error)
}
