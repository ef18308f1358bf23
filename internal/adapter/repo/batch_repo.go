package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"server/internal/domain"
	"server/internal/infra"
	"server/internal/sqlinline"
)

// BatchRepositoryPG implements domain.BatchRepository on PostgreSQL. Writes
// that must stay consistent across rows (job creation, item finalization with
// counter recomputation, cancellation) run inside explicit transactions.
type BatchRepositoryPG struct {
	sql *infra.SQLRunner
}

// NewBatchRepository creates a batch repository backed by the given runner.
func NewBatchRepository(sql *infra.SQLRunner) *BatchRepositoryPG {
	return &BatchRepositoryPG{sql: sql}
}

func (r *BatchRepositoryPG) CreateJob(ctx context.Context, job *domain.BatchJob, items []domain.BatchItem) error {
	tx, err := r.sql.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin create job: %w", err)
	}
	defer tx.Rollback(ctx)

	insertJob, err := infra.StripMarker(sqlinline.QInsertBatchJob)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, insertJob, job.ID, job.Type, job.TotalItems, job.ConfigJSON, job.CreatedAt); err != nil {
		return fmt.Errorf("insert job: %w", err)
	}

	insertItem, err := infra.StripMarker(sqlinline.QInsertBatchItem)
	if err != nil {
		return err
	}
	for _, item := range items {
		if _, err := tx.Exec(ctx, insertItem,
			job.ID,
			item.ItemIndex,
			item.Target.Kind,
			nullable(item.Target.BreedID),
			nullable(item.Target.CoatID),
			nullable(item.Target.OutfitID),
			nullable(item.Target.FormatID),
		); err != nil {
			return fmt.Errorf("insert item %d: %w", item.ItemIndex, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit create job: %w", err)
	}
	return nil
}

func (r *BatchRepositoryPG) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	row := r.sql.QueryRow(ctx, sqlinline.QSelectBatchJob, jobID)
	job, err := scanJob(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *BatchRepositoryPG) ListRecentJobs(ctx context.Context, limit int) ([]domain.BatchJob, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.sql.Query(ctx, sqlinline.QListRecentBatchJobs, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func (r *BatchRepositoryPG) GetItems(ctx context.Context, jobID uuid.UUID) ([]domain.BatchItem, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QSelectBatchItems, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.BatchItem
	for rows.Next() {
		var item domain.BatchItem
		if err := rows.Scan(
			&item.JobID,
			&item.ItemIndex,
			&item.Status,
			&item.Target.Kind,
			&item.Target.BreedID,
			&item.Target.CoatID,
			&item.Target.OutfitID,
			&item.Target.FormatID,
			&item.GeneratedImageID,
			&item.ErrorMessage,
			&item.RetryCount,
			&item.GeminiDurationMs,
			&item.TotalDurationMs,
			&item.StartedAt,
			&item.CompletedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (r *BatchRepositoryPG) MarkJobRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	_, err := r.sql.Exec(ctx, sqlinline.QMarkJobRunning, jobID, at)
	return err
}

func (r *BatchRepositoryPG) MarkItemRunning(ctx context.Context, jobID uuid.UUID, itemIndex int, at time.Time) error {
	_, err := r.sql.Exec(ctx, sqlinline.QMarkItemRunning, jobID, itemIndex, at)
	return err
}

func (r *BatchRepositoryPG) FinalizeItem(ctx context.Context, jobID uuid.UUID, itemIndex int, result domain.ItemResult) (*domain.BatchJob, error) {
	tx, err := r.sql.Pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin finalize item: %w", err)
	}
	defer tx.Rollback(ctx)

	finalize, err := infra.StripMarker(sqlinline.QFinalizeItem)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, finalize,
		jobID,
		itemIndex,
		result.Status,
		result.GeneratedImageID,
		result.ErrorMessage,
		result.RetryCount,
		result.GeminiDurationMs,
		result.TotalDurationMs,
		result.CompletedAt,
	); err != nil {
		return nil, fmt.Errorf("finalize item %d: %w", itemIndex, err)
	}

	recompute, err := infra.StripMarker(sqlinline.QRecomputeJobCounters)
	if err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, recompute, jobID, result.CompletedAt); err != nil {
		return nil, fmt.Errorf("recompute counters: %w", err)
	}

	selectJob, err := infra.StripMarker(sqlinline.QSelectBatchJob)
	if err != nil {
		return nil, err
	}
	job, err := scanJob(tx.QueryRow(ctx, selectJob, jobID))
	if err != nil {
		return nil, fmt.Errorf("reload job: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit finalize item: %w", err)
	}
	return job, nil
}

func (r *BatchRepositoryPG) CompleteJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	_, err := r.sql.Exec(ctx, sqlinline.QCompleteBatchJob, jobID, at)
	return err
}

func (r *BatchRepositoryPG) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string, at time.Time) error {
	_, err := r.sql.Exec(ctx, sqlinline.QFailBatchJob, jobID, errMsg, at)
	return err
}

func (r *BatchRepositoryPG) CancelJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	tx, err := r.sql.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin cancel job: %w", err)
	}
	defer tx.Rollback(ctx)

	cancel, err := infra.StripMarker(sqlinline.QCancelBatchJob)
	if err != nil {
		return err
	}
	var cancelled uuid.UUID
	if err := tx.QueryRow(ctx, cancel, jobID, at).Scan(&cancelled); err != nil {
		if !infra.IsNoRows(err) {
			return fmt.Errorf("cancel job: %w", err)
		}
		// The conditional update matched nothing: either the job does not
		// exist or it is already terminal.
		selectJob, serr := infra.StripMarker(sqlinline.QSelectBatchJob)
		if serr != nil {
			return serr
		}
		if _, serr := scanJob(tx.QueryRow(ctx, selectJob, jobID)); serr != nil {
			if infra.IsNoRows(serr) {
				return domain.ErrNotFound
			}
			return serr
		}
		return domain.ErrConflict
	}

	skip, err := infra.StripMarker(sqlinline.QSkipPendingItems)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, skip, jobID, at); err != nil {
		return fmt.Errorf("skip pending items: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit cancel job: %w", err)
	}
	return nil
}

func (r *BatchRepositoryPG) SkipPendingItems(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	_, err := r.sql.Exec(ctx, sqlinline.QSkipPendingItems, jobID, at)
	return err
}

func (r *BatchRepositoryPG) ListResumableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]domain.BatchJob, error) {
	if limit <= 0 {
		limit = 10
	}
	cutoff := time.Now().UTC().Add(-staleAfter)
	rows, err := r.sql.Query(ctx, sqlinline.QListResumableJobs, cutoff, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectJobs(rows)
}

func scanJob(row pgx.Row) (*domain.BatchJob, error) {
	var job domain.BatchJob
	if err := row.Scan(
		&job.ID,
		&job.Type,
		&job.Status,
		&job.TotalItems,
		&job.CompletedItems,
		&job.SuccessfulItems,
		&job.FailedItems,
		&job.ConfigJSON,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.StartedAt,
		&job.CompletedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.BatchJob, error) {
	var jobs []domain.BatchJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

var _ domain.BatchRepository = (*BatchRepositoryPG)(nil)
