package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"server/internal/domain"
	"server/internal/providers/image"
	"server/internal/storage"
)

// memRepo is an in-memory job store that enforces the same consistency rules
// as the SQL implementation: counters recomputed with every terminal item
// write, items transition into a terminal state at most once, cancellation
// conflicts on terminal jobs.
type memRepo struct {
	mu    sync.Mutex
	jobs  map[uuid.UUID]*domain.BatchJob
	items map[uuid.UUID][]domain.BatchItem

	finalizeErr error
}

func newMemRepo() *memRepo {
	return &memRepo{
		jobs:  make(map[uuid.UUID]*domain.BatchJob),
		items: make(map[uuid.UUID][]domain.BatchItem),
	}
}

func (m *memRepo) CreateJob(ctx context.Context, job *domain.BatchJob, items []domain.BatchItem) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *job
	m.jobs[job.ID] = &cp
	m.items[job.ID] = append([]domain.BatchItem(nil), items...)
	return nil
}

func (m *memRepo) GetJob(ctx context.Context, jobID uuid.UUID) (*domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (m *memRepo) ListRecentJobs(ctx context.Context, limit int) ([]domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var jobs []domain.BatchJob
	for _, job := range m.jobs {
		jobs = append(jobs, *job)
	}
	return jobs, nil
}

func (m *memRepo) GetItems(ctx context.Context, jobID uuid.UUID) ([]domain.BatchItem, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.BatchItem(nil), m.items[jobID]...), nil
}

func (m *memRepo) MarkJobRunning(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusPending && job.Status != domain.JobStatusRunning {
		return nil
	}
	job.Status = domain.JobStatusRunning
	if job.StartedAt == nil {
		started := at
		job.StartedAt = &started
	}
	job.UpdatedAt = at
	return nil
}

func (m *memRepo) MarkItemRunning(ctx context.Context, jobID uuid.UUID, itemIndex int, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := m.items[jobID]
	for i := range items {
		if items[i].ItemIndex == itemIndex && !items[i].Status.Terminal() {
			items[i].Status = domain.ItemStatusRunning
			if items[i].StartedAt == nil {
				started := at
				items[i].StartedAt = &started
			}
		}
	}
	return nil
}

func (m *memRepo) FinalizeItem(ctx context.Context, jobID uuid.UUID, itemIndex int, result domain.ItemResult) (*domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finalizeErr != nil {
		return nil, m.finalizeErr
	}
	job, ok := m.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	items := m.items[jobID]
	for i := range items {
		if items[i].ItemIndex != itemIndex {
			continue
		}
		if items[i].Status.Terminal() {
			return nil, fmt.Errorf("item %d already terminal", itemIndex)
		}
		items[i].Status = result.Status
		items[i].GeneratedImageID = result.GeneratedImageID
		items[i].ErrorMessage = result.ErrorMessage
		items[i].RetryCount = result.RetryCount
		items[i].GeminiDurationMs = result.GeminiDurationMs
		items[i].TotalDurationMs = result.TotalDurationMs
		completed := result.CompletedAt
		items[i].CompletedAt = &completed
	}
	m.recomputeLocked(job, items)
	job.UpdatedAt = result.CompletedAt
	cp := *job
	return &cp, nil
}

func (m *memRepo) recomputeLocked(job *domain.BatchJob, items []domain.BatchItem) {
	var completed, successful, failed int
	for _, item := range items {
		switch item.Status {
		case domain.ItemStatusCompleted:
			completed++
			successful++
		case domain.ItemStatusFailed:
			completed++
			failed++
		}
	}
	job.CompletedItems = completed
	job.SuccessfulItems = successful
	job.FailedItems = failed
}

func (m *memRepo) CompleteJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status != domain.JobStatusRunning {
		return nil
	}
	job.Status = domain.JobStatusCompleted
	if job.CompletedAt == nil {
		done := at
		job.CompletedAt = &done
	}
	job.UpdatedAt = at
	return nil
}

func (m *memRepo) FailJob(ctx context.Context, jobID uuid.UUID, errMsg string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return nil
	}
	job.Status = domain.JobStatusFailed
	job.ErrorMessage = errMsg
	if job.CompletedAt == nil {
		done := at
		job.CompletedAt = &done
	}
	job.UpdatedAt = at
	return nil
}

func (m *memRepo) CancelJob(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[jobID]
	if !ok {
		return domain.ErrNotFound
	}
	if job.Status.Terminal() {
		return domain.ErrConflict
	}
	job.Status = domain.JobStatusCancelled
	if job.CompletedAt == nil {
		done := at
		job.CompletedAt = &done
	}
	job.UpdatedAt = at
	m.skipPendingLocked(jobID, at)
	return nil
}

func (m *memRepo) SkipPendingItems(ctx context.Context, jobID uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.skipPendingLocked(jobID, at)
	return nil
}

func (m *memRepo) skipPendingLocked(jobID uuid.UUID, at time.Time) {
	items := m.items[jobID]
	for i := range items {
		if items[i].Status == domain.ItemStatusPending {
			items[i].Status = domain.ItemStatusSkipped
			done := at
			items[i].CompletedAt = &done
		}
	}
}

func (m *memRepo) ListResumableJobs(ctx context.Context, staleAfter time.Duration, limit int) ([]domain.BatchJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().Add(-staleAfter)
	var jobs []domain.BatchJob
	for id, job := range m.jobs {
		switch {
		case !job.Status.Terminal() && job.UpdatedAt.Before(cutoff):
			jobs = append(jobs, *job)
		case job.Status.Terminal():
			for _, item := range m.items[id] {
				if !item.Status.Terminal() {
					jobs = append(jobs, *job)
					break
				}
			}
		}
	}
	return jobs, nil
}

var _ domain.BatchRepository = (*memRepo)(nil)

// stubGenerator succeeds unless the item's target index is listed in fail,
// and can invoke a hook after each call.
type stubGenerator struct {
	mu     sync.Mutex
	calls  int
	fail   map[string]bool
	after  func(calls int)
	block  chan struct{}
	result *image.VariationResult
}

func (g *stubGenerator) GenerateVariation(ctx context.Context, req image.VariationRequest) (*image.VariationResult, error) {
	if g.block != nil {
		select {
		case <-g.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	g.calls++
	calls := g.calls
	g.mu.Unlock()
	if g.after != nil {
		g.after(calls)
	}
	if g.fail[req.Target.Label()] {
		return nil, errors.New("generator unavailable")
	}
	if g.result != nil {
		return g.result, nil
	}
	return &image.VariationResult{Data: []byte("png"), Format: "image/png", Width: 8, Height: 8, ModelVersion: "test"}, nil
}

type stubArtifacts struct {
	mu    sync.Mutex
	saved []storage.SaveRequest
	err   error
}

func (s *stubArtifacts) SaveGenerated(ctx context.Context, req storage.SaveRequest) (*storage.ArtifactRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	s.saved = append(s.saved, req)
	id := uuid.New()
	return &storage.ArtifactRef{ID: id, StorageKey: "generated/test", URL: "http://localhost/static/generated/test"}, nil
}

func fastPacing() *PacingController {
	return NewPacingController(PacingConfig{
		BaseDelayMs:  1,
		MinDelayMs:   1,
		MaxDelayMs:   1,
		BrakeDelayMs: 1,
	})
}

func testOrchestrator(repo domain.BatchRepository, gen image.VariationGenerator, artifacts storage.ArtifactStore, attempts int) *Orchestrator {
	return NewOrchestrator(OrchestratorOptions{
		Repo:              repo,
		Generator:         gen,
		Artifacts:         artifacts,
		Pacer:             fastPacing(),
		Logger:            zerolog.New(io.Discard),
		GenerationTimeout: time.Second,
		MaxAttempts:       attempts,
	})
}

func seedJob(t *testing.T, repo *memRepo, targets []domain.VariationTarget) *domain.BatchJob {
	t.Helper()
	cfg, err := json.Marshal(domain.BatchConfig{
		SourceImageURL: "http://localhost/static/source.png",
		SourcePrompt:   "royal oil painting of a corgi",
	})
	require.NoError(t, err)

	now := time.Now().UTC()
	job := &domain.BatchJob{
		ID:         uuid.New(),
		Type:       domain.JobTypeImageVariations,
		Status:     domain.JobStatusPending,
		TotalItems: len(targets),
		ConfigJSON: cfg,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	items := make([]domain.BatchItem, len(targets))
	for i, target := range targets {
		items[i] = domain.BatchItem{JobID: job.ID, ItemIndex: i, Status: domain.ItemStatusPending, Target: target}
	}
	require.NoError(t, repo.CreateJob(context.Background(), job, items))
	return job
}

func breedTargets(n int) []domain.VariationTarget {
	targets := make([]domain.VariationTarget, n)
	for i := range targets {
		targets[i] = domain.VariationTarget{
			Kind:    domain.TargetBreedCoat,
			BreedID: fmt.Sprintf("breed-%d", i),
			CoatID:  "cream",
		}
	}
	return targets
}

func TestRunAllItemsSucceed(t *testing.T) {
	repo := newMemRepo()
	gen := &stubGenerator{}
	artifacts := &stubArtifacts{}
	job := seedJob(t, repo, breedTargets(5))

	orc := testOrchestrator(repo, gen, artifacts, 1)
	require.NoError(t, orc.Run(context.Background(), job.ID))

	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 5, final.CompletedItems)
	assert.Equal(t, 5, final.SuccessfulItems)
	assert.Equal(t, 0, final.FailedItems)
	assert.Equal(t, 100.0, final.Progress().Percentage)
	require.NotNil(t, final.StartedAt)
	require.NotNil(t, final.CompletedAt)
	assert.Len(t, artifacts.saved, 5)

	items, err := repo.GetItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, domain.ItemStatusCompleted, item.Status)
		assert.NotNil(t, item.GeneratedImageID)
		assert.NotNil(t, item.CompletedAt)
	}
}

func TestRunRecordsPartialFailure(t *testing.T) {
	repo := newMemRepo()
	targets := breedTargets(5)
	gen := &stubGenerator{fail: map[string]bool{
		targets[1].Label(): true,
		targets[3].Label(): true,
	}}
	job := seedJob(t, repo, targets)

	orc := testOrchestrator(repo, gen, &stubArtifacts{}, 1)
	require.NoError(t, orc.Run(context.Background(), job.ID))

	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	// Item failures never fail the job; they only show up in the counters.
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 3, final.SuccessfulItems)
	assert.Equal(t, 2, final.FailedItems)
	assert.Equal(t, final.CompletedItems, final.SuccessfulItems+final.FailedItems)

	items, err := repo.GetItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, idx := range []int{1, 3} {
		assert.Equal(t, domain.ItemStatusFailed, items[idx].Status)
		assert.NotEmpty(t, items[idx].ErrorMessage)
	}
}

func TestRunStopsAtCancellation(t *testing.T) {
	repo := newMemRepo()
	job := seedJob(t, repo, breedTargets(10))
	gen := &stubGenerator{}
	gen.after = func(calls int) {
		if calls == 3 {
			require.NoError(t, repo.CancelJob(context.Background(), job.ID, time.Now().UTC()))
		}
	}

	orc := testOrchestrator(repo, gen, &stubArtifacts{}, 1)
	require.NoError(t, orc.Run(context.Background(), job.ID))

	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)
	require.NotNil(t, final.CompletedAt)

	items, err := repo.GetItems(context.Background(), job.ID)
	require.NoError(t, err)
	for i, item := range items {
		if i < 3 {
			assert.Equal(t, domain.ItemStatusCompleted, item.Status, "item %d", i)
		} else {
			assert.Equal(t, domain.ItemStatusSkipped, item.Status, "item %d", i)
		}
	}
}

func TestRunReconcilesInterruptedItems(t *testing.T) {
	repo := newMemRepo()
	job := seedJob(t, repo, breedTargets(3))

	// Simulate a crash that left item 0 running.
	started := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.MarkJobRunning(context.Background(), job.ID, started))
	require.NoError(t, repo.MarkItemRunning(context.Background(), job.ID, 0, started))

	orc := testOrchestrator(repo, &stubGenerator{}, &stubArtifacts{}, 1)
	require.NoError(t, orc.Run(context.Background(), job.ID))

	items, err := repo.GetItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStatusFailed, items[0].Status)
	assert.Equal(t, "processing interrupted", items[0].ErrorMessage)
	assert.Equal(t, domain.ItemStatusCompleted, items[1].Status)
	assert.Equal(t, domain.ItemStatusCompleted, items[2].Status)

	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCompleted, final.Status)
	assert.Equal(t, 1, final.FailedItems)
	assert.Equal(t, 2, final.SuccessfulItems)
}

func TestRunReconcilesLeftoversOnCancelledJob(t *testing.T) {
	repo := newMemRepo()
	job := seedJob(t, repo, breedTargets(4))

	// Simulate a crash mid-item followed by a cancellation, the one path that
	// can leave non-terminal items behind on a terminal job.
	past := time.Now().UTC().Add(-time.Hour)
	require.NoError(t, repo.MarkJobRunning(context.Background(), job.ID, past))
	require.NoError(t, repo.MarkItemRunning(context.Background(), job.ID, 1, past))
	require.NoError(t, repo.CancelJob(context.Background(), job.ID, past))

	resumable, err := repo.ListResumableJobs(context.Background(), time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, resumable, 1)

	orc := testOrchestrator(repo, &stubGenerator{}, &stubArtifacts{}, 1)
	require.NoError(t, orc.Run(context.Background(), job.ID))

	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusCancelled, final.Status)

	items, err := repo.GetItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStatusFailed, items[1].Status)
	assert.Equal(t, "processing interrupted", items[1].ErrorMessage)
	for _, idx := range []int{0, 2, 3} {
		assert.Equal(t, domain.ItemStatusSkipped, items[idx].Status, "item %d", idx)
	}

	// Once reconciled the job leaves the resumable set.
	resumable, err = repo.ListResumableJobs(context.Background(), time.Minute, 10)
	require.NoError(t, err)
	assert.Empty(t, resumable)
}

func TestRunRetriesUpToMaxAttempts(t *testing.T) {
	repo := newMemRepo()
	targets := breedTargets(1)
	gen := &stubGenerator{fail: map[string]bool{targets[0].Label(): true}}
	job := seedJob(t, repo, targets)

	orc := testOrchestrator(repo, gen, &stubArtifacts{}, 3)
	require.NoError(t, orc.Run(context.Background(), job.ID))

	assert.Equal(t, 3, gen.calls)
	items, err := repo.GetItems(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ItemStatusFailed, items[0].Status)
	assert.Equal(t, 2, items[0].RetryCount)
}

func TestRunMalformedConfigFailsJob(t *testing.T) {
	repo := newMemRepo()
	job := seedJob(t, repo, breedTargets(2))
	repo.mu.Lock()
	repo.jobs[job.ID].ConfigJSON = []byte("{not json")
	repo.mu.Unlock()

	orc := testOrchestrator(repo, &stubGenerator{}, &stubArtifacts{}, 1)
	require.Error(t, orc.Run(context.Background(), job.ID))

	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	require.NotNil(t, final.CompletedAt)

	items, err := repo.GetItems(context.Background(), job.ID)
	require.NoError(t, err)
	for _, item := range items {
		assert.Equal(t, domain.ItemStatusSkipped, item.Status)
	}
}

func TestRunStoreFailureFailsJob(t *testing.T) {
	repo := newMemRepo()
	job := seedJob(t, repo, breedTargets(2))
	repo.finalizeErr = errors.New("store unavailable")

	orc := testOrchestrator(repo, &stubGenerator{}, &stubArtifacts{}, 1)
	require.Error(t, orc.Run(context.Background(), job.ID))

	repo.finalizeErr = nil
	final, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, final.Status)
	assert.NotEmpty(t, final.ErrorMessage)
}

func TestRunLeavesJobResumableOnContextCancel(t *testing.T) {
	repo := newMemRepo()
	job := seedJob(t, repo, breedTargets(3))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	orc := testOrchestrator(repo, &stubGenerator{}, &stubArtifacts{}, 1)
	err := orc.Run(ctx, job.ID)
	require.ErrorIs(t, err, context.Canceled)

	final, gerr := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, gerr)
	assert.Equal(t, domain.JobStatusRunning, final.Status)

	resumable, lerr := repo.ListResumableJobs(context.Background(), 0, 10)
	require.NoError(t, lerr)
	assert.Len(t, resumable, 1)
}

func TestCancelCompletedJobConflicts(t *testing.T) {
	repo := newMemRepo()
	job := seedJob(t, repo, breedTargets(2))

	orc := testOrchestrator(repo, &stubGenerator{}, &stubArtifacts{}, 1)
	require.NoError(t, orc.Run(context.Background(), job.ID))

	before, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)

	err = repo.CancelJob(context.Background(), job.ID, time.Now().UTC())
	require.ErrorIs(t, err, domain.ErrConflict)

	after, err := repo.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, *before, *after)
}
