package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"server/internal/batch"
	"server/internal/domain"
)

type batchCreateRequest struct {
	SourceImageID    string               `json:"source_image_id"`
	SourceImageURL   string               `json:"source_image_url"`
	SourcePrompt     string               `json:"source_prompt"`
	SourceAttributes map[string]string    `json:"source_attributes"`
	Variations       domain.VariationSets `json:"variations"`
}

type batchCreateResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	TotalItems int    `json:"total_items"`
}

type jobResponse struct {
	ID              string     `json:"id"`
	JobType         string     `json:"job_type"`
	Status          string     `json:"status"`
	TotalItems      int        `json:"total_items"`
	CompletedItems  int        `json:"completed_items"`
	SuccessfulItems int        `json:"successful_items"`
	FailedItems     int        `json:"failed_items"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	Config          any        `json:"config,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

type itemResponse struct {
	ItemIndex        int                    `json:"item_index"`
	Status           string                 `json:"status"`
	Target           domain.VariationTarget `json:"target"`
	GeneratedImageID *uuid.UUID             `json:"generated_image_id,omitempty"`
	ErrorMessage     string                 `json:"error_message,omitempty"`
	RetryCount       int                    `json:"retry_count"`
	GeminiDurationMs int64                  `json:"gemini_duration_ms"`
	TotalDurationMs  int64                  `json:"total_duration_ms"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
}

// BatchCreate accepts a variation batch request, persists the job with all of
// its items atomically and launches processing in the background. The
// response returns before any generation happens.
func (a *App) BatchCreate(w http.ResponseWriter, r *http.Request) {
	var req batchCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	if strings.TrimSpace(req.SourceImageURL) == "" && strings.TrimSpace(req.SourceImageID) == "" {
		a.error(w, http.StatusBadRequest, "validation_failed", "source_image_url or source_image_id is required")
		return
	}
	if strings.TrimSpace(req.SourcePrompt) == "" {
		a.error(w, http.StatusBadRequest, "validation_failed", "source_prompt is required")
		return
	}

	targets := req.Variations.Flatten()
	if len(targets) == 0 {
		a.error(w, http.StatusConflict, "conflict", "no variation items computed from the request")
		return
	}
	for _, target := range targets {
		if err := target.Validate(); err != nil {
			a.error(w, http.StatusBadRequest, "validation_failed", err.Error())
			return
		}
	}

	cfg := domain.BatchConfig{
		SourceImageID:    req.SourceImageID,
		SourceImageURL:   req.SourceImageURL,
		SourcePrompt:     req.SourcePrompt,
		SourceAttributes: req.SourceAttributes,
		Variations:       req.Variations,
	}
	cfgJSON, err := json.Marshal(cfg)
	if err != nil {
		a.error(w, http.StatusInternalServerError, "internal", "failed to encode job config")
		return
	}

	job := &domain.BatchJob{
		ID:         uuid.New(),
		Type:       domain.JobTypeImageVariations,
		Status:     domain.JobStatusPending,
		TotalItems: len(targets),
		ConfigJSON: cfgJSON,
		CreatedAt:  time.Now().UTC(),
	}
	items := make([]domain.BatchItem, len(targets))
	for i, target := range targets {
		items[i] = domain.BatchItem{
			JobID:     job.ID,
			ItemIndex: i,
			Status:    domain.ItemStatusPending,
			Target:    target,
		}
	}

	if err := a.Repo.CreateJob(r.Context(), job, items); err != nil {
		a.Logger.Error().Err(err).Msg("handlers: create batch job failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to create job")
		return
	}

	a.Runner.Launch(job.ID)
	a.json(w, http.StatusAccepted, batchCreateResponse{
		JobID:      job.ID.String(),
		Status:     string(job.Status),
		TotalItems: job.TotalItems,
	})
}

// BatchGet returns the job, its items and a progress projection.
func (a *App) BatchGet(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := a.Repo.GetJob(r.Context(), jobID)
	if err != nil {
		a.jobError(w, err, "load job")
		return
	}
	items, err := a.Repo.GetItems(r.Context(), jobID)
	if err != nil {
		a.jobError(w, err, "load items")
		return
	}

	itemViews := make([]itemResponse, len(items))
	for i, item := range items {
		itemViews[i] = itemResponse{
			ItemIndex:        item.ItemIndex,
			Status:           string(item.Status),
			Target:           item.Target,
			GeneratedImageID: item.GeneratedImageID,
			ErrorMessage:     item.ErrorMessage,
			RetryCount:       item.RetryCount,
			GeminiDurationMs: item.GeminiDurationMs,
			TotalDurationMs:  item.TotalDurationMs,
			StartedAt:        item.StartedAt,
			CompletedAt:      item.CompletedAt,
		}
	}

	a.json(w, http.StatusOK, map[string]any{
		"job":      jobView(job, true),
		"items":    itemViews,
		"progress": job.Progress(),
	})
}

// BatchList returns the most recent jobs without their items.
func (a *App) BatchList(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 || parsed > 100 {
			a.error(w, http.StatusBadRequest, "bad_request", "limit must be between 1 and 100")
			return
		}
		limit = parsed
	}

	jobs, err := a.Repo.ListRecentJobs(r.Context(), limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("handlers: list batch jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}

	views := make([]jobResponse, len(jobs))
	for i := range jobs {
		views[i] = jobView(&jobs[i], false)
	}
	a.json(w, http.StatusOK, map[string]any{"jobs": views})
}

// BatchCancel durably requests cancellation. The orchestrator observes it at
// its next between-items check; pending items are skipped immediately.
func (a *App) BatchCancel(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	if err := a.Repo.CancelJob(r.Context(), jobID, time.Now().UTC()); err != nil {
		switch {
		case errors.Is(err, domain.ErrNotFound):
			a.error(w, http.StatusNotFound, "not_found", "job not found")
		case errors.Is(err, domain.ErrConflict):
			a.error(w, http.StatusConflict, "conflict", "job is already finished")
		default:
			a.Logger.Error().Err(err).Msg("handlers: cancel batch job failed")
			a.error(w, http.StatusInternalServerError, "internal", "failed to cancel job")
		}
		return
	}
	a.json(w, http.StatusOK, map[string]string{"job_id": jobID.String(), "status": string(domain.JobStatusCancelled)})
}

// BatchLogs returns the reconstructed timeline for a job.
func (a *App) BatchLogs(w http.ResponseWriter, r *http.Request) {
	jobID, ok := a.jobIDParam(w, r)
	if !ok {
		return
	}
	job, err := a.Repo.GetJob(r.Context(), jobID)
	if err != nil {
		a.jobError(w, err, "load job")
		return
	}
	items, err := a.Repo.GetItems(r.Context(), jobID)
	if err != nil {
		a.jobError(w, err, "load items")
		return
	}
	a.json(w, http.StatusOK, batch.ReconstructLogs(job, items, a.Pacer))
}

func (a *App) jobIDParam(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	raw := chi.URLParam(r, "job_id")
	jobID, err := uuid.Parse(raw)
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "job_id must be a uuid")
		return uuid.Nil, false
	}
	return jobID, true
}

func (a *App) jobError(w http.ResponseWriter, err error, op string) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "job not found")
		return
	}
	a.Logger.Error().Err(err).Str("op", op).Msg("handlers: batch job query failed")
	a.error(w, http.StatusInternalServerError, "internal", "failed to load job")
}

func jobView(job *domain.BatchJob, includeConfig bool) jobResponse {
	view := jobResponse{
		ID:              job.ID.String(),
		JobType:         string(job.Type),
		Status:          string(job.Status),
		TotalItems:      job.TotalItems,
		CompletedItems:  job.CompletedItems,
		SuccessfulItems: job.SuccessfulItems,
		FailedItems:     job.FailedItems,
		ErrorMessage:    job.ErrorMessage,
		CreatedAt:       job.CreatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if includeConfig && len(job.ConfigJSON) > 0 {
		view.Config = json.RawMessage(job.ConfigJSON)
	}
	return view
}
