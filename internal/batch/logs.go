package batch

import (
	"fmt"
	"sort"
	"time"

	"server/internal/domain"
)

// Log event types emitted by the timeline reconstruction.
const (
	EventJobCreated      = "job_created"
	EventJobStarted      = "job_started"
	EventItemStarted     = "item_started"
	EventItemCompleted   = "item_completed"
	EventItemFailed      = "item_failed"
	EventSpeedAdjustment = "speed_adjustment"
	EventJobCompleted    = "job_completed"
)

// Log levels.
const (
	LevelInfo    = "info"
	LevelSuccess = "success"
	LevelError   = "error"
)

// LogEvent is one entry in a job's reconstructed timeline.
type LogEvent struct {
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	ItemIndex *int      `json:"item_index,omitempty"`
}

// LogSummary aggregates the reconstructed stream.
type LogSummary struct {
	TotalLogs   int        `json:"total_logs"`
	EventTypes  []string   `json:"event_types"`
	Levels      []string   `json:"levels"`
	LastEventAt *time.Time `json:"last_event_at,omitempty"`
}

// LogProjection is the full reconstruction output.
type LogProjection struct {
	Events  []LogEvent `json:"events"`
	Summary LogSummary `json:"summary"`
}

// ReconstructLogs derives an ordered, leveled event stream purely from the
// job and item records. It holds no state and performs no writes: calling it
// twice on unchanged data yields identical output.
func ReconstructLogs(job *domain.BatchJob, items []domain.BatchItem, pacer *PacingController) LogProjection {
	events := make([]LogEvent, 0, 2*len(items)+4)

	events = append(events, LogEvent{
		Timestamp: job.CreatedAt,
		Type:      EventJobCreated,
		Level:     LevelInfo,
		Message:   fmt.Sprintf("job created with %d variation items", job.TotalItems),
	})

	if job.StartedAt != nil {
		events = append(events, LogEvent{
			Timestamp: *job.StartedAt,
			Type:      EventJobStarted,
			Level:     LevelInfo,
			Message:   "processing started",
		})
	}

	var lastItemDone time.Time
	for _, item := range items {
		idx := item.ItemIndex
		if item.StartedAt != nil {
			events = append(events, LogEvent{
				Timestamp: *item.StartedAt,
				Type:      EventItemStarted,
				Level:     LevelInfo,
				Message:   fmt.Sprintf("item %d started: %s", idx, item.Target.Label()),
				ItemIndex: &idx,
			})
		}
		if item.CompletedAt == nil {
			continue
		}
		switch item.Status {
		case domain.ItemStatusCompleted:
			events = append(events, LogEvent{
				Timestamp: *item.CompletedAt,
				Type:      EventItemCompleted,
				Level:     LevelSuccess,
				Message:   fmt.Sprintf("item %d completed in %dms", idx, item.TotalDurationMs),
				ItemIndex: &idx,
			})
		case domain.ItemStatusFailed:
			events = append(events, LogEvent{
				Timestamp: *item.CompletedAt,
				Type:      EventItemFailed,
				Level:     LevelError,
				Message:   fmt.Sprintf("item %d failed: %s", idx, item.ErrorMessage),
				ItemIndex: &idx,
			})
		}
		if item.CompletedAt.After(lastItemDone) {
			lastItemDone = *item.CompletedAt
		}
	}

	// The pacing recommendation is derived, not persisted; it is anchored to
	// the latest item completion so repeated reconstructions agree.
	if pacer != nil && job.CompletedItems > 0 &&
		(job.Status == domain.JobStatusRunning || job.Status == domain.JobStatusCompleted) {
		rec := pacer.Recommend(job.CompletedItems, job.SuccessfulItems, job.FailedItems)
		events = append(events, LogEvent{
			Timestamp: lastItemDone,
			Type:      EventSpeedAdjustment,
			Level:     LevelInfo,
			Message:   fmt.Sprintf("pacing %s: next delay %dms (%s)", rec.Adjustment, rec.DelayMs, rec.Reasoning),
		})
	}

	if job.CompletedAt != nil {
		level := LevelInfo
		switch job.Status {
		case domain.JobStatusCompleted:
			level = LevelSuccess
		case domain.JobStatusFailed:
			level = LevelError
		}
		events = append(events, LogEvent{
			Timestamp: *job.CompletedAt,
			Type:      EventJobCompleted,
			Level:     level,
			Message: fmt.Sprintf("job %s: %d successful, %d failed, %d skipped in %s",
				job.Status, job.SuccessfulItems, job.FailedItems,
				job.TotalItems-job.CompletedItems,
				job.CompletedAt.Sub(job.CreatedAt).Round(time.Millisecond)),
		})
	}

	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp.Before(events[j].Timestamp)
	})

	summary := LogSummary{TotalLogs: len(events)}
	seenTypes := map[string]bool{}
	seenLevels := map[string]bool{}
	for _, evt := range events {
		if !seenTypes[evt.Type] {
			seenTypes[evt.Type] = true
			summary.EventTypes = append(summary.EventTypes, evt.Type)
		}
		if !seenLevels[evt.Level] {
			seenLevels[evt.Level] = true
			summary.Levels = append(summary.Levels, evt.Level)
		}
	}
	if len(events) > 0 {
		last := events[len(events)-1].Timestamp
		summary.LastEventAt = &last
	}

	return LogProjection{Events: events, Summary: summary}
}
