package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// JobType enumerates supported batch job categories.
type JobType string

const (
	JobTypeImageVariations JobType = "image_variations"
)

// JobStatus enumerates batch job lifecycle states.
type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// Terminal reports whether no further job-level transition may occur.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ItemStatus enumerates per-item lifecycle states.
type ItemStatus string

const (
	ItemStatusPending   ItemStatus = "pending"
	ItemStatusRunning   ItemStatus = "running"
	ItemStatusCompleted ItemStatus = "completed"
	ItemStatusFailed    ItemStatus = "failed"
	ItemStatusSkipped   ItemStatus = "skipped"
)

// Terminal reports whether the item has reached a final state.
func (s ItemStatus) Terminal() bool {
	return s == ItemStatusCompleted || s == ItemStatusFailed || s == ItemStatusSkipped
}

// TargetKind discriminates which variation category an item belongs to.
type TargetKind string

const (
	TargetBreedCoat TargetKind = "breed_coat"
	TargetOutfit    TargetKind = "outfit"
	TargetFormat    TargetKind = "format"
)

// VariationTarget identifies the single attribute combination an item
// generates. Exactly one category is populated, selected by Kind.
type VariationTarget struct {
	Kind     TargetKind `json:"kind"`
	BreedID  string     `json:"breed_id,omitempty"`
	CoatID   string     `json:"coat_id,omitempty"`
	OutfitID string     `json:"outfit_id,omitempty"`
	FormatID string     `json:"format_id,omitempty"`
}

// Validate enforces the exactly-one-category invariant.
func (t VariationTarget) Validate() error {
	switch t.Kind {
	case TargetBreedCoat:
		if t.BreedID == "" || t.CoatID == "" {
			return fmt.Errorf("%w: breed_coat target requires breed_id and coat_id", ErrValidation)
		}
		if t.OutfitID != "" || t.FormatID != "" {
			return fmt.Errorf("%w: breed_coat target must not carry outfit or format ids", ErrValidation)
		}
	case TargetOutfit:
		if t.OutfitID == "" {
			return fmt.Errorf("%w: outfit target requires outfit_id", ErrValidation)
		}
		if t.BreedID != "" || t.CoatID != "" || t.FormatID != "" {
			return fmt.Errorf("%w: outfit target must not carry breed, coat or format ids", ErrValidation)
		}
	case TargetFormat:
		if t.FormatID == "" {
			return fmt.Errorf("%w: format target requires format_id", ErrValidation)
		}
		if t.BreedID != "" || t.CoatID != "" || t.OutfitID != "" {
			return fmt.Errorf("%w: format target must not carry breed, coat or outfit ids", ErrValidation)
		}
	default:
		return fmt.Errorf("%w: unknown target kind %q", ErrValidation, t.Kind)
	}
	return nil
}

// Label renders a short human-readable description of the target.
func (t VariationTarget) Label() string {
	switch t.Kind {
	case TargetBreedCoat:
		return fmt.Sprintf("breed %s / coat %s", t.BreedID, t.CoatID)
	case TargetOutfit:
		return "outfit " + t.OutfitID
	case TargetFormat:
		return "format " + t.FormatID
	default:
		return string(t.Kind)
	}
}

// BatchJob is one bulk request to generate a set of image variations from a
// source portrait. Aggregate counters are co-written with each item's terminal
// transition, so completed == successful + failed holds at every observation
// point.
type BatchJob struct {
	ID              uuid.UUID
	Type            JobType
	Status          JobStatus
	TotalItems      int
	CompletedItems  int
	SuccessfulItems int
	FailedItems     int
	ConfigJSON      json.RawMessage
	ErrorMessage    string
	CreatedAt       time.Time
	UpdatedAt       time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
}

// BatchItem is one unit of work within a job, identified by (JobID, ItemIndex).
type BatchItem struct {
	JobID            uuid.UUID
	ItemIndex        int
	Status           ItemStatus
	Target           VariationTarget
	GeneratedImageID *uuid.UUID
	ErrorMessage     string
	RetryCount       int
	GeminiDurationMs int64
	TotalDurationMs  int64
	StartedAt        *time.Time
	CompletedAt      *time.Time
}

// BatchConfig captures the originating request verbatim for display and audit.
// It is never mutated after job creation.
type BatchConfig struct {
	SourceImageID    string            `json:"source_image_id,omitempty"`
	SourceImageURL   string            `json:"source_image_url"`
	SourcePrompt     string            `json:"source_prompt"`
	SourceAttributes map[string]string `json:"source_attributes,omitempty"`
	Variations       VariationSets     `json:"variations"`
}

// VariationSets carries the requested category lists as submitted.
type VariationSets struct {
	BreedCoats []BreedCoat `json:"breed_coats,omitempty"`
	Outfits    []string    `json:"outfits,omitempty"`
	Formats    []string    `json:"formats,omitempty"`
}

// BreedCoat pairs a breed with a coat color.
type BreedCoat struct {
	BreedID string `json:"breed_id"`
	CoatID  string `json:"coat_id"`
}

// Flatten expands the requested sets into the dense ordered item target list:
// breed+coat pairs first, then outfits, then formats.
func (v VariationSets) Flatten() []VariationTarget {
	targets := make([]VariationTarget, 0, len(v.BreedCoats)+len(v.Outfits)+len(v.Formats))
	for _, bc := range v.BreedCoats {
		targets = append(targets, VariationTarget{Kind: TargetBreedCoat, BreedID: bc.BreedID, CoatID: bc.CoatID})
	}
	for _, outfit := range v.Outfits {
		targets = append(targets, VariationTarget{Kind: TargetOutfit, OutfitID: outfit})
	}
	for _, format := range v.Formats {
		targets = append(targets, VariationTarget{Kind: TargetFormat, FormatID: format})
	}
	return targets
}

// Progress summarizes job counters for the query API.
type Progress struct {
	Total      int     `json:"total"`
	Completed  int     `json:"completed"`
	Successful int     `json:"successful"`
	Failed     int     `json:"failed"`
	Percentage float64 `json:"percentage"`
}

// Progress derives the progress projection from the job's counters.
func (j *BatchJob) Progress() Progress {
	p := Progress{
		Total:      j.TotalItems,
		Completed:  j.CompletedItems,
		Successful: j.SuccessfulItems,
		Failed:     j.FailedItems,
	}
	if j.TotalItems > 0 {
		p.Percentage = float64(j.CompletedItems) / float64(j.TotalItems) * 100
	}
	return p
}
