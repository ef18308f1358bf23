package image

import (
	"context"

	"server/internal/domain"
)

// VariationRequest describes a normalized request passed to any variation provider.
type VariationRequest struct {
	SourceImageURL string
	SourcePrompt   string
	Target         domain.VariationTarget
	RequestID      string
}

// VariationResult represents one generated variation.
type VariationResult struct {
	Data         []byte
	Format       string
	Width        int
	Height       int
	ModelVersion string
}

// VariationGenerator is the contract implemented by all variation providers.
type VariationGenerator interface {
	GenerateVariation(ctx context.Context, req VariationRequest) (*VariationResult, error)
}
