package image

import (
	"context"
	"fmt"

	"server/internal/domain"
	"server/internal/providers/genai"
)

// GeminiGenerator adapts the genai client to the VariationGenerator contract.
type GeminiGenerator struct {
	client *genai.Client
}

func NewGeminiGenerator(client *genai.Client) *GeminiGenerator {
	return &GeminiGenerator{client: client}
}

func (g *GeminiGenerator) GenerateVariation(ctx context.Context, req VariationRequest) (*VariationResult, error) {
	generated, err := g.client.GenerateVariation(ctx, genai.VariationRequest{
		SourceImageURL: req.SourceImageURL,
		SourcePrompt:   req.SourcePrompt,
		Instruction:    BuildVariationInstruction(req.Target),
		RequestID:      req.RequestID,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrProviderFailure, err)
	}
	return &VariationResult{
		Data:         generated.Data,
		Format:       generated.Format,
		Width:        generated.Width,
		Height:       generated.Height,
		ModelVersion: generated.ModelVersion,
	}, nil
}

var _ VariationGenerator = (*GeminiGenerator)(nil)
