package image

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"server/internal/domain"
)

func TestBuildVariationInstruction(t *testing.T) {
	breed := BuildVariationInstruction(domain.VariationTarget{
		Kind: domain.TargetBreedCoat, BreedID: "corgi", CoatID: "cream",
	})
	assert.Contains(t, breed, `"corgi"`)
	assert.Contains(t, breed, `"cream"`)
	assert.Contains(t, breed, "unchanged")

	outfit := BuildVariationInstruction(domain.VariationTarget{
		Kind: domain.TargetOutfit, OutfitID: "wizard",
	})
	assert.Contains(t, outfit, `"wizard"`)

	format := BuildVariationInstruction(domain.VariationTarget{
		Kind: domain.TargetFormat, FormatID: "square",
	})
	assert.Contains(t, format, `"square"`)

	fallback := BuildVariationInstruction(domain.VariationTarget{Kind: "pose"})
	assert.NotEmpty(t, fallback)
}
