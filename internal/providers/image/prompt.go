package image

import (
	"fmt"

	"server/internal/domain"
)

// BuildVariationInstruction converts an item's target into the natural
// language instruction sent alongside the source portrait. The instruction
// asks the model to change exactly one attribute axis and keep everything else
// from the original composition.
func BuildVariationInstruction(target domain.VariationTarget) string {
	switch target.Kind {
	case domain.TargetBreedCoat:
		return fmt.Sprintf(
			"Repaint the pet as breed %q with a %q coat. Keep the pose, framing, lighting and artistic style of the original portrait unchanged.",
			target.BreedID, target.CoatID,
		)
	case domain.TargetOutfit:
		return fmt.Sprintf(
			"Dress the pet in the %q outfit. Keep the breed, pose, framing and artistic style of the original portrait unchanged.",
			target.OutfitID,
		)
	case domain.TargetFormat:
		return fmt.Sprintf(
			"Recompose the portrait for the %q print format, adjusting crop and margins as needed. Keep the subject and artistic style unchanged.",
			target.FormatID,
		)
	default:
		return "Create a faithful stylized variation of the original pet portrait."
	}
}
