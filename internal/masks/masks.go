// Package masks handles binarization and size-matching of edit masks, plus
// the deterministic compositing safety net applied after a mask-constrained
// AI edit.
package masks

import (
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"os"

	"plateworks/internal/domain"
)

// binarizeThreshold is inclusive on the high side: grey 128 maps to white.
const binarizeThreshold = 128

// Binarize converts any image to a single-channel 0/255 mask.
func Binarize(img image.Image) *image.Gray {
	bounds := img.Bounds()
	mask := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			grey := color.GrayModel.Convert(img.At(x, y)).(color.Gray)
			if grey.Y >= binarizeThreshold {
				mask.SetGray(x, y, color.Gray{Y: 255})
			} else {
				mask.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return mask
}

// LoadBinary loads a mask image from disk and binarizes it.
func LoadBinary(path string) (*image.Gray, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("masks: open %s: %w", path, err)
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("masks: decode %s: %w", path, err)
	}
	return Binarize(img), nil
}

// EnsureMatches fails when the mask's dimensions differ from the reference
// image. Masks are pixel-aligned to their input, never rescaled implicitly.
func EnsureMatches(mask *image.Gray, ref image.Image) error {
	mb, rb := mask.Bounds(), ref.Bounds()
	if mb.Dx() != rb.Dx() || mb.Dy() != rb.Dy() {
		return fmt.Errorf("masks: mask %dx%d does not match input %dx%d: %w",
			mb.Dx(), mb.Dy(), rb.Dx(), rb.Dy(), domain.ErrMaskMismatch)
	}
	return nil
}

// ApplyConstraint enforces locality after an edit that may have touched
// pixels outside the mask. Extraction-family steps start from solid white,
// removal-family steps start from the original input; in both cases only the
// masked region of the model output is pasted on top. All three images must
// share dimensions.
func ApplyConstraint(output, input image.Image, mask *image.Gray, stepType domain.StepType) image.Image {
	bounds := output.Bounds()
	result := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))

	white := color.RGBA{R: 255, G: 255, B: 255, A: 255}
	inBounds := input.Bounds()
	maskBounds := mask.Bounds()
	for y := 0; y < bounds.Dy(); y++ {
		for x := 0; x < bounds.Dx(); x++ {
			inside := mask.GrayAt(maskBounds.Min.X+x, maskBounds.Min.Y+y).Y >= binarizeThreshold
			switch {
			case inside:
				result.Set(x, y, output.At(bounds.Min.X+x, bounds.Min.Y+y))
			case stepType == domain.StepTypeExtract || stepType == domain.StepTypeBGRemove:
				result.Set(x, y, white)
			default:
				result.Set(x, y, input.At(inBounds.Min.X+x, inBounds.Min.Y+y))
			}
		}
	}
	return result
}
