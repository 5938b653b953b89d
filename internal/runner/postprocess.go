package runner

import (
	"image"
	"image/color"
	"image/draw"
	"math"
)

// flattenToWhite composites the image over an opaque white background.
// Clean plates must be fully opaque; transparent regions coming back from a
// provider read as content-free white.
func flattenToWhite(img image.Image) image.Image {
	bounds := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, bounds.Dx(), bounds.Dy()))
	draw.Draw(out, out.Bounds(), image.NewUniform(color.White), image.Point{}, draw.Src)
	draw.Draw(out, out.Bounds(), img, bounds.Min, draw.Over)
	return out
}

// sixteenNineRect returns the largest centered 16:9 rectangle that fits
// within the given dimensions. Dimensions already at 16:9 come back
// unchanged.
func sixteenNineRect(width, height int) image.Rectangle {
	targetW := width
	targetH := int(math.Round(float64(width) * 9.0 / 16.0))
	if targetH > height {
		targetH = height
		targetW = int(math.Round(float64(height) * 16.0 / 9.0))
	}
	x0 := (width - targetW) / 2
	y0 := (height - targetH) / 2
	return image.Rect(x0, y0, x0+targetW, y0+targetH)
}

// cropToSixteenNine center-crops the image to 16:9 when it is not already.
func cropToSixteenNine(img image.Image) (image.Image, bool) {
	bounds := img.Bounds()
	rect := sixteenNineRect(bounds.Dx(), bounds.Dy())
	if rect.Dx() == bounds.Dx() && rect.Dy() == bounds.Dy() {
		return img, false
	}
	out := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	draw.Draw(out, out.Bounds(), img, bounds.Min.Add(rect.Min), draw.Src)
	return out, true
}

// clampUpscaleFactor keeps the factor within what the hosted upscalers
// accept. Zero (unset) defaults to 2.
func clampUpscaleFactor(factor int) int {
	if factor == 0 {
		factor = 2
	}
	if factor < 1 {
		return 1
	}
	if factor > 6 {
		return 6
	}
	return factor
}
