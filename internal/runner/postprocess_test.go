package runner

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClampUpscaleFactor(t *testing.T) {
	assert.Equal(t, 2, clampUpscaleFactor(0))
	assert.Equal(t, 1, clampUpscaleFactor(1))
	assert.Equal(t, 1, clampUpscaleFactor(-3))
	assert.Equal(t, 4, clampUpscaleFactor(4))
	assert.Equal(t, 6, clampUpscaleFactor(9))
}

func TestSixteenNineRect(t *testing.T) {
	// Already 16:9.
	rect := sixteenNineRect(1920, 1080)
	assert.Equal(t, image.Rect(0, 0, 1920, 1080), rect)

	// Landscape: full width, cropped height, centered vertically.
	rect = sixteenNineRect(100, 100)
	assert.Equal(t, 100, rect.Dx())
	assert.Equal(t, 56, rect.Dy())
	assert.Equal(t, 22, rect.Min.Y)

	// Too-wide panorama: full height, cropped width.
	rect = sixteenNineRect(2000, 500)
	assert.Equal(t, 500, rect.Dy())
	assert.Equal(t, 889, rect.Dx())
}

func TestCropToSixteenNine(t *testing.T) {
	square := image.NewRGBA(image.Rect(0, 0, 100, 100))
	out, changed := cropToSixteenNine(square)
	assert.True(t, changed)
	assert.Equal(t, 100, out.Bounds().Dx())
	assert.Equal(t, 56, out.Bounds().Dy())

	wide := image.NewRGBA(image.Rect(0, 0, 1600, 900))
	out, changed = cropToSixteenNine(wide)
	assert.False(t, changed)
	assert.Equal(t, wide.Bounds(), out.Bounds())
}

func TestFlattenToWhiteFillsTransparency(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 4)) // fully transparent
	img.Set(1, 1, color.RGBA{R: 255, A: 255})

	out := flattenToWhite(img)

	r, g, b, a := out.At(0, 0).RGBA()
	assert.Equal(t, []uint32{255, 255, 255, 255}, []uint32{r >> 8, g >> 8, b >> 8, a >> 8})
	r, _, _, _ = out.At(1, 1).RGBA()
	assert.Equal(t, uint32(255), r>>8)
}
