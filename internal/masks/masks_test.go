package masks

import (
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"plateworks/internal/domain"
)

func solid(w, h int, c color.Color) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func TestBinarizeThreshold(t *testing.T) {
	img := image.NewGray(image.Rect(0, 0, 2, 1))
	img.SetGray(0, 0, color.Gray{Y: 127})
	img.SetGray(1, 0, color.Gray{Y: 128})

	mask := Binarize(img)

	assert.Equal(t, uint8(0), mask.GrayAt(0, 0).Y)
	assert.Equal(t, uint8(255), mask.GrayAt(1, 0).Y)
}

func TestLoadBinaryRoundTrip(t *testing.T) {
	img := solid(4, 4, color.RGBA{R: 30, G: 30, B: 30, A: 255})
	img.Set(2, 2, color.White)

	path := filepath.Join(t.TempDir(), "mask.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, png.Encode(f, img))
	require.NoError(t, f.Close())

	mask, err := LoadBinary(path)
	require.NoError(t, err)
	assert.Equal(t, uint8(255), mask.GrayAt(2, 2).Y)
	assert.Equal(t, uint8(0), mask.GrayAt(0, 0).Y)
}

func TestLoadBinaryMissingFile(t *testing.T) {
	_, err := LoadBinary(filepath.Join(t.TempDir(), "nope.png"))
	assert.Error(t, err)
}

func TestEnsureMatches(t *testing.T) {
	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	require.NoError(t, EnsureMatches(mask, solid(4, 4, color.White)))

	err := EnsureMatches(mask, solid(5, 4, color.White))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrMaskMismatch)
}

func TestApplyConstraintExtractWhitensOutside(t *testing.T) {
	input := solid(4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	output := solid(4, 4, color.RGBA{R: 200, G: 0, B: 0, A: 255})

	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	mask.SetGray(1, 1, color.Gray{Y: 255})

	result := ApplyConstraint(output, input, mask, domain.StepTypeExtract)

	r, g, b, _ := result.At(1, 1).RGBA()
	assert.Equal(t, []uint32{200, 0, 0}, []uint32{r >> 8, g >> 8, b >> 8})

	r, g, b, _ = result.At(0, 0).RGBA()
	assert.Equal(t, []uint32{255, 255, 255}, []uint32{r >> 8, g >> 8, b >> 8})
}

func TestApplyConstraintRemoveRestoresInput(t *testing.T) {
	input := solid(4, 4, color.RGBA{R: 10, G: 20, B: 30, A: 255})
	output := solid(4, 4, color.RGBA{R: 200, G: 0, B: 0, A: 255})

	mask := image.NewGray(image.Rect(0, 0, 4, 4))
	mask.SetGray(3, 3, color.Gray{Y: 255})

	result := ApplyConstraint(output, input, mask, domain.StepTypeRemove)

	r, g, b, _ := result.At(3, 3).RGBA()
	assert.Equal(t, []uint32{200, 0, 0}, []uint32{r >> 8, g >> 8, b >> 8})

	r, g, b, _ = result.At(0, 0).RGBA()
	assert.Equal(t, []uint32{10, 20, 30}, []uint32{r >> 8, g >> 8, b >> 8})
}
