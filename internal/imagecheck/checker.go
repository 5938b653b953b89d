// Package imagecheck classifies produced images without ground truth, using
// pixel statistics measured against the image's own source.
package imagecheck

import (
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"
	"os"

	"plateworks/internal/domain"
)

// Default gating thresholds; plan steps may override them per rule key.
const (
	defaultExtractMinNonWhite = 0.01
	defaultExtractMaxNonWhite = 0.5
	defaultPlateMinNonWhite   = 0.2
	defaultAspectTolerance    = 0.03
	minWhitePurity            = 0.95
)

// Checker measures outputs against white-background expectations.
type Checker struct {
	// WhiteThreshold: all channels at or above it count as white.
	WhiteThreshold uint8
	// NearWhiteThreshold: channels at or above it but below WhiteThreshold
	// count as off-white fringing.
	NearWhiteThreshold uint8
}

// NewChecker returns a Checker with the standard 250/240 thresholds.
func NewChecker() *Checker {
	return &Checker{WhiteThreshold: 250, NearWhiteThreshold: 240}
}

func ruleOr(rules map[string]float64, key string, fallback float64) float64 {
	if rules != nil {
		if v, ok := rules[key]; ok {
			return v
		}
	}
	return fallback
}

func failed(metrics map[string]float64, notes string) domain.ValidationResult {
	return domain.ValidationResult{Passed: false, Status: domain.StepStatusFailed, Metrics: metrics, Notes: notes}
}

func review(metrics map[string]float64, notes string) domain.ValidationResult {
	return domain.ValidationResult{Passed: true, Status: domain.StepStatusNeedsReview, Metrics: metrics, Notes: notes}
}

func success(metrics map[string]float64, notes string) domain.ValidationResult {
	return domain.ValidationResult{Passed: true, Status: domain.StepStatusSuccess, Metrics: metrics, Notes: notes}
}

type stats struct {
	width, height    int
	nonWhiteRatio    float64
	whitePurity      float64
	topBandNonWhite  float64
	bottomBandNW     float64
}

func (c *Checker) measure(img image.Image) stats {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	white := uint32(c.WhiteThreshold) * 257
	near := uint32(c.NearWhiteThreshold) * 257

	var nonWhite, nearWhite, topNonWhite, bottomNonWhite int
	topEnd := h / 4
	bottomStart := 3 * h / 4
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()
			isWhite := r >= white && g >= white && b >= white
			if !isWhite {
				nonWhite++
				if y < topEnd {
					topNonWhite++
				}
				if y >= bottomStart {
					bottomNonWhite++
				}
				if r >= near && g >= near && b >= near {
					nearWhite++
				}
			}
		}
	}

	total := float64(w * h)
	st := stats{width: w, height: h}
	if total > 0 {
		st.nonWhiteRatio = float64(nonWhite) / total
		st.whitePurity = 1 - float64(nearWhite)/total
	}
	if topEnd > 0 {
		st.topBandNonWhite = float64(topNonWhite) / float64(topEnd*w)
	}
	if h-bottomStart > 0 {
		st.bottomBandNW = float64(bottomNonWhite) / float64((h-bottomStart)*w)
	}
	return st
}

// ValidateExtraction checks an extraction output, which is expected to be
// mostly white with a bounded amount of content. Measurement errors are
// converted into a FAILED result; this function never panics past its
// boundary.
func (c *Checker) ValidateExtraction(outputPath, sourcePath string, rules map[string]float64) domain.ValidationResult {
	img, src, err := openPair(outputPath, sourcePath)
	if err != nil {
		return failed(map[string]float64{}, fmt.Sprintf("Validation error: %v", err))
	}

	if !sameSize(img, src) {
		return failed(map[string]float64{"size_match": 0},
			fmt.Sprintf("Size mismatch: %s vs %s", sizeOf(img), sizeOf(src)))
	}

	st := c.measure(img)
	metrics := map[string]float64{
		"size_match":          1,
		"nonwhite_ratio":      st.nonWhiteRatio,
		"white_purity":        st.whitePurity,
		"top_band_nonwhite":   st.topBandNonWhite,
		"bottom_band_nonwhite": st.bottomBandNW,
	}

	minNonWhite := ruleOr(rules, "min_nonwhite", defaultExtractMinNonWhite)
	maxNonWhite := ruleOr(rules, "max_nonwhite", defaultExtractMaxNonWhite)

	if st.nonWhiteRatio < minNonWhite {
		return failed(metrics, fmt.Sprintf("Output too empty (%.2f%% content, expected >%.2f%%)",
			st.nonWhiteRatio*100, minNonWhite*100))
	}
	if st.nonWhiteRatio > maxNonWhite {
		return review(metrics, fmt.Sprintf("High content ratio (%.2f%%)", st.nonWhiteRatio*100))
	}
	if st.whitePurity < minWhitePurity {
		return review(metrics, fmt.Sprintf("White purity low (%.2f%%)", st.whitePurity*100))
	}
	return success(metrics, "Validation passed")
}

// ValidatePlate checks a clean-plate output, which is expected to retain
// substantial content. The inverse expectation from extraction.
func (c *Checker) ValidatePlate(outputPath, sourcePath string, rules map[string]float64) domain.ValidationResult {
	img, src, err := openPair(outputPath, sourcePath)
	if err != nil {
		return failed(map[string]float64{}, fmt.Sprintf("Validation error: %v", err))
	}

	if !sameSize(img, src) {
		return failed(map[string]float64{"size_match": 0},
			fmt.Sprintf("Size mismatch: %s vs %s", sizeOf(img), sizeOf(src)))
	}

	st := c.measure(img)
	metrics := map[string]float64{"size_match": 1, "nonwhite_ratio": st.nonWhiteRatio}

	minNonWhite := ruleOr(rules, "min_nonwhite", defaultPlateMinNonWhite)
	if st.nonWhiteRatio < minNonWhite {
		return failed(metrics, fmt.Sprintf("Plate too empty (%.2f%%, expected >%.2f%%)",
			st.nonWhiteRatio*100, minNonWhite*100))
	}
	return success(metrics, "Plate validation passed")
}

// ValidateReframe checks that a reframed output landed on the 16:9 target
// aspect within a configurable tolerance. Dimensions may legitimately differ
// from the source here.
func (c *Checker) ValidateReframe(outputPath, sourcePath string, rules map[string]float64) domain.ValidationResult {
	img, err := open(outputPath)
	if err != nil {
		return failed(map[string]float64{}, fmt.Sprintf("Validation error: %v", err))
	}

	bounds := img.Bounds()
	if bounds.Dy() == 0 {
		return failed(map[string]float64{}, "Validation error: zero-height output")
	}
	ratio := float64(bounds.Dx()) / float64(bounds.Dy())
	target := 16.0 / 9.0
	deviation := math.Abs(ratio-target) / target
	metrics := map[string]float64{"aspect_ratio": ratio, "aspect_deviation": deviation}

	tolerance := ruleOr(rules, "aspect_tolerance", defaultAspectTolerance)
	if deviation > tolerance {
		return review(metrics, fmt.Sprintf("Aspect ratio %.3f off 16:9 target by %.1f%%", ratio, deviation*100))
	}
	return success(metrics, "Reframe validation passed")
}

func open(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	return img, err
}

func openPair(outputPath, sourcePath string) (image.Image, image.Image, error) {
	img, err := open(outputPath)
	if err != nil {
		return nil, nil, err
	}
	src, err := open(sourcePath)
	if err != nil {
		return nil, nil, err
	}
	return img, src, nil
}

func sameSize(a, b image.Image) bool {
	return a.Bounds().Dx() == b.Bounds().Dx() && a.Bounds().Dy() == b.Bounds().Dy()
}

func sizeOf(img image.Image) string {
	return fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy())
}
