// Package detect implements the per-frame quality detectors specified in
// spec.md §4.3.1: blackscreen, freeze, and the optional macroblock
// heuristic. Audio is intentionally not measured here — it is injected by
// the audio worker (spec.md §4.6.4) into the frame monitor's cache.
package detect

import (
	"image"
	"image/color"
	_ "image/jpeg"
	"math"
	"os"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// Config carries the tunable thresholds from hostconf.Settings.Detect so
// this package has no dependency on the config loader itself.
type Config struct {
	BlackscreenPixelThreshold int
	BlackscreenDarkPct        float64 // 85 desktop, 70 mobile
	FreezeDiffThreshold       float64
	FreezeMaxComparisons      int
	MacroblockArtifactPct     float64
	MacroblockBlurVariance    float64
}

// Result mirrors the detect_issues() contract in spec.md §4.3.1.
type Result struct {
	Blackscreen           bool
	BlackscreenPercentage float64
	Freeze                bool
	FreezeDiffs           []float64
	Macroblocks           *bool
	QualityScore          *float64
}

// LoadGray decodes a JPEG frame into grayscale for detector consumption.
func LoadGray(path string) (*image.Gray, image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, errors.Newf("open frame %s: %w", path, err).
			Component("detect").Category(errors.CategoryFileIO).Build()
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, nil, errors.Newf("decode frame %s: %w", path, err).
			Component("detect").Category(errors.CategoryFileIO).Build()
	}

	bounds := img.Bounds()
	gray := image.NewGray(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			gray.Set(x, y, color.GrayModel.Convert(img.At(x, y)))
		}
	}
	return gray, img, nil
}

// Blackscreen implements spec.md §4.3.1's algorithm: sample pixels in the
// 5%-70% vertical band, coarse every-3rd-pixel first, full scan only in
// the 70-90% edge case, detected when dark-pixel percentage exceeds the
// configured threshold.
func Blackscreen(gray *image.Gray, cfg Config) (detected bool, percentage float64) {
	bounds := gray.Bounds()
	h := bounds.Dy()
	yStart := bounds.Min.Y + int(float64(h)*0.05)
	yEnd := bounds.Min.Y + int(float64(h)*0.70)
	if yEnd <= yStart {
		yEnd = yStart + 1
	}

	coarsePct := sampleDarkPct(gray, bounds.Min.X, bounds.Max.X, yStart, yEnd, 3, cfg.BlackscreenPixelThreshold)
	pct := coarsePct
	if coarsePct >= 70 && coarsePct <= 90 {
		pct = sampleDarkPct(gray, bounds.Min.X, bounds.Max.X, yStart, yEnd, 1, cfg.BlackscreenPixelThreshold)
	}

	return pct > cfg.BlackscreenDarkPct, pct
}

func sampleDarkPct(gray *image.Gray, xStart, xEnd, yStart, yEnd, stride, threshold int) float64 {
	var dark, total int
	for y := yStart; y < yEnd; y += stride {
		for x := xStart; x < xEnd; x += stride {
			total++
			if int(gray.GrayAt(x, y).Y) <= threshold {
				dark++
			}
		}
	}
	if total == 0 {
		return 0
	}
	return float64(dark) / float64(total) * 100
}

// Freeze implements spec.md §4.3.1: compare the current frame against up
// to len(previous) earlier frames using an every-10-pixel absolute
// difference downsample; frozen when mean-diff is below the configured
// threshold. Early-stops once a freeze->non-freeze transition is found
// (the "zapping optimization"), and never performs more than
// cfg.FreezeMaxComparisons comparisons.
func Freeze(current *image.Gray, previous []*image.Gray, cfg Config) (frozen bool, diffs []float64) {
	max := cfg.FreezeMaxComparisons
	prevFrozen := true
	for i, prev := range previous {
		if i >= max {
			break
		}
		d := meanAbsDiff(current, prev, 10)
		diffs = append(diffs, d)
		isFrozen := d < cfg.FreezeDiffThreshold
		if i > 0 && prevFrozen && !isFrozen {
			// transition found: stop early per spec.
			break
		}
		prevFrozen = isFrozen
	}
	if len(diffs) == 0 {
		return false, diffs
	}
	// Frozen overall if every comparison up to the stop point was frozen.
	frozen = true
	for _, d := range diffs {
		if d >= cfg.FreezeDiffThreshold {
			frozen = false
			break
		}
	}
	return frozen, diffs
}

func meanAbsDiff(a, b *image.Gray, stride int) float64 {
	bounds := a.Bounds()
	var sum float64
	var count int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += stride {
		for x := bounds.Min.X; x < bounds.Max.X; x += stride {
			av := int(a.GrayAt(x, y).Y)
			bv := int(b.GrayAt(x, y).Y)
			diff := av - bv
			if diff < 0 {
				diff = -diff
			}
			sum += float64(diff)
			count++
		}
	}
	if count == 0 {
		return 0
	}
	// Normalize to a 0..1-ish scale comparable to the 0.2 threshold.
	return (sum / float64(count)) / 255.0
}

// Macroblocks implements the optional, conservative artifact heuristic
// from spec.md §4.3.1: sample every 10th pixel in HSV, count abnormally
// saturated green/pink pixels, and combine with a Laplacian-variance blur
// signal. Reports true only when both artifact% exceeds the threshold and
// blur variance is below the threshold, or either is extreme.
func Macroblocks(img image.Image, gray *image.Gray, cfg Config) (detected bool, artifactPct, blurVariance float64) {
	bounds := img.Bounds()
	var artifact, total int
	for y := bounds.Min.Y; y < bounds.Max.Y; y += 10 {
		for x := bounds.Min.X; x < bounds.Max.X; x += 10 {
			total++
			h, s, v := rgbToHSV(img.At(x, y))
			if isArtifactPixel(h, s, v) {
				artifact++
			}
		}
	}
	if total > 0 {
		artifactPct = float64(artifact) / float64(total) * 100
	}
	blurVariance = laplacianVariance(gray)

	extreme := artifactPct > cfg.MacroblockArtifactPct*3 || blurVariance < cfg.MacroblockBlurVariance/3
	detected = (artifactPct > cfg.MacroblockArtifactPct && blurVariance < cfg.MacroblockBlurVariance) || extreme
	return detected, artifactPct, blurVariance
}

// isArtifactPixel classifies abnormally-saturated green (40-80 hue) or
// pink (140-170 hue) pixels per spec.md's HSV ranges.
func isArtifactPixel(h, s, v float64) bool {
	if v < 50 || v > 255 {
		return false
	}
	if s < 100 {
		return false
	}
	if h >= 40 && h <= 80 {
		return true
	}
	if h >= 140 && h <= 170 {
		return true
	}
	return false
}

func rgbToHSV(c color.Color) (h, s, v float64) {
	r32, g32, b32, _ := c.RGBA()
	r, g, b := float64(r32>>8), float64(g32>>8), float64(b32>>8)
	maxC := math.Max(r, math.Max(g, b))
	minC := math.Min(r, math.Min(g, b))
	v = maxC
	delta := maxC - minC
	if maxC == 0 {
		s = 0
	} else {
		s = delta / maxC * 255
	}
	if delta == 0 {
		h = 0
	} else {
		switch maxC {
		case r:
			h = 60 * math.Mod((g-b)/delta, 6)
		case g:
			h = 60 * ((b-r)/delta + 2)
		default:
			h = 60 * ((r-g)/delta + 4)
		}
	}
	if h < 0 {
		h += 360
	}
	// Scale hue to OpenCV-style 0-180 so thresholds match spec.md's ranges.
	return h / 2, s, v
}

func laplacianVariance(gray *image.Gray) float64 {
	bounds := gray.Bounds()
	var values []float64
	for y := bounds.Min.Y + 1; y < bounds.Max.Y-1; y++ {
		for x := bounds.Min.X + 1; x < bounds.Max.X-1; x++ {
			center := int(gray.GrayAt(x, y).Y)
			lap := -4*center +
				int(gray.GrayAt(x-1, y).Y) + int(gray.GrayAt(x+1, y).Y) +
				int(gray.GrayAt(x, y-1).Y) + int(gray.GrayAt(x, y+1).Y)
			values = append(values, float64(lap))
		}
	}
	if len(values) == 0 {
		return 0
	}
	var mean float64
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	var variance float64
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(values))
}

// DetectIssues runs the full detector contract against one frame plus its
// recent-history window, matching spec.md §4.3.1 end to end.
func DetectIssues(framePath string, history []*image.Gray, cfg Config, includeMacroblocks bool) (Result, error) {
	gray, img, err := LoadGray(framePath)
	if err != nil {
		return Result{}, err
	}

	blackscreen, pct := Blackscreen(gray, cfg)
	frozen, diffs := Freeze(gray, history, cfg)

	res := Result{
		Blackscreen:           blackscreen,
		BlackscreenPercentage: pct,
		Freeze:                frozen,
		FreezeDiffs:           diffs,
	}

	if includeMacroblocks {
		mb, _, _ := Macroblocks(img, gray, cfg)
		res.Macroblocks = &mb
	}

	return res, nil
}
