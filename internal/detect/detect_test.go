package detect

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
)

func defaultConfig() Config {
	return Config{
		BlackscreenPixelThreshold: 10,
		BlackscreenDarkPct:        85,
		FreezeDiffThreshold:       0.2,
		FreezeMaxComparisons:      50,
		MacroblockArtifactPct:     8,
		MacroblockBlurVariance:    30,
	}
}

func solidGray(w, h int, value uint8) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.SetGray(x, y, color.Gray{Y: value})
		}
	}
	return img
}

func TestBlackscreenDetectsAllDarkFrame(t *testing.T) {
	gray := solidGray(100, 100, 0)
	detected, pct := Blackscreen(gray, defaultConfig())
	assert.True(t, detected)
	assert.InDelta(t, 100.0, pct, 0.01)
}

func TestBlackscreenDoesNotFlagBrightFrame(t *testing.T) {
	gray := solidGray(100, 100, 200)
	detected, pct := Blackscreen(gray, defaultConfig())
	assert.False(t, detected)
	assert.InDelta(t, 0.0, pct, 0.01)
}

func TestFreezeDetectsIdenticalFrames(t *testing.T) {
	a := solidGray(64, 64, 128)
	history := []*image.Gray{solidGray(64, 64, 128), solidGray(64, 64, 128)}
	frozen, diffs := Freeze(a, history, defaultConfig())
	assert.True(t, frozen)
	assert.Len(t, diffs, 2)
	for _, d := range diffs {
		assert.Less(t, d, 0.2)
	}
}

func TestFreezeEarlyStopsOnTransition(t *testing.T) {
	cfg := defaultConfig()
	current := solidGray(64, 64, 128)
	history := []*image.Gray{
		solidGray(64, 64, 128), // frozen vs current
		solidGray(64, 64, 255), // not frozen: should stop the batch here
		solidGray(64, 64, 128),
	}
	_, diffs := Freeze(current, history, cfg)
	assert.LessOrEqual(t, len(diffs), 2, "must stop at the freeze->non-freeze transition")
}

func TestFreezeCapsComparisons(t *testing.T) {
	cfg := defaultConfig()
	cfg.FreezeMaxComparisons = 3
	current := solidGray(16, 16, 128)
	var history []*image.Gray
	for i := 0; i < 10; i++ {
		history = append(history, solidGray(16, 16, 128))
	}
	_, diffs := Freeze(current, history, cfg)
	assert.LessOrEqual(t, len(diffs), 3)
}
