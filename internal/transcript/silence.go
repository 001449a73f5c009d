package transcript

import (
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// SilenceThresholdDB is the mean-volume cutoff below which an MP3 chunk is
// treated as silent and skipped (spec.md §4.6.2, same -50dB threshold the
// per-frame detector uses).
const SilenceThresholdDB = -50.0

// CheckHasAudio runs `ffmpeg -t sampleDuration -af volumedetect` over the
// first sampleDuration of path and reports whether its mean volume clears
// SilenceThresholdDB. Grounded on the same ffmpeg-subprocess idiom the
// teacher uses for its own audio pipeline: bounded context, captured
// stderr (volumedetect writes its stats there), no persistent process.
func CheckHasAudio(ctx context.Context, path string, sampleDuration time.Duration) (bool, float64, error) {
	cmd := exec.CommandContext(ctx, "ffmpeg",
		"-hide_banner", "-loglevel", "info",
		"-i", path,
		"-t", strconv.FormatFloat(sampleDuration.Seconds(), 'f', 1, 64),
		"-af", "volumedetect",
		"-f", "null", "-",
	)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return false, 0, errors.Newf("ffmpeg volumedetect failed for %s: %w", path, err).
			Component("transcript").Category(errors.CategoryTranscript).Build()
	}

	meanVolume := parseMeanVolume(stderr.String())
	return meanVolume > SilenceThresholdDB, meanVolume, nil
}

func parseMeanVolume(output string) float64 {
	meanVolume := -100.0
	for _, line := range strings.Split(output, "\n") {
		idx := strings.Index(line, "mean_volume:")
		if idx < 0 {
			continue
		}
		rest := line[idx+len("mean_volume:"):]
		rest = strings.Split(rest, "dB")[0]
		if v, err := strconv.ParseFloat(strings.TrimSpace(rest), 64); err == nil {
			return v
		}
	}
	return meanVolume
}
