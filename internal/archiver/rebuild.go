package archiver

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
)

// RebuildManifests regenerates every hour's archive.m3u8 from the segment
// files actually present on disk, for every hour 0..23, across every given
// capture directory. It supplements the cycle's incremental manifest
// writes for recovery when a manifest file is lost or truncated — the Go
// equivalent of the operator's standalone rebuild_manifests.py tool.
func RebuildManifests(captureDirs []string, targetDuration int) (int, error) {
	logger := logging.ForService("archiver")
	total := 0
	var firstErr error

	for _, dir := range captureDirs {
		resolver := layout.New(dir, true)
		segmentsRoot := resolver.ActivePath(layout.ClassSegments)

		for hour := 0; hour < 24; hour++ {
			hourDir := filepath.Join(segmentsRoot, strconv.Itoa(hour))
			if _, err := os.Stat(hourDir); os.IsNotExist(err) {
				continue
			}
			ok, err := writeManifestForHour(hourDir, targetDuration)
			if err != nil {
				logger.Error("rebuild manifest failed", "dir", hourDir, "error", err)
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			if ok {
				total++
				logger.Info("rebuilt manifest", "dir", hourDir)
			}
		}
	}

	if firstErr != nil {
		return total, errors.Newf("rebuild manifests: %w", firstErr).
			Component("archiver").Category(errors.CategoryArchive).Build()
	}
	return total, nil
}
