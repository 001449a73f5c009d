package archiver

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/layout"
)

// writeManifests regenerates archive.m3u8 for every hour folder under the
// segments class that currently holds any segment_*.ts file (spec.md
// §4.2 step 2).
func writeManifests(resolver *layout.Resolver, targetDuration int) (int, error) {
	segmentsRoot := resolver.ActivePath(layout.ClassSegments)
	entries, err := os.ReadDir(segmentsRoot)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, errors.Newf("read segments root %s: %w", segmentsRoot, err).
			Component("archiver").Category(errors.CategoryArchive).Build()
	}

	written := 0
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		hourDir := filepath.Join(segmentsRoot, e.Name())
		ok, err := writeManifestForHour(hourDir, targetDuration)
		if err != nil {
			return written, err
		}
		if ok {
			written++
		}
	}
	return written, nil
}

// writeManifestForHour writes hourDir/archive.m3u8 from the segment_*.ts
// files it contains, ordered by their numeric index. Returns false if the
// hour directory has no segments (manifest left untouched).
func writeManifestForHour(hourDir string, targetDuration int) (bool, error) {
	entries, err := os.ReadDir(hourDir)
	if err != nil {
		return false, errors.Newf("read hour dir %s: %w", hourDir, err).
			Component("archiver").Category(errors.CategoryArchive).Build()
	}

	type segment struct {
		name string
		n    int
	}
	var segments []segment
	for _, e := range entries {
		if e.IsDir() || !strings.HasPrefix(e.Name(), "segment_") || !strings.HasSuffix(e.Name(), ".ts") {
			continue
		}
		n, ok := segmentIndex(e.Name())
		if !ok {
			continue
		}
		segments = append(segments, segment{name: e.Name(), n: n})
	}
	if len(segments) == 0 {
		return false, nil
	}

	sort.Slice(segments, func(i, j int) bool { return segments[i].n < segments[j].n })

	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	b.WriteString("#EXT-X-VERSION:3\n")
	b.WriteString("#EXT-X-TARGETDURATION:" + strconv.Itoa(targetDuration) + "\n")
	b.WriteString("#EXT-X-MEDIA-SEQUENCE:" + strconv.Itoa(segments[0].n) + "\n")
	for _, s := range segments {
		b.WriteString("#EXTINF:1.000000,\n")
		b.WriteString(s.name + "\n")
	}
	b.WriteString("#EXT-X-ENDLIST\n")

	manifestPath := filepath.Join(hourDir, "archive.m3u8")
	tmpPath := manifestPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(b.String()), 0o644); err != nil {
		return false, errors.Newf("write manifest tmp %s: %w", tmpPath, err).
			Component("archiver").Category(errors.CategoryArchive).Build()
	}
	if err := os.Rename(tmpPath, manifestPath); err != nil {
		return false, errors.Newf("rename manifest %s: %w", tmpPath, err).
			Component("archiver").Category(errors.CategoryArchive).Build()
	}
	return true, nil
}
