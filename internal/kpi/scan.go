package kpi

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/layout"
)

// frameCandidate is one snapshotted frame: its original location plus its
// copy inside the per-request working directory.
type frameCandidate struct {
	path        string // original capture path
	thumbPath   string // original thumbnail path, may not exist
	workingPath string // copy inside the working dir
	modTime     time.Time
}

// scanWindow implements spec.md §4.5 step 2's three cases.
func scanWindow(req Request) (start, end time.Time) {
	timeout := MaxVerifyTimeout

	if req.VerificationTimestamp != nil {
		end = *req.VerificationTimestamp
		start = req.ActionTimestamp
		if candidate := end.Add(-timeout); candidate.After(start) {
			start = candidate
		}
		return start, end
	}

	if req.LastActionWaitMs != nil && *req.LastActionWaitMs > 60_000 {
		waitEnd := req.ActionTimestamp.Add(time.Duration(*req.LastActionWaitMs) * time.Millisecond)
		return waitEnd.Add(-20 * time.Second), waitEnd
	}

	return req.ActionTimestamp, req.ActionTimestamp.Add(timeout)
}

// snapshot copies every frame (plus thumbnail) in [start,end] — and the one
// frame immediately preceding the window, for "before" evidence — into
// workDir, returning the candidates sorted oldest-first (spec.md §4.5
// step 3).
func snapshot(resolver *layout.Resolver, workDir string, start, end time.Time) ([]frameCandidate, error) {
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	all, err := listCaptureFrames(capturesDir)
	if err != nil {
		return nil, err
	}
	if len(all) == 0 {
		return nil, nil
	}

	if err := os.MkdirAll(workDir, 0o777); err != nil {
		return nil, errors.Newf("create kpi working dir: %w", err).
			Component("kpi").Category(errors.CategoryFileIO).Build()
	}

	var windowed []frameCandidate
	precedingIdx := -1
	for i, f := range all {
		switch {
		case f.modTime.Before(start):
			precedingIdx = i
		case !f.modTime.After(end):
			windowed = append(windowed, f)
		}
	}
	if precedingIdx >= 0 {
		windowed = append([]frameCandidate{all[precedingIdx]}, windowed...)
	}

	for i := range windowed {
		if err := copyIntoWorkDir(workDir, &windowed[i]); err != nil {
			return nil, err
		}
	}
	return windowed, nil
}

func copyIntoWorkDir(workDir string, f *frameCandidate) error {
	dst := filepath.Join(workDir, filepath.Base(f.path))
	if err := layout.CopyToColdStorage(f.path, dst); err != nil {
		return errors.Newf("snapshot frame %s: %w", f.path, err).
			Component("kpi").Category(errors.CategoryKPI).Build()
	}
	f.workingPath = dst

	if f.thumbPath == "" {
		return nil
	}
	thumbDst := filepath.Join(workDir, filepath.Base(f.thumbPath))
	if err := layout.CopyToColdStorage(f.thumbPath, thumbDst); err == nil {
		f.thumbPath = thumbDst
	}
	return nil
}

// listCaptureFrames lists capture_<SEQ>.jpg files (excluding .tmp and
// _thumbnail variants) sorted oldest-mtime-first, with each one's
// thumbnail path resolved if present.
func listCaptureFrames(dir string) ([]frameCandidate, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Newf("read captures dir %s: %w", dir, err).
			Component("kpi").Category(errors.CategoryFileIO).Build()
	}

	var frames []frameCandidate
	for _, e := range entries {
		if e.IsDir() || !isPlainCaptureName(e.Name()) {
			continue
		}
		path := filepath.Join(dir, e.Name())
		info, err := e.Info()
		if err != nil {
			continue
		}
		thumb := layout.ThumbnailPathFromCapture(path)
		if _, err := os.Stat(thumb); err != nil {
			thumb = ""
		}
		frames = append(frames, frameCandidate{path: path, thumbPath: thumb, modTime: info.ModTime()})
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i].modTime.Before(frames[j].modTime) })
	return frames, nil
}

func isPlainCaptureName(name string) bool {
	if !strings.HasPrefix(name, "capture_") {
		return false
	}
	if strings.HasSuffix(name, ".tmp") || strings.Contains(name, "_thumbnail") {
		return false
	}
	if filepath.Ext(name) != ".jpg" {
		return false
	}
	seq := strings.TrimSuffix(strings.TrimPrefix(name, "capture_"), ".jpg")
	_, err := strconv.Atoi(seq)
	return err == nil
}
