// Package actionping writes the remote-control action executor's signal
// into the capture pipeline: an atomic last_action.json sentinel plus a
// best-effort merge into the nearest frame sidecar, which is the sole
// mechanism the zapping detector uses to label a zap automatic versus
// manual (spec.md §4.3, §4.5b). Grounded on the teacher's atomic-write
// idiom in internal/diskmanager/file_utils.go (write-tmp-then-rename) and
// internal/sidecar's locked-merge helper.
package actionping

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/sidecar"
)

// maxSidecarAgeFromCompletion is the spec.md §4.5b window: a sidecar
// farther than this from the action's completion timestamp is not a
// plausible match and is left untouched.
const maxSidecarAgeFromCompletion = 1500 * time.Millisecond

// LastAction is the atomically-written metadata/last_action.json sentinel.
type LastAction struct {
	Command   string         `json:"command"`
	Timestamp time.Time      `json:"timestamp"`
	Params    map[string]any `json:"params,omitempty"`
	WrittenAt time.Time      `json:"written_at"`
}

// WriteActionToFrameJSON performs the two-part write spec.md §4.5b
// describes: the durable last_action.json sentinel, then a best-effort
// merge into whichever of the five most recent sidecars best matches
// completionTS.
func WriteActionToFrameJSON(resolver *layout.Resolver, command string, params map[string]any, completionTS time.Time) error {
	if err := writeLastActionSentinel(resolver, command, params, completionTS); err != nil {
		return err
	}
	return mergeIntoNearestSidecar(resolver, command, params, completionTS)
}

func writeLastActionSentinel(resolver *layout.Resolver, command string, params map[string]any, completionTS time.Time) error {
	last := LastAction{
		Command:   command,
		Timestamp: completionTS,
		Params:    params,
		WrittenAt: time.Now().UTC(),
	}
	data, err := json.Marshal(last)
	if err != nil {
		return errors.Newf("marshal last_action: %w", err).
			Component("actionping").Category(errors.CategorySerialization).Build()
	}

	path := filepath.Join(resolver.ActivePath(layout.ClassMetadata), "last_action.json")
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return errors.Newf("create metadata dir: %w", err).
			Component("actionping").Category(errors.CategoryFileIO).Build()
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Newf("write last_action tmp: %w", err).
			Component("actionping").Category(errors.CategoryFileIO).Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Newf("rename last_action: %w", err).
			Component("actionping").Category(errors.CategoryFileIO).Build()
	}
	return nil
}

// ReadLastAction loads the metadata/last_action.json sentinel, returning
// (nil, nil) if no action has ever been recorded for this device — the
// zapping hook treats that the same as "manual".
func ReadLastAction(resolver *layout.Resolver) (*LastAction, error) {
	path := filepath.Join(resolver.ActivePath(layout.ClassMetadata), "last_action.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Newf("read last_action: %w", err).
			Component("actionping").Category(errors.CategoryFileIO).Build()
	}
	var last LastAction
	if err := json.Unmarshal(data, &last); err != nil {
		return nil, errors.Newf("parse last_action: %w", err).
			Component("actionping").Category(errors.CategorySerialization).Build()
	}
	return &last, nil
}

// mergeIntoNearestSidecar finds the most recent 5 capture sidecars by
// mtime and merges action fields into whichever sits within 1500ms of
// completionTS and closest to it. If none qualify, this is a silent
// no-op: the zap simply cannot be labeled automatic for this action.
func mergeIntoNearestSidecar(resolver *layout.Resolver, command string, params map[string]any, completionTS time.Time) error {
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	entries, err := os.ReadDir(capturesDir)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Newf("read captures dir: %w", err).
			Component("actionping").Category(errors.CategoryFileIO).Build()
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var captures []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		isFrame, _ := filepath.Match("capture_*.jpg", e.Name())
		isThumb, _ := filepath.Match("capture_*_thumbnail.jpg", e.Name())
		if !isFrame || isThumb {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		captures = append(captures, candidate{path: filepath.Join(capturesDir, e.Name()), modTime: info.ModTime()})
	}
	if len(captures) == 0 {
		return nil
	}

	sort.Slice(captures, func(i, j int) bool { return captures[i].modTime.After(captures[j].modTime) })
	if len(captures) > 5 {
		captures = captures[:5]
	}

	var best *candidate
	var bestDelta time.Duration
	for i := range captures {
		delta := captures[i].modTime.Sub(completionTS)
		if delta < 0 {
			delta = -delta
		}
		if delta > maxSidecarAgeFromCompletion {
			continue
		}
		if best == nil || delta < bestDelta {
			best = &captures[i]
			bestDelta = delta
		}
	}
	if best == nil {
		return nil
	}

	sidecarPath := layout.SidecarPathFromCapture(best.path)
	delayMs := bestDelta.Milliseconds()
	return sidecar.Merge(sidecarPath, func(f *sidecar.Frame) {
		f.LastActionExecuted = command
		f.LastActionTimestamp = completionTS.UTC().Format(time.RFC3339Nano)
		f.ActionParams = params
		f.ActionToFrameDelayMs = &delayMs
	})
}
