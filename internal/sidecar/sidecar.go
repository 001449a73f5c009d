// Package sidecar implements the per-frame JSON sidecar described in
// spec.md §3: written once by the frame monitor when a frame is analyzed,
// then merged in-place by disjoint-key writers (audio worker, action-ping
// writer, zapping detector) under an advisory `<path>.lock` file.
//
// Every writer owns a distinct key subset. Each writer merges through a
// patch function over the shared typed Frame (which keeps to its own
// fields by convention), and Frame round-trips unknown keys through
// json.RawMessage so keys this version does not know are never dropped.
package sidecar

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/gofrs/flock"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// Zap carries the zapping-detector truth written into the sidecar under
// the "zap" key (spec.md §3, §4.7 step 3).
type Zap struct {
	ID                    string  `json:"id"`
	Detected              bool    `json:"detected"`
	DetectedAt            string  `json:"detected_at"`
	ChannelName           string  `json:"channel_name,omitempty"`
	ChannelNumber         string  `json:"channel_number,omitempty"`
	ProgramName           string  `json:"program_name,omitempty"`
	ProgramStartTime      string  `json:"program_start_time,omitempty"`
	ProgramEndTime        string  `json:"program_end_time,omitempty"`
	Confidence            float64 `json:"confidence"`
	BlackscreenDurationMs int64   `json:"blackscreen_duration_ms"`
	DetectionType         string  `json:"detection_type"` // automatic | manual
	AudioSilenceDuration  int64   `json:"audio_silence_duration_ms,omitempty"`
}

// Frame is the canonical sidecar document. Fields are grouped by owner per
// the spec's ownership table; JSON tags match spec.md §3 exactly.
type Frame struct {
	Analyzed bool `json:"analyzed"`
	Error    string `json:"error,omitempty"`

	// Owned by the frame monitor / detector (§4.3.1).
	Blackscreen           bool     `json:"blackscreen"`
	BlackscreenPercentage float64  `json:"blackscreen_percentage"`
	Freeze                bool     `json:"freeze"`
	FreezeDiffs           []float64 `json:"freeze_diffs,omitempty"`
	Macroblocks           *bool    `json:"macroblocks,omitempty"`
	QualityScore          *float64 `json:"quality_score,omitempty"`
	Timestamp             string   `json:"timestamp"`

	// Owned by the audio worker (§4.3, §4.6.4).
	Audio              *bool    `json:"audio,omitempty"`
	MeanVolumeDB       *float64 `json:"mean_volume_db,omitempty"`
	AudioCheckTimestamp string  `json:"audio_check_timestamp,omitempty"`
	AudioSegmentFile    string  `json:"audio_segment_file,omitempty"`

	// Owned by the action-ping writer (§4.5b).
	LastActionExecuted   string `json:"last_action_executed,omitempty"`
	LastActionTimestamp  string `json:"last_action_timestamp,omitempty"`
	ActionParams         map[string]any `json:"action_params,omitempty"`
	ActionToFrameDelayMs *int64 `json:"action_to_frame_delay_ms,omitempty"`

	// Owned by the zapping detector (§4.7).
	Zap *Zap `json:"zap,omitempty"`

	// Unknown/forward-compatible keys round-trip untouched.
	extra map[string]json.RawMessage `json:"-"`
}

// MarshalJSON merges the typed fields with any untouched extra keys.
func (f *Frame) MarshalJSON() ([]byte, error) {
	type alias Frame
	base, err := json.Marshal((*alias)(f))
	if err != nil {
		return nil, err
	}
	if len(f.extra) == 0 {
		return base, nil
	}
	var merged map[string]json.RawMessage
	if err := json.Unmarshal(base, &merged); err != nil {
		return nil, err
	}
	for k, v := range f.extra {
		if _, exists := merged[k]; !exists {
			merged[k] = v
		}
	}
	return json.Marshal(merged)
}

// UnmarshalJSON keeps unknown keys in `extra` so a later re-marshal does
// not drop fields this version of Frame doesn't know about.
func (f *Frame) UnmarshalJSON(data []byte) error {
	type alias Frame
	if err := json.Unmarshal(data, (*alias)(f)); err != nil {
		return err
	}
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	known := map[string]bool{
		"analyzed": true, "error": true, "blackscreen": true, "blackscreen_percentage": true,
		"freeze": true, "freeze_diffs": true, "macroblocks": true, "quality_score": true,
		"timestamp": true, "audio": true, "mean_volume_db": true, "audio_check_timestamp": true,
		"audio_segment_file": true, "last_action_executed": true, "last_action_timestamp": true,
		"action_params": true, "action_to_frame_delay_ms": true, "zap": true,
	}
	f.extra = map[string]json.RawMessage{}
	for k, v := range raw {
		if !known[k] {
			f.extra[k] = v
		}
	}
	return nil
}

const lockTimeout = 5 * time.Second

// WriteNew writes a brand-new sidecar atomically via tmp+rename. It errors
// if the sidecar already exists — callers that want idempotent analysis
// must check Exists first (spec.md §4.3: "if a sibling .json already
// exists, skip").
func WriteNew(path string, f *Frame) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("sidecar already exists: %s", path).
			Component("sidecar").Category(errors.CategoryConflict).Build()
	}
	return atomicWrite(path, f)
}

// Exists reports whether a sidecar has already been written for a frame.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Read loads and parses a sidecar, returning (nil, nil) if it does not
// exist yet — callers must tolerate disappearance per spec.md §5.
func Read(path string) (*Frame, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Newf("read sidecar %s: %w", path, err).
			Component("sidecar").Category(errors.CategorySidecar).Build()
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, errors.Newf("parse sidecar %s: %w", path, err).
			Component("sidecar").Category(errors.CategorySidecar).Build()
	}
	return &f, nil
}

// Merge performs a locked read-modify-rename against an existing sidecar:
// it loads the file, applies `patch` to the in-memory struct, and writes
// it back under an exclusive flock on `<path>.lock`, deleting the lock
// file once the rename completes (spec.md §3, §5, §9).
//
// Merge is a no-op (returns nil) if the sidecar does not yet exist — the
// spec's writers (audio worker, action-ping, zapping) all target "the most
// recent sidecar", so a missing target means the caller picked the wrong
// frame, not an error worth surfacing up the call stack as fatal.
func Merge(path string, patch func(*Frame)) error {
	lockPath := path + ".lock"
	fl := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 50*time.Millisecond)
	if err != nil {
		return errors.Newf("lock sidecar %s: %w", path, err).
			Component("sidecar").Category(errors.CategorySidecar).Build()
	}
	if !locked {
		return errors.Newf("timed out locking sidecar %s", path).
			Component("sidecar").Category(errors.CategorySidecar).Build()
	}
	defer func() {
		_ = fl.Unlock()
		_ = os.Remove(lockPath)
	}()

	f, err := Read(path)
	if err != nil {
		return err
	}
	if f == nil {
		return nil
	}
	patch(f)
	return atomicWrite(path, f)
}

func atomicWrite(path string, f *Frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return errors.Newf("marshal sidecar: %w", err).
			Component("sidecar").Category(errors.CategorySidecar).Build()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Newf("write sidecar tmp %s: %w", tmp, err).
			Component("sidecar").Category(errors.CategorySidecar).Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return errors.Newf("rename sidecar tmp %s: %w", tmp, err).
			Component("sidecar").Category(errors.CategorySidecar).Build()
	}
	return nil
}
