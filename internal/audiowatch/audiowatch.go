// Package audiowatch is the 5-second-per-device audio detector worker
// (spec.md §4.6.4): it samples the newest segment file, writes the result
// into the most recent fresh sidecar, stamps it into the frame monitor's
// cache, and drives the audio_loss incident kind on its own cadence,
// independent of frame processing.
//
// Grounded on internal/transcript's ffmpeg volumedetect subprocess idiom
// (silence.go) for the sample itself, and on internal/actionping's
// atomic-sentinel/nearest-sidecar idiom generalized from "closest of 5,
// within 1500ms of a completion timestamp" to "most recent, within 2s of
// now, with a brief retry" (spec.md §4.6.4's own wording).
package audiowatch

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/capturehost/hostpipeline/internal/framewatch"
	"github.com/capturehost/hostpipeline/internal/incident"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/sidecar"
	"github.com/capturehost/hostpipeline/internal/transcript"
)

const (
	pollInterval   = 5 * time.Second
	sampleDuration = 500 * time.Millisecond
	freshWindow    = 2 * time.Second
	retryDelay     = 150 * time.Millisecond
	retryAttempts  = 3
)

// Device is one monitored capture source. Host devices are never
// scheduled (spec.md §4.4: "host devices have no audio_loss tracking").
type Device struct {
	ID          string
	Name        string
	CaptureRoot string
	RAMMode     bool
}

// Uploader is the narrow object-store surface used for audio_loss
// evidence capture, mirroring framewatch.Uploader.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignGET(ctx context.Context, key string) (string, error)
}

type deviceState struct {
	evidenceUploaded bool
}

// Worker runs the per-device audio sampling loop and feeds its results
// into both the frame monitor's audio cache and the incident manager.
type Worker struct {
	devices   []Device
	resolvers map[string]*layout.Resolver
	states    map[string]*deviceState

	incidents *incident.Manager
	monitor   *framewatch.Monitor
	uploader  Uploader

	logger *slog.Logger
}

// New builds a Worker for the given devices.
func New(devices []Device, incidents *incident.Manager, monitor *framewatch.Monitor, uploader Uploader) *Worker {
	w := &Worker{
		devices:   devices,
		resolvers: map[string]*layout.Resolver{},
		states:    map[string]*deviceState{},
		incidents: incidents,
		monitor:   monitor,
		uploader:  uploader,
		logger:    logging.ForService("audiowatch"),
	}
	for _, d := range devices {
		w.resolvers[d.ID] = layout.New(d.CaptureRoot, d.RAMMode)
		w.states[d.ID] = &deviceState{}
	}
	return w
}

// Run drives one sampling pass per device every pollInterval until ctx is
// cancelled.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, d := range w.devices {
				w.sampleDevice(ctx, d)
			}
		}
	}
}

func (w *Worker) sampleDevice(ctx context.Context, d Device) {
	resolver := w.resolvers[d.ID]
	segmentPath, err := newestSegment(resolver.ActivePath(layout.ClassSegments))
	if err != nil {
		w.logger.Warn("list segments failed", "device", d.ID, "error", err)
		return
	}
	if segmentPath == "" {
		return
	}

	hasAudio, meanVolume, err := transcript.CheckHasAudio(ctx, segmentPath, sampleDuration)
	if err != nil {
		w.logger.Warn("volumedetect failed", "device", d.ID, "segment", segmentPath, "error", err)
		return
	}

	now := time.Now()
	checkTimestamp := now.UTC().Format(time.RFC3339Nano)

	if err := w.writeFreshSidecar(resolver, hasAudio, meanVolume, checkTimestamp, segmentPath); err != nil {
		w.logger.Warn("audio sidecar merge failed", "device", d.ID, "error", err)
	}

	w.monitor.StampAudio(d.ID, framewatch.AudioSample{
		Present:        hasAudio,
		MeanVolumeDB:   &meanVolume,
		CheckTimestamp: checkTimestamp,
		SegmentFile:    filepath.Base(segmentPath),
	})

	devCtx := incident.DeviceContext{
		HostName:    d.Name,
		DeviceID:    d.ID,
		DeviceName:  d.Name,
		CapturePath: d.CaptureRoot,
	}
	w.incidents.ProcessAudioDetection(devCtx, hasAudio, &meanVolume, now)

	if !hasAudio {
		w.maybeUploadEvidence(ctx, d, resolver)
	} else {
		w.states[d.ID].evidenceUploaded = false
	}
}

// writeFreshSidecar retries briefly, per spec.md §4.6.4, since the frame
// monitor may be mid-write to the same sidecar it is about to pick as
// "most recent".
func (w *Worker) writeFreshSidecar(resolver *layout.Resolver, hasAudio bool, meanVolume float64, checkTimestamp, segmentPath string) error {
	var lastErr error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		sidecarPath, err := mostRecentFreshSidecar(resolver)
		if err != nil {
			return err
		}
		if sidecarPath == "" {
			return nil
		}
		segmentFile := filepath.Base(segmentPath)
		lastErr = sidecar.Merge(sidecarPath, func(f *sidecar.Frame) {
			f.Audio = &hasAudio
			f.MeanVolumeDB = &meanVolume
			f.AudioCheckTimestamp = checkTimestamp
			f.AudioSegmentFile = segmentFile
		})
		if lastErr == nil {
			return nil
		}
		time.Sleep(retryDelay)
	}
	return lastErr
}

// mostRecentFreshSidecar returns the newest capture sidecar whose capture
// frame was written within freshWindow of now, or "" if none qualifies.
func mostRecentFreshSidecar(resolver *layout.Resolver) (string, error) {
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	entries, err := os.ReadDir(capturesDir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audiowatch: read captures dir: %w", err)
	}

	var newestPath string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newestPath = filepath.Join(capturesDir, e.Name())
		}
	}
	if newestPath == "" || time.Since(newestMod) > freshWindow {
		return "", nil
	}
	return layout.SidecarPathFromCapture(newestPath), nil
}

// newestSegment returns the most recently modified segment_*.ts/.mp4 file
// in dir, or "" if the directory is empty or missing.
func newestSegment(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("audiowatch: read segments dir: %w", err)
	}

	type candidate struct {
		path    string
		modTime time.Time
	}
	var candidates []candidate
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !isSegmentFile(name) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		candidates = append(candidates, candidate{path: filepath.Join(dir, name), modTime: info.ModTime()})
	}
	if len(candidates) == 0 {
		return "", nil
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].modTime.After(candidates[j].modTime) })
	return candidates[0].path, nil
}

func isSegmentFile(name string) bool {
	if filepath.Ext(name) != ".ts" && filepath.Ext(name) != ".mp4" {
		return false
	}
	matched, _ := filepath.Match("segment_?*", name)
	return matched
}

// maybeUploadEvidence uploads the newest capture frame/thumbnail as
// audio_loss evidence, the same evidence-upload-and-cache protocol the
// frame monitor applies to freeze (spec.md §4.6.4), caching so a sustained
// outage does not re-upload on every 5-second sample.
func (w *Worker) maybeUploadEvidence(ctx context.Context, d Device, resolver *layout.Resolver) {
	state := w.states[d.ID]
	if state.evidenceUploaded || w.uploader == nil {
		return
	}

	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	entries, err := os.ReadDir(capturesDir)
	if err != nil || len(entries) == 0 {
		return
	}

	var newestPath string
	var newestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(newestMod) {
			newestMod = info.ModTime()
			newestPath = filepath.Join(capturesDir, e.Name())
		}
	}
	if newestPath == "" {
		return
	}

	now := time.Now().UTC().Format("1504")
	if data, err := os.ReadFile(newestPath); err == nil {
		key := fmt.Sprintf("alerts/audio_loss/%s/%s_frame.jpg", d.ID, now)
		_ = w.uploader.Put(ctx, key, data, "image/jpeg")
	}
	thumbPath := layout.ThumbnailPathFromCapture(newestPath)
	if data, err := os.ReadFile(thumbPath); err == nil {
		key := fmt.Sprintf("alerts/audio_loss/%s/%s_thumb.jpg", d.ID, now)
		_ = w.uploader.Put(ctx, key, data, "image/jpeg")
	}

	state.evidenceUploaded = true
}
