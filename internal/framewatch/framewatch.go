// Package framewatch is the frame monitor of spec.md §4.3: an fsnotify
// event loop per device captures directory that runs the detector, feeds
// its result through the incident manager, and writes the per-frame
// sidecar. It deliberately skips a startup scan — only frames that arrive
// after the watch is attached are processed.
//
// Grounded on the teacher's internal/analysis/control_monitor.go
// (goroutine-per-watcher + sync.WaitGroup + quit channel, since the
// teacher never itself watches a directory with fsnotify) and generalized
// from "watch the sound-level control directory" to "watch N device
// capture directories".
package framewatch

import (
	"context"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/capturehost/hostpipeline/internal/actionping"
	"github.com/capturehost/hostpipeline/internal/detect"
	"github.com/capturehost/hostpipeline/internal/incident"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/sidecar"
	"github.com/capturehost/hostpipeline/internal/zapping"
)

// freezeHistoryDepth mirrors spec.md §4.3.1's "typically 3" previous
// frames kept for freeze comparison.
const freezeHistoryDepth = 3

// evidenceRecencyDepth is how many recent filenames/thumbnails the
// freeze-evidence upload carries, per spec.md §4.3's last_3_filenames.
const evidenceRecencyDepth = 3

// actionAutomaticWindow is how far apart last_action.json's written_at and
// the analyzed frame's mtime may be for a zap to be labeled automatic.
const actionAutomaticWindow = 10 * time.Second

// Uploader is the narrow object-store surface the monitor needs for
// freeze-evidence capture.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignGET(ctx context.Context, key string) (string, error)
}

// Device describes one monitored capture source.
type Device struct {
	ID           string
	Name         string
	Model        string // used to pick the blackscreen threshold (desktop vs mobile)
	CaptureRoot  string
	RAMMode      bool
	IsHostDevice bool
	StreamPath   string
}

// AudioSample is what the sibling audio worker (§4.6.4) publishes into the
// monitor's cache for one device.
type AudioSample struct {
	Present        bool
	MeanVolumeDB   *float64
	CheckTimestamp string
	SegmentFile    string
}

type frameRef struct {
	path      string
	thumbPath string
}

type deviceRuntime struct {
	mu sync.Mutex

	history []*image.Gray

	wasBlackscreen   bool
	lastPreBlackFrame string

	freezeEvidenceUploaded bool
	freezeFrameURL         string
	freezeThumbnailURL     string

	audio AudioSample

	recent []frameRef // ring of the most recent processed frames, newest last
}

func newDeviceRuntime() *deviceRuntime {
	return &deviceRuntime{}
}

func (r *deviceRuntime) pushRecent(ref frameRef) {
	r.recent = append(r.recent, ref)
	if len(r.recent) > evidenceRecencyDepth {
		r.recent = r.recent[len(r.recent)-evidenceRecencyDepth:]
	}
}

// Monitor is the frame-event loop for every configured device.
type Monitor struct {
	devices    map[string]*Device
	runtimes   map[string]*deviceRuntime
	resolvers  map[string]*layout.Resolver
	detectCfgs map[string]detect.Config

	incidents *incident.Manager
	zapSvc    *zapping.Service
	uploader  Uploader

	watcher *fsnotify.Watcher
	logger  interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// New builds a Monitor for the given devices. detectCfgFor lets the caller
// supply per-device detector thresholds (desktop vs mobile blackscreen
// percentage, in particular).
func New(devices []Device, detectCfgFor func(Device) detect.Config, incidents *incident.Manager, zapSvc *zapping.Service, uploader Uploader) (*Monitor, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("framewatch: create watcher: %w", err)
	}

	m := &Monitor{
		devices:    map[string]*Device{},
		runtimes:   map[string]*deviceRuntime{},
		resolvers:  map[string]*layout.Resolver{},
		detectCfgs: map[string]detect.Config{},
		incidents:  incidents,
		zapSvc:     zapSvc,
		uploader:   uploader,
		watcher:    watcher,
		logger:     logging.ForService("framewatch"),
	}

	for i := range devices {
		d := devices[i]
		m.devices[d.ID] = &d
		m.runtimes[d.ID] = newDeviceRuntime()
		m.resolvers[d.ID] = layout.New(d.CaptureRoot, d.RAMMode)
		m.detectCfgs[d.ID] = detectCfgFor(d)
	}
	return m, nil
}

// StampAudio is called by the audio worker (§4.6.4) whenever it refreshes
// the most-recent-fresh sidecar for deviceID; the monitor caches the value
// and stamps it into every subsequent frame's sidecar until replaced.
func (m *Monitor) StampAudio(deviceID string, sample AudioSample) {
	rt, ok := m.runtimes[deviceID]
	if !ok {
		return
	}
	rt.mu.Lock()
	rt.audio = sample
	rt.mu.Unlock()
}

// Run attaches a watch to every device's captures directory and processes
// IN_MOVED_TO events until ctx is cancelled. It never scans existing
// files on startup, per spec.md §4.3.
func (m *Monitor) Run(ctx context.Context) error {
	for id, d := range m.devices {
		dir := m.resolvers[id].ActivePath(layout.ClassCaptures)
		if err := os.MkdirAll(dir, 0o777); err != nil {
			return fmt.Errorf("framewatch: create captures dir for %s: %w", id, err)
		}
		if err := m.watcher.Add(dir); err != nil {
			return fmt.Errorf("framewatch: watch %s: %w", d.ID, err)
		}
	}

	m.cleanupOrphans()

	defer m.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-m.watcher.Events:
			if !ok {
				return nil
			}
			m.handleEvent(ev)
		case err, ok := <-m.watcher.Errors:
			if !ok {
				return nil
			}
			m.logger.Warn("watcher error", "error", err)
		}
	}
}

func (m *Monitor) cleanupOrphans() {
	monitored := map[string]bool{}
	for id := range m.devices {
		monitored[id] = true
	}
	m.incidents.CleanupOrphaned(monitored)
}

func (m *Monitor) deviceForPath(path string) (*Device, bool) {
	dir := filepath.Dir(path)
	for id, d := range m.devices {
		if m.resolvers[id].ActivePath(layout.ClassCaptures) == dir {
			return d, true
		}
	}
	return nil, false
}

func (m *Monitor) handleEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Rename != 0 && ev.Op&fsnotify.Create == 0 {
		// fsnotify reports IN_MOVED_TO as Create on the destination watch;
		// a bare Rename here is the source side of some other rename and
		// carries no new frame.
		return
	}
	if ev.Op&fsnotify.Create == 0 {
		return
	}

	name := filepath.Base(ev.Name)
	if !isCaptureFrame(name) {
		return
	}

	device, ok := m.deviceForPath(ev.Name)
	if !ok {
		return
	}

	m.processFrame(device, ev.Name)
}

// isCaptureFrame matches capture_<SEQ>.jpg, excluding .tmp and
// _thumbnail variants (spec.md §4.3).
func isCaptureFrame(name string) bool {
	if !strings.HasPrefix(name, "capture_") {
		return false
	}
	if strings.HasSuffix(name, ".tmp") {
		return false
	}
	if strings.Contains(name, "_thumbnail") {
		return false
	}
	if filepath.Ext(name) != ".jpg" {
		return false
	}
	seq := strings.TrimSuffix(strings.TrimPrefix(name, "capture_"), ".jpg")
	_, err := strconv.Atoi(seq)
	return err == nil
}

func (m *Monitor) processFrame(device *Device, framePath string) {
	sidecarPath := layout.SidecarPathFromCapture(framePath)
	if sidecar.Exists(sidecarPath) {
		return
	}

	rt := m.runtimes[device.ID]
	cfg := m.detectCfgs[device.ID]

	rt.mu.Lock()
	history := append([]*image.Gray(nil), rt.history...)
	rt.mu.Unlock()

	result, gray, err := m.detect(framePath, history, cfg)
	if err != nil {
		m.writeErrorSidecar(sidecarPath, err)
		return
	}

	rt.mu.Lock()
	rt.history = append(rt.history, gray)
	if len(rt.history) > freezeHistoryDepth {
		rt.history = rt.history[len(rt.history)-freezeHistoryDepth:]
	}
	rt.pushRecent(frameRef{path: framePath, thumbPath: layout.ThumbnailPathFromCapture(framePath)})
	rt.mu.Unlock()

	m.maybeUploadFreezeEvidence(device, rt, result)

	ctx := incident.DeviceContext{
		HostName:     device.Name,
		DeviceID:     device.ID,
		DeviceName:   device.Name,
		CapturePath:  device.CaptureRoot,
		StreamPath:   device.StreamPath,
		IsHostDevice: device.IsHostDevice,
		FrameURL:     rt.freezeFrameURL,
		ThumbnailURL: rt.freezeThumbnailURL,
	}

	rt.mu.Lock()
	audio := rt.audio
	rt.mu.Unlock()

	in := incident.DetectionInput{
		Blackscreen:           result.Blackscreen,
		BlackscreenPercentage: result.BlackscreenPercentage,
		Freeze:                result.Freeze,
		FreezeDiffs:           result.FreezeDiffs,
		AudioPresent:          audio.Present,
		MeanVolumeDB:          audio.MeanVolumeDB,
		QualityScore:          result.QualityScore,
	}

	m.incidents.ProcessDetection(ctx, in, time.Now())

	m.writeFrameSidecar(sidecarPath, result, audio)
	m.maybeHandleZapTransition(device, rt, framePath, result)
}

func (m *Monitor) detect(framePath string, history []*image.Gray, cfg detect.Config) (detect.Result, *image.Gray, error) {
	gray, _, err := detect.LoadGray(framePath)
	if err != nil {
		return detect.Result{}, nil, err
	}
	result, err := detect.DetectIssues(framePath, history, cfg, true)
	if err != nil {
		return detect.Result{}, nil, err
	}
	return result, gray, nil
}

func (m *Monitor) writeErrorSidecar(sidecarPath string, cause error) {
	if sidecar.Exists(sidecarPath) {
		return
	}
	err := sidecar.WriteNew(sidecarPath, &sidecar.Frame{Analyzed: true, Error: cause.Error()})
	if err != nil {
		m.logger.Error("failed to write error sidecar", "path", sidecarPath, "error", err)
	}
}

func (m *Monitor) writeFrameSidecar(sidecarPath string, result detect.Result, audio AudioSample) {
	f := &sidecar.Frame{
		Analyzed:              true,
		Blackscreen:           result.Blackscreen,
		BlackscreenPercentage: result.BlackscreenPercentage,
		Freeze:                result.Freeze,
		FreezeDiffs:           result.FreezeDiffs,
		Macroblocks:           result.Macroblocks,
		QualityScore:          result.QualityScore,
		Timestamp:             time.Now().UTC().Format(time.RFC3339Nano),
	}
	if audio.CheckTimestamp != "" {
		f.Audio = &audio.Present
		f.MeanVolumeDB = audio.MeanVolumeDB
		f.AudioCheckTimestamp = audio.CheckTimestamp
		f.AudioSegmentFile = audio.SegmentFile
	}
	if err := sidecar.WriteNew(sidecarPath, f); err != nil {
		m.logger.Error("failed to write sidecar", "path", sidecarPath, "error", err)
	}
}

// maybeUploadFreezeEvidence uploads the last 3 frames/thumbnails on the
// first freeze detection for this device's current episode, caching the
// result so a long freeze doesn't re-upload on every subsequent frame
// (spec.md §4.3).
func (m *Monitor) maybeUploadFreezeEvidence(device *Device, rt *deviceRuntime, result detect.Result) {
	rt.mu.Lock()
	alreadyUploaded := rt.freezeEvidenceUploaded
	recent := append([]frameRef(nil), rt.recent...)
	rt.mu.Unlock()

	if !result.Freeze {
		if alreadyUploaded {
			rt.mu.Lock()
			rt.freezeEvidenceUploaded = false
			rt.freezeFrameURL = ""
			rt.freezeThumbnailURL = ""
			rt.mu.Unlock()
		}
		return
	}
	if alreadyUploaded || m.uploader == nil {
		return
	}

	ctx := context.Background()
	now := time.Now().UTC().Format("1504")
	var frameURL, thumbURL string
	for i, ref := range recent {
		if data, err := os.ReadFile(ref.path); err == nil {
			key := fmt.Sprintf("alerts/freeze/%s/%s_frame_%d.jpg", device.ID, now, i)
			if err := m.uploader.Put(ctx, key, data, "image/jpeg"); err == nil {
				if url, err := m.uploader.PresignGET(ctx, key); err == nil {
					frameURL = url
				}
			}
		}
		if data, err := os.ReadFile(ref.thumbPath); err == nil {
			key := fmt.Sprintf("alerts/freeze/%s/%s_thumb_%d.jpg", device.ID, now, i)
			if err := m.uploader.Put(ctx, key, data, "image/jpeg"); err == nil {
				if url, err := m.uploader.PresignGET(ctx, key); err == nil {
					thumbURL = url
				}
			}
		}
	}

	rt.mu.Lock()
	rt.freezeEvidenceUploaded = true
	rt.freezeFrameURL = frameURL
	rt.freezeThumbnailURL = thumbURL
	rt.mu.Unlock()
}

// maybeHandleZapTransition invokes the zapping detector synchronously the
// moment a device goes from blackscreen to non-blackscreen (spec.md §4.3,
// §4.7), passing the last pre-blackscreen frame as "before" when one was
// captured, and consulting last_action.json to label automatic vs manual.
func (m *Monitor) maybeHandleZapTransition(device *Device, rt *deviceRuntime, framePath string, result detect.Result) {
	rt.mu.Lock()
	wasBlack := rt.wasBlackscreen
	before := rt.lastPreBlackFrame
	if !result.Blackscreen {
		rt.lastPreBlackFrame = framePath
	}
	rt.wasBlackscreen = result.Blackscreen
	rt.mu.Unlock()

	if !(wasBlack && !result.Blackscreen) || m.zapSvc == nil {
		return
	}

	resolver := m.resolvers[device.ID]
	var action *zapping.ActionInfo
	if last, err := actionping.ReadLastAction(resolver); err == nil && last != nil {
		frameTime := time.Now()
		if info, statErr := os.Stat(framePath); statErr == nil {
			frameTime = info.ModTime()
		}
		delta := frameTime.Sub(last.WrittenAt)
		if delta < 0 {
			delta = -delta
		}
		if delta <= actionAutomaticWindow {
			action = &zapping.ActionInfo{
				Command:           last.Command,
				CompletionTS:      last.Timestamp,
				TimeSinceActionMs: delta.Milliseconds(),
			}
		}
	}

	req := zapping.Request{
		HostName:      device.Name,
		DeviceID:      device.ID,
		DeviceName:    device.Name,
		DeviceModel:   device.Model,
		CaptureFolder: device.CaptureRoot,
		RAMMode:       device.RAMMode,
		FrameFilename: filepath.Base(framePath),
		Action:        action,
		Transition: zapping.TransitionImages{
			Before:         before,
			After:          framePath,
			AfterThumbnail: layout.ThumbnailPathFromCapture(framePath),
		},
	}

	if _, err := m.zapSvc.DetectAndRecord(context.Background(), req); err != nil {
		m.logger.Warn("zapping hook failed", "device", device.ID, "error", err)
	}
}
