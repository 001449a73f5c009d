// Package zapping implements the channel-change detector invoked
// synchronously by the frame monitor on a blackscreen-to-non-blackscreen
// transition (spec.md §4.7). The banner-reading step is a black-box AI
// collaborator, exactly like the teacher treats its own BirdNET model as
// an opaque Analyze() call in internal/birdnet — this package only
// orchestrates around that boundary: evidence upload, sidecar truth
// write, snapshot file, and DB record.
package zapping

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/capturehost/hostpipeline/internal/dbstore"
	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/eventbus"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/sidecar"
)

// ChannelInfo is the banner AI's reading of the on-screen channel banner.
type ChannelInfo struct {
	ChannelName   string
	ChannelNumber string
	ProgramName   string
	StartTime     string
	EndTime       string
	Confidence    float64
}

// BannerResult is what the banner-reading collaborator returns.
type BannerResult struct {
	Success        bool
	BannerDetected bool
	Channel        ChannelInfo
}

// Detector is the black-box banner-reading AI. Production wiring points
// this at whatever vision model the deployment has configured; tests
// supply a stub.
type Detector interface {
	Detect(ctx context.Context, framePath string) (BannerResult, error)
}

// Uploader is the narrow object-store surface zapping needs.
type Uploader interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	PresignGET(ctx context.Context, key string) (string, error)
}

// ActionInfo is populated by the frame monitor when metadata/last_action.json
// was written within 10s of the frame's mtime — it is what distinguishes an
// automatic zap from a manual one (spec.md §4.7, §4.5b).
type ActionInfo struct {
	Command           string
	CompletionTS      time.Time
	TimeSinceActionMs int64
}

// TransitionImages carries whichever of the four evidence frames are
// available for this zap (spec.md §4.7 step 2).
type TransitionImages struct {
	Before           string // local path, optional
	FirstBlackscreen string // local path, optional
	LastBlackscreen  string // local path, optional
	After            string // local path, required: the analyzed frame
	AfterThumbnail   string // local path, required
}

// Request is one detect_and_record_zapping call.
type Request struct {
	HostName               string
	DeviceID               string
	DeviceName              string
	DeviceModel             string
	CaptureFolder           string
	RAMMode                 bool
	FrameFilename           string
	BlackscreenDurationMs   int64
	AudioSilenceDurationMs  int64
	Action                  *ActionInfo
	Transition              TransitionImages
}

// Result is detect_and_record_zapping's return value.
type Result struct {
	Success         bool
	ZappingDetected bool
	Channel         ChannelInfo
}

// Service orchestrates one zap detection end to end.
type Service struct {
	detector Detector
	uploader Uploader
	store    dbstore.ZapStore
	bus      *eventbus.Bus
	defaultTeamID string
	logger   interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}
}

// New builds a zapping Service. store may be dbstore.NullStore{} when no
// database is configured.
func New(detector Detector, uploader Uploader, store dbstore.ZapStore, bus *eventbus.Bus, defaultTeamID string) *Service {
	if store == nil {
		store = dbstore.NullStore{}
	}
	return &Service{
		detector:      detector,
		uploader:      uploader,
		store:         store,
		bus:           bus,
		defaultTeamID: defaultTeamID,
		logger:        logging.ForService("zapping"),
	}
}

// DetectAndRecord runs the full pipeline for req.
func (s *Service) DetectAndRecord(ctx context.Context, req Request) (Result, error) {
	resolver := layout.New(req.CaptureFolder, req.RAMMode)
	framePath := filepath.Join(resolver.ActivePath(layout.ClassCaptures), req.FrameFilename)

	banner, err := s.detector.Detect(ctx, framePath)
	if err != nil {
		return Result{}, errors.Newf("banner detect: %w", err).
			Component("zapping").Category(errors.CategoryZapping).Build()
	}
	if !banner.Success || !banner.BannerDetected {
		return Result{Success: true, ZappingDetected: false}, nil
	}

	r2URLs, err := s.uploadEvidence(ctx, req)
	if err != nil {
		s.logger.Warn("evidence upload failed", "device", req.DeviceID, "error", err)
	}

	now := time.Now().UTC()
	zapID := fmt.Sprintf("zap_%s_%d", trimExt(req.FrameFilename), now.Unix())

	sidecarPath := layout.SidecarPathFromCapture(framePath)
	detectionType := "manual"
	if req.Action != nil {
		detectionType = "automatic"
	}

	err = sidecar.Merge(sidecarPath, func(f *sidecar.Frame) {
		f.Zap = &sidecar.Zap{
			ID:                    zapID,
			Detected:              true,
			DetectedAt:            now.Format(time.RFC3339Nano),
			ChannelName:           banner.Channel.ChannelName,
			ChannelNumber:         banner.Channel.ChannelNumber,
			ProgramName:           banner.Channel.ProgramName,
			ProgramStartTime:      banner.Channel.StartTime,
			ProgramEndTime:        banner.Channel.EndTime,
			Confidence:            banner.Channel.Confidence,
			BlackscreenDurationMs: req.BlackscreenDurationMs,
			DetectionType:         detectionType,
			AudioSilenceDuration:  req.AudioSilenceDurationMs,
		}
	})
	if err != nil {
		s.logger.Warn("sidecar truth write failed", "device", req.DeviceID, "error", err)
	}

	if err := s.writeSnapshot(resolver, req, banner.Channel, detectionType, r2URLs, now); err != nil {
		s.logger.Warn("last_zapping.json write failed", "device", req.DeviceID, "error", err)
	}

	if err := s.recordDB(req, banner.Channel, detectionType, now); err != nil {
		s.logger.Warn("zap_results record failed", "device", req.DeviceID, "error", err)
	}

	s.publish(req, banner.Channel)

	return Result{Success: true, ZappingDetected: true, Channel: banner.Channel}, nil
}

type r2Images struct {
	BeforeURL           string `json:"before_url,omitempty"`
	FirstBlackscreenURL string `json:"first_blackscreen_url,omitempty"`
	LastBlackscreenURL  string `json:"last_blackscreen_url,omitempty"`
	AfterURL            string `json:"after_url,omitempty"`
}

func (s *Service) uploadEvidence(ctx context.Context, req Request) (r2Images, error) {
	var images r2Images
	var firstErr error

	upload := func(localPath, key string) string {
		if localPath == "" {
			return ""
		}
		data, err := os.ReadFile(localPath)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		if err := s.uploader.Put(ctx, key, data, "image/jpeg"); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		url, err := s.uploader.PresignGET(ctx, key)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			return ""
		}
		return url
	}

	prefix := fmt.Sprintf("alerts/zapping/%s", req.DeviceID)
	images.BeforeURL = upload(req.Transition.Before, prefix+"/before.jpg")
	images.FirstBlackscreenURL = upload(req.Transition.FirstBlackscreen, prefix+"/first_blackscreen.jpg")
	images.LastBlackscreenURL = upload(req.Transition.LastBlackscreen, prefix+"/last_blackscreen.jpg")
	images.AfterURL = upload(req.Transition.After, prefix+"/after.jpg")

	return images, firstErr
}

type snapshot struct {
	Status             string      `json:"status"`
	Channel             ChannelInfo `json:"channel"`
	DetectionType       string      `json:"detection_type"`
	TimeSinceActionMs   *int64      `json:"time_since_action_ms,omitempty"`
	TotalZapDurationMs  *int64      `json:"total_zap_duration_ms"`
	AudioSilenceMs      int64       `json:"audio_silence_duration_ms"`
	Transition          TransitionImages `json:"transition_images"`
	R2Images            r2Images    `json:"r2_images"`
	WrittenAt           time.Time   `json:"written_at"`
}

func (s *Service) writeSnapshot(resolver *layout.Resolver, req Request, channel ChannelInfo, detectionType string, r2 r2Images, now time.Time) error {
	snap := snapshot{
		Status:        "completed",
		Channel:       channel,
		DetectionType: detectionType,
		AudioSilenceMs: req.AudioSilenceDurationMs,
		Transition:    req.Transition,
		R2Images:      r2,
		WrittenAt:     now,
	}
	if req.Action != nil {
		ms := req.Action.TimeSinceActionMs
		snap.TimeSinceActionMs = &ms
		total := ms + req.BlackscreenDurationMs
		snap.TotalZapDurationMs = &total
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return errors.Newf("marshal snapshot: %w", err).Component("zapping").Category(errors.CategorySerialization).Build()
	}

	path := filepath.Join(resolver.ActivePath(layout.ClassMetadata), "last_zapping.json")
	tmp := path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(path), 0o777); err != nil {
		return errors.Newf("create metadata dir: %w", err).Component("zapping").Category(errors.CategoryFileIO).Build()
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Newf("write snapshot tmp: %w", err).Component("zapping").Category(errors.CategoryFileIO).Build()
	}
	return os.Rename(tmp, path)
}

func (s *Service) recordDB(req Request, channel ChannelInfo, detectionType string, now time.Time) error {
	teamID := s.defaultTeamID
	startedAt := now
	var timeSinceMs, totalMs *int64
	if req.Action != nil {
		startedAt = req.Action.CompletionTS
		ms := req.Action.TimeSinceActionMs
		timeSinceMs = &ms
		total := ms + req.BlackscreenDurationMs
		totalMs = &total
	}

	actionCommand := ""
	if req.Action != nil {
		actionCommand = req.Action.Command
	}

	return s.store.RecordZapIteration(dbstore.ZapResult{
		TeamID:                    teamID,
		HostName:                  req.HostName,
		DeviceName:                req.DeviceName,
		UserInterfaceName:         req.DeviceModel,
		ActionCommand:             actionCommand,
		StartedAt:                 startedAt,
		CompletedAt:               now,
		DurationSeconds:           float64(req.BlackscreenDurationMs) / 1000,
		BlackscreenFreezeDetected: true,
		DetectionMethod:           detectionType,
		ChannelName:               channel.ChannelName,
		ChannelNumber:             channel.ChannelNumber,
		ProgramName:               channel.ProgramName,
		ProgramStartTime:          channel.StartTime,
		ProgramEndTime:            channel.EndTime,
		Confidence:                channel.Confidence,
		AudioSilenceDurationMs:    req.AudioSilenceDurationMs,
		TimeSinceActionMs:         timeSinceMs,
		TotalZapDurationMs:        totalMs,
	})
}

func (s *Service) publish(req Request, channel ChannelInfo) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{
		Kind:     eventbus.KindZapDetected,
		HostName: req.HostName,
		DeviceID: req.DeviceID,
		Payload: eventbus.ZapDetected{
			DeviceName:    req.DeviceName,
			ChannelName:   channel.ChannelName,
			ChannelNumber: channel.ChannelNumber,
			Confidence:    channel.Confidence,
		},
	})
}

func trimExt(name string) string {
	ext := filepath.Ext(name)
	return name[:len(name)-len(ext)]
}
