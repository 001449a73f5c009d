package transcript

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/capturehost/hostpipeline/internal/dub"
	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/logging"
	"github.com/capturehost/hostpipeline/internal/queue"
	"github.com/capturehost/hostpipeline/internal/transcribe"
	"github.com/capturehost/hostpipeline/internal/translate"
)

// InotifyQueueCapacity bounds the real-time 1-minute job queue (spec.md
// §4.6: LIFO, cap 500).
const InotifyQueueCapacity = 500

// ScanQueueCapacity bounds the 10-minute backfill queue (spec.md §4.6:
// FIFO, cap 10).
const ScanQueueCapacity = 10

// IdleHeartbeat matches spec.md §4.6's worker heartbeat cadence.
const IdleHeartbeat = 60 * time.Second

// translationMinChars is the spec.md §4.6.1 "only translate/dub if the
// transcript is long enough to be worth it" cutoff.
const translationMinChars = 20

// silenceSampleDuration is how much of a 10-minute MP3 the backfill path
// samples before giving up on it as silent (spec.md §4.6.2: 5s).
const silenceSampleDuration = 5 * time.Second

// OneMinuteJob is a real-time 1-minute MP3 ready for the low-latency path
// (spec.md §4.6.1).
type OneMinuteJob struct {
	CaptureFolder string
	DeviceRoot    string
	MP3Path       string
	Slot          int // 0..9
	Now           time.Time
}

// TenMinuteJob is a 10-minute MP3 chunk ready for the backfill path
// (spec.md §4.6.2).
type TenMinuteJob struct {
	CaptureFolder string
	DeviceRoot    string
	MP3Path       string
	Hour          int
	ChunkIndex    int
	Now           time.Time
}

// ManifestUpdater is the narrow cross-service collaborator notified after
// every successful merge (spec.md §4.6.3 step 7, "update the cross-service
// manifest"). NoOpManifestUpdater is used when nothing downstream needs it.
type ManifestUpdater interface {
	UpdateChunk(captureFolder string, hour, chunkIndex int, chunk Chunk) error
}

// NoOpManifestUpdater implements ManifestUpdater as a no-op.
type NoOpManifestUpdater struct{}

func (NoOpManifestUpdater) UpdateChunk(string, int, int, Chunk) error { return nil }

// Service is the single-worker transcript accumulator: one Whisper worker
// draining the LIFO 1-minute queue ahead of the FIFO 10-minute queue.
type Service struct {
	lifo *queue.LIFO[OneMinuteJob]
	fifo *queue.FIFO[TenMinuteJob]

	transcriber transcribe.Provider
	translator  translate.Provider
	dubber      dub.Provider
	manifest    ManifestUpdater

	logger interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
		Error(msg string, args ...any)
	}
}

// New builds a Service. A nil translator/dubber/manifest falls back to a
// no-op implementation so the pipeline still runs with transcription-only
// devices.
func New(transcriber transcribe.Provider, translator translate.Provider, dubber dub.Provider, manifest ManifestUpdater) *Service {
	if translator == nil {
		translator = translate.NoOpProvider{}
	}
	if dubber == nil {
		dubber = dub.NoOpProvider{}
	}
	if manifest == nil {
		manifest = NoOpManifestUpdater{}
	}
	return &Service{
		lifo:        queue.NewLIFO[OneMinuteJob](InotifyQueueCapacity),
		fifo:        queue.NewFIFO[TenMinuteJob](ScanQueueCapacity),
		transcriber: transcriber,
		translator:  translator,
		dubber:      dubber,
		manifest:    manifest,
		logger:      logging.ForService("transcript"),
	}
}

// EnqueueOneMinute pushes a real-time job, evicting the oldest queued job
// if the LIFO queue is full (spec.md §5: newest always wins).
func (s *Service) EnqueueOneMinute(job OneMinuteJob) {
	s.lifo.Push(job)
}

// EnqueueTenMinute pushes a backfill job, dropping it if the FIFO queue is
// already full.
func (s *Service) EnqueueTenMinute(job TenMinuteJob) bool {
	ok := s.fifo.Push(job)
	if !ok {
		s.logger.Warn("transcript backfill queue full, dropping chunk", "mp3", job.MP3Path)
	}
	return ok
}

// Run drains the LIFO queue first, falling back to one FIFO item only
// when the LIFO queue is empty, until ctx is cancelled (spec.md §4.6
// "Worker priority").
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(IdleHeartbeat)
	defer ticker.Stop()

	for {
		if job, ok := s.lifo.Pop(); ok {
			ticker.Reset(IdleHeartbeat)
			s.processOneMinute(ctx, job)
			continue
		}
		if job, ok := s.fifo.Pop(); ok {
			ticker.Reset(IdleHeartbeat)
			s.processTenMinute(ctx, job)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Info("transcript worker idle")
		case <-time.After(250 * time.Millisecond):
		}
	}
}

func (s *Service) processOneMinute(ctx context.Context, job OneMinuteJob) {
	hour, chunkIndex := layout.ChunkLocation(job.Now)

	result, err := s.transcriber.Transcribe(ctx, job.MP3Path, transcribe.Options{
		Model:            "tiny",
		SkipSilenceCheck: true,
		EnableSpellcheck: true,
	})
	if err != nil {
		s.logger.Warn("1-minute transcription failed", "mp3", job.MP3Path, "error", err)
		return
	}

	chunkPath := s.chunkPath(job.DeviceRoot, hour, chunkIndex)
	mergeResult, err := Merge(chunkPath, job.CaptureFolder, hour, chunkIndex, MergeInput{
		MinuteOffset: job.Slot,
		Segments:     toTranscriptSegments(result.Segments),
		Language:     result.Language,
		MP3File:      filepath.Base(job.MP3Path),
		Now:          job.Now,
	})
	if err != nil {
		s.logger.Warn("1-minute merge failed", "mp3", job.MP3Path, "error", err)
		return
	}
	s.notifyManifest(job.CaptureFolder, hour, chunkIndex, mergeResult.Chunk)

	minuteText := joinTranscript(toTranscriptSegments(result.Segments))
	if len(minuteText) <= translationMinChars {
		return
	}
	s.translateAndDub(ctx, minuteText, result.Language, func(lang string) string {
		return filepath.Join(s.audioTempDir(job.DeviceRoot), fmt.Sprintf("1min_%d_%s.mp3", job.Slot, lang))
	})
}

func (s *Service) processTenMinute(ctx context.Context, job TenMinuteJob) {
	hasAudio, meanVolume, err := CheckHasAudio(ctx, job.MP3Path, silenceSampleDuration)
	if err != nil {
		s.logger.Warn("10-minute silence check failed, transcribing anyway", "mp3", job.MP3Path, "error", err)
		hasAudio = true
	}
	if !hasAudio {
		s.logger.Info("10-minute chunk silent, skipped", "mp3", job.MP3Path, "mean_volume_db", meanVolume)
		return
	}

	result, err := s.transcriber.Transcribe(ctx, job.MP3Path, transcribe.Options{
		Model:            "tiny",
		SkipSilenceCheck: true,
		EnableSpellcheck: true,
	})
	if err != nil {
		s.logger.Warn("10-minute transcription failed", "mp3", job.MP3Path, "error", err)
		return
	}

	buckets := transcribe.BucketByMinute(result.Segments)
	chunkPath := s.chunkPath(job.DeviceRoot, job.Hour, job.ChunkIndex)

	var lastMerge MergeResult
	merged := false
	for minute := 0; minute < 10; minute++ {
		segs := buckets[minute]
		if len(segs) == 0 {
			continue
		}
		mergeResult, err := Merge(chunkPath, job.CaptureFolder, job.Hour, job.ChunkIndex, MergeInput{
			MinuteOffset: minute,
			Segments:     toTranscriptSegments(segs),
			Language:     result.Language,
			MP3File:      filepath.Base(job.MP3Path),
			Now:          job.Now,
		})
		if err != nil {
			s.logger.Warn("10-minute merge failed", "mp3", job.MP3Path, "minute", minute, "error", err)
			continue
		}
		lastMerge = mergeResult
		merged = true
	}
	if !merged {
		return
	}
	s.notifyManifest(job.CaptureFolder, job.Hour, job.ChunkIndex, lastMerge.Chunk)

	if len(lastMerge.Chunk.Transcript) <= translationMinChars {
		return
	}
	s.translateAndDub(ctx, lastMerge.Chunk.Transcript, lastMerge.Chunk.Language, func(lang string) string {
		return filepath.Join(s.audioHourDir(job.DeviceRoot, job.Hour), fmt.Sprintf("chunk_10min_%d_%s.mp3", job.ChunkIndex, lang))
	})
}

// translateAndDub runs the five-language pre-translation + TTS dub step
// shared by both paths (spec.md §4.6.1/§4.6.2), skipping the detected
// source language.
func (s *Service) translateAndDub(ctx context.Context, text, sourceLang string, outputPathFor func(lang string) string) {
	for lang, voice := range targetVoices(sourceLang) {
		translated, err := s.translator.Translate(ctx, text, lang)
		if err != nil {
			s.logger.Warn("translation failed", "lang", lang, "error", err)
			continue
		}
		if len(translated) < 10 {
			continue
		}
		if err := s.dubber.Synthesize(ctx, translated, voice, outputPathFor(lang)); err != nil {
			s.logger.Warn("dub synth failed", "lang", lang, "error", err)
		}
	}
}

func targetVoices(sourceLang string) map[string]string {
	out := make(map[string]string, len(dub.VoiceMap))
	for lang, voice := range dub.VoiceMap {
		if lang == sourceLang {
			continue
		}
		out[lang] = voice
	}
	return out
}

func (s *Service) notifyManifest(captureFolder string, hour, chunkIndex int, chunk Chunk) {
	if err := s.manifest.UpdateChunk(captureFolder, hour, chunkIndex, chunk); err != nil {
		s.logger.Warn("manifest update failed", "capture_folder", captureFolder, "error", err)
	}
}

func (s *Service) chunkPath(deviceRoot string, hour, chunkIndex int) string {
	resolver := layout.New(deviceRoot, false)
	dir := filepath.Join(resolver.ColdPath(layout.ClassTranscripts), strconv.Itoa(hour))
	return filepath.Join(dir, fmt.Sprintf("chunk_10min_%d.json", chunkIndex))
}

func (s *Service) audioTempDir(deviceRoot string) string {
	resolver := layout.New(deviceRoot, false)
	return filepath.Join(resolver.ColdPath(layout.ClassAudio), "temp")
}

func (s *Service) audioHourDir(deviceRoot string, hour int) string {
	resolver := layout.New(deviceRoot, false)
	return filepath.Join(resolver.ColdPath(layout.ClassAudio), strconv.Itoa(hour))
}

func toTranscriptSegments(segments []transcribe.Segment) []Segment {
	out := make([]Segment, len(segments))
	for i, s := range segments {
		out[i] = Segment{Text: s.Text, Start: s.Start, End: s.End, Confidence: s.Confidence}
	}
	return out
}

// Watcher wires fsnotify over a device's audio/temp (1-minute) directory
// to the LIFO queue, and scans audio/<hour> directories at startup for
// 10-minute chunks still missing a transcript (spec.md §4.6 "scan_queue
// backlog").
type Watcher struct {
	captureFolder string
	deviceRoot    string
	svc           *Service
	watcher       *fsnotify.Watcher
	logger        interface {
		Warn(msg string, args ...any)
	}
}

// NewWatcher attaches a watch to deviceRoot's cold audio/temp directory.
func NewWatcher(captureFolder, deviceRoot string, svc *Service) (*Watcher, error) {
	resolver := layout.New(deviceRoot, false)
	dir := filepath.Join(resolver.ColdPath(layout.ClassAudio), "temp")
	if err := os.MkdirAll(dir, 0o777); err != nil {
		return nil, errors.Newf("create audio temp dir: %w", err).
			Component("transcript").Category(errors.CategoryFileIO).Build()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Newf("create transcript watcher: %w", err).
			Component("transcript").Category(errors.CategoryTranscript).Build()
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, errors.Newf("watch %s: %w", dir, err).
			Component("transcript").Category(errors.CategoryTranscript).Build()
	}
	return &Watcher{captureFolder: captureFolder, deviceRoot: deviceRoot, svc: svc, watcher: fw, logger: logging.ForService("transcript")}, nil
}

// Run processes 1-minute MP3 arrivals until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.watcher.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&fsnotify.Create == 0 {
				continue
			}
			slot, ok := oneMinuteSlot(filepath.Base(ev.Name))
			if !ok {
				continue
			}
			w.svc.EnqueueOneMinute(OneMinuteJob{
				CaptureFolder: w.captureFolder,
				DeviceRoot:    w.deviceRoot,
				MP3Path:       ev.Name,
				Slot:          slot,
				Now:           time.Now(),
			})
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("transcript watcher error", "error", err)
		}
	}
}

// ScanBacklog finds every audio/<hour>/chunk_10min_<C>.mp3 missing a sibling
// transcripts/<hour>/chunk_10min_<C>.json and enqueues it onto the FIFO
// backlog queue (spec.md §4.6 "scan_queue: startup backlog").
func (w *Watcher) ScanBacklog() error {
	resolver := layout.New(w.deviceRoot, false)
	audioRoot := resolver.ColdPath(layout.ClassAudio)
	transcriptRoot := resolver.ColdPath(layout.ClassTranscripts)

	hourDirs, err := os.ReadDir(audioRoot)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return errors.Newf("read audio root %s: %w", audioRoot, err).
			Component("transcript").Category(errors.CategoryFileIO).Build()
	}

	var hours []string
	for _, e := range hourDirs {
		if e.IsDir() {
			hours = append(hours, e.Name())
		}
	}
	sort.Strings(hours)

	for _, hourName := range hours {
		hour, err := strconv.Atoi(hourName)
		if err != nil {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(audioRoot, hourName))
		if err != nil {
			continue
		}
		for _, e := range entries {
			chunkIndex, ok := tenMinuteChunkIndex(e.Name())
			if !ok {
				continue
			}
			transcriptPath := filepath.Join(transcriptRoot, hourName, fmt.Sprintf("chunk_10min_%d.json", chunkIndex))
			if _, err := os.Stat(transcriptPath); err == nil {
				continue
			}
			w.svc.EnqueueTenMinute(TenMinuteJob{
				CaptureFolder: w.captureFolder,
				DeviceRoot:    w.deviceRoot,
				MP3Path:       filepath.Join(audioRoot, hourName, e.Name()),
				Hour:          hour,
				ChunkIndex:    chunkIndex,
				Now:           time.Now(),
			})
		}
	}
	return nil
}

// oneMinuteSlot parses "1min_<SLOT>.mp3" into its slot number.
func oneMinuteSlot(name string) (int, bool) {
	if !strings.HasPrefix(name, "1min_") || !strings.HasSuffix(name, ".mp3") {
		return 0, false
	}
	if strings.Contains(name, "_fr.") || strings.Contains(name, "_en.") || strings.Contains(name, "_es.") ||
		strings.Contains(name, "_de.") || strings.Contains(name, "_it.") {
		return 0, false // dubbed output, not a source recording
	}
	slot := strings.TrimSuffix(strings.TrimPrefix(name, "1min_"), ".mp3")
	n, err := strconv.Atoi(slot)
	if err != nil {
		return 0, false
	}
	return n, true
}

// tenMinuteChunkIndex parses "chunk_10min_<C>.mp3" into its chunk index.
func tenMinuteChunkIndex(name string) (int, bool) {
	if !strings.HasPrefix(name, "chunk_10min_") || !strings.HasSuffix(name, ".mp3") {
		return 0, false
	}
	body := strings.TrimSuffix(strings.TrimPrefix(name, "chunk_10min_"), ".mp3")
	if strings.Contains(body, "_") {
		return 0, false // dubbed output, e.g. chunk_10min_3_fr.mp3
	}
	n, err := strconv.Atoi(body)
	if err != nil {
		return 0, false
	}
	return n, true
}
