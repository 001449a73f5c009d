// Package transcript implements the transcript accumulator of spec.md
// §4.6: a LIFO real-time queue (1-minute MP3s) drained ahead of a FIFO
// backlog queue (10-minute MP3s), feeding Whisper through the black-box
// transcribe.Provider seam, progressively merging results into
// chunk_10min_<C>.json documents under an advisory per-chunk lock, then
// dispatching translation and TTS dubbing. Grounded on the teacher's
// internal/analysis worker shape (buffered queue + single consumer +
// heartbeat) and internal/sidecar's flock-based merge idiom, generalized
// from per-frame JSON to per-10-minute-chunk JSON.
package transcript

import (
	"context"
	"encoding/json"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/capturehost/hostpipeline/internal/errors"
)

const lockTimeout = 2 * time.Second

// ChunkDurationMinutes is fixed at 10 per spec.md §3.
const ChunkDurationMinutes = 10

// Segment is one transcribed span of speech within a chunk.
type Segment struct {
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	Confidence float64 `json:"confidence"`
}

// MinuteStatus records what happened the last time a given minute offset
// (0..9) was processed.
type MinuteStatus struct {
	Processed     bool   `json:"processed"`
	ProcessedDay  string `json:"processed_day"`
	HasAudio      bool   `json:"has_audio"`
	SkipReason    string `json:"skip_reason,omitempty"`
}

// Chunk is the canonical chunk_10min_<C>.json document (spec.md §3).
type Chunk struct {
	CaptureFolder        string                  `json:"capture_folder"`
	Hour                 int                     `json:"hour"`
	ChunkIndex            int                     `json:"chunk_index"`
	ChunkDurationMinutes  int                     `json:"chunk_duration_minutes"`
	Language              string                  `json:"language"`
	Transcript            string                  `json:"transcript"`
	Confidence            float64                 `json:"confidence"`
	ChunkDurationSeconds  float64                 `json:"chunk_duration_seconds"`
	MP3File               string                  `json:"mp3_file"`
	Segments              []Segment               `json:"segments"`
	MinuteStatuses        map[string]MinuteStatus `json:"minute_statuses"`
}

func newChunk(captureFolder string, hour, chunkIndex int) Chunk {
	return Chunk{
		CaptureFolder:        captureFolder,
		Hour:                 hour,
		ChunkIndex:           chunkIndex,
		ChunkDurationMinutes: ChunkDurationMinutes,
		Language:             "unknown",
		MinuteStatuses:       map[string]MinuteStatus{},
	}
}

func readChunk(path string) (Chunk, bool, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Chunk{}, false, nil
	}
	if err != nil {
		return Chunk{}, false, errors.Newf("read transcript chunk %s: %w", path, err).
			Component("transcript").Category(errors.CategoryFileIO).Build()
	}
	var c Chunk
	if err := json.Unmarshal(data, &c); err != nil {
		return Chunk{}, false, errors.Newf("parse transcript chunk %s: %w", path, err).
			Component("transcript").Category(errors.CategorySerialization).Build()
	}
	return c, true, nil
}

func writeChunk(path string, c Chunk) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return errors.Newf("marshal transcript chunk: %w", err).
			Component("transcript").Category(errors.CategorySerialization).Build()
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Newf("write transcript chunk tmp: %w", err).
			Component("transcript").Category(errors.CategoryFileIO).Build()
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Newf("rename transcript chunk into place: %w", err).
			Component("transcript").Category(errors.CategoryFileIO).Build()
	}
	return nil
}

// MergeInput is one minute's worth of newly transcribed segments to fold
// into a chunk.
type MergeInput struct {
	MinuteOffset int // 0..9
	Segments     []Segment
	Language     string // detected language for this minute, "unknown" if undetermined
	MP3File      string
	SkipReason   string // set (and Segments empty) when the minute was silence-skipped
	Now          time.Time
}

// MergeResult reports the chunk state after a merge, so the caller can
// decide whether to kick off translation (spec.md §4.6.3 step 7).
type MergeResult struct {
	Chunk          Chunk
	TranscriptGrew bool
}

// Merge implements spec.md §4.6.3's progressive merge under an exclusive
// `<path>.lock`: load-or-seed, clear on day rollover, record the minute's
// status, dedupe+append+sort segments by start, recompute transcript/
// confidence/duration/language, atomic write.
func Merge(path string, captureFolder string, hour, chunkIndex int, in MergeInput) (MergeResult, error) {
	lockPath := path + ".lock"
	fl := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()
	locked, err := fl.TryLockContext(ctx, 20*time.Millisecond)
	if err != nil {
		return MergeResult{}, errors.Newf("lock transcript chunk %s: %w", path, err).
			Component("transcript").Category(errors.CategorySidecar).Build()
	}
	if !locked {
		return MergeResult{}, errors.Newf("timed out locking transcript chunk %s", path).
			Component("transcript").Category(errors.CategorySidecar).Build()
	}
	defer func() {
		_ = fl.Unlock()
		_ = os.Remove(lockPath)
	}()

	chunk, existed, err := readChunk(path)
	if err != nil {
		return MergeResult{}, err
	}
	if !existed {
		chunk = newChunk(captureFolder, hour, chunkIndex)
	}

	today := in.Now.Format("2006-01-02")
	if hasStaleDay(chunk.MinuteStatuses, today) {
		chunk.Segments = nil
		chunk.MinuteStatuses = map[string]MinuteStatus{}
		chunk.Transcript = ""
		chunk.Confidence = 0
		chunk.ChunkDurationSeconds = 0
	}

	beforeLen := len(chunk.Transcript)

	chunk.MinuteStatuses[strconv.Itoa(in.MinuteOffset)] = MinuteStatus{
		Processed:    true,
		ProcessedDay: today,
		HasAudio:     len(in.Segments) > 0,
		SkipReason:   in.SkipReason,
	}

	if in.MP3File != "" {
		chunk.MP3File = in.MP3File
	}

	chunk.Segments = dedupeAndMergeSegments(chunk.Segments, in.Segments)
	sort.Slice(chunk.Segments, func(i, j int) bool { return chunk.Segments[i].Start < chunk.Segments[j].Start })

	chunk.Transcript = joinTranscript(chunk.Segments)
	chunk.Confidence = meanConfidence(chunk.Segments)
	chunk.ChunkDurationSeconds = maxEnd(chunk.Segments)
	if in.Language != "" && in.Language != "unknown" {
		chunk.Language = in.Language
	}

	if err := writeChunk(path, chunk); err != nil {
		return MergeResult{}, err
	}

	return MergeResult{Chunk: chunk, TranscriptGrew: len(chunk.Transcript) > beforeLen}, nil
}

// hasStaleDay reports whether any existing minute status belongs to a day
// other than today — spec.md §4.6.3 step 2's 24-hour rolling window.
func hasStaleDay(statuses map[string]MinuteStatus, today string) bool {
	for _, s := range statuses {
		if s.ProcessedDay != "" && s.ProcessedDay != today {
			return true
		}
	}
	return false
}

// dedupeAndMergeSegments appends incoming onto existing, replacing any
// existing segment that shares a Start value (spec.md §4.6.3 step 4).
func dedupeAndMergeSegments(existing, incoming []Segment) []Segment {
	byStart := make(map[float64]Segment, len(existing)+len(incoming))
	for _, s := range existing {
		byStart[s.Start] = s
	}
	for _, s := range incoming {
		byStart[s.Start] = s
	}
	out := make([]Segment, 0, len(byStart))
	for _, s := range byStart {
		out = append(out, s)
	}
	return out
}

func joinTranscript(segments []Segment) string {
	parts := make([]string, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, strings.TrimSpace(s.Text))
	}
	return strings.Join(parts, " ")
}

func meanConfidence(segments []Segment) float64 {
	if len(segments) == 0 {
		return 0
	}
	var sum float64
	for _, s := range segments {
		sum += s.Confidence
	}
	return sum / float64(len(segments))
}

func maxEnd(segments []Segment) float64 {
	var max float64
	for _, s := range segments {
		if s.End > max {
			max = s.End
		}
	}
	return max
}
