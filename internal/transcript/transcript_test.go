package transcript

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/transcribe"
)

type stubTranscriber struct {
	result transcribe.Result
	err    error
	calls  int
}

func (s *stubTranscriber) Transcribe(ctx context.Context, audioPath string, opts transcribe.Options) (transcribe.Result, error) {
	s.calls++
	return s.result, s.err
}

func (s *stubTranscriber) Name() string { return "stub" }

type stubTranslator struct {
	calls int
}

func (s *stubTranslator) Translate(ctx context.Context, text, targetLang string) (string, error) {
	s.calls++
	return "translated " + text, nil
}

type stubDubber struct {
	calls []string
}

func (s *stubDubber) Synthesize(ctx context.Context, text, voice, outputPath string) error {
	s.calls = append(s.calls, outputPath)
	return nil
}

type stubManifest struct {
	updated []string
}

func (s *stubManifest) UpdateChunk(captureFolder string, hour, chunkIndex int, chunk Chunk) error {
	s.updated = append(s.updated, chunk.Transcript)
	return nil
}

func TestProcessOneMinuteMergesAndDubsWhenLongEnough(t *testing.T) {
	deviceRoot := t.TempDir()
	transcriber := &stubTranscriber{result: transcribe.Result{
		Segments: []transcribe.Segment{{Text: "this is a long enough transcript to trigger dubbing", Start: 0, End: 5, Confidence: 0.9}},
		Language: "en",
	}}
	translator := &stubTranslator{}
	dubber := &stubDubber{}
	manifest := &stubManifest{}
	svc := New(transcriber, translator, dubber, manifest)

	now := time.Date(2026, 1, 1, 12, 5, 0, 0, time.UTC)
	job := OneMinuteJob{
		CaptureFolder: "capture1",
		DeviceRoot:    deviceRoot,
		MP3Path:       filepath.Join(deviceRoot, "audio", "temp", "1min_0.mp3"),
		Slot:          0,
		Now:           now,
	}

	svc.processOneMinute(context.Background(), job)

	resolver := layout.New(deviceRoot, false)
	chunkPath := filepath.Join(resolver.ColdPath(layout.ClassTranscripts), "12", "chunk_10min_0.json")
	_, err := os.Stat(chunkPath)
	require.NoError(t, err)

	assert.Len(t, manifest.updated, 1)
	assert.Equal(t, 4, translator.calls) // 5 languages minus English source
	assert.Len(t, dubber.calls, 4)
}

func TestProcessOneMinuteSkipsDubWhenTranscriptShort(t *testing.T) {
	deviceRoot := t.TempDir()
	transcriber := &stubTranscriber{result: transcribe.Result{
		Segments: []transcribe.Segment{{Text: "hi", Start: 0, End: 1, Confidence: 0.9}},
		Language: "en",
	}}
	translator := &stubTranslator{}
	dubber := &stubDubber{}
	svc := New(transcriber, translator, dubber, nil)

	job := OneMinuteJob{
		CaptureFolder: "capture1",
		DeviceRoot:    deviceRoot,
		MP3Path:       filepath.Join(deviceRoot, "audio", "temp", "1min_3.mp3"),
		Slot:          3,
		Now:           time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
	}
	svc.processOneMinute(context.Background(), job)

	assert.Equal(t, 0, translator.calls)
	assert.Empty(t, dubber.calls)
}

func TestEnqueueRoutesOneMinuteToLIFOAndTenMinuteToFIFO(t *testing.T) {
	deviceRoot := t.TempDir()
	transcriber := &stubTranscriber{result: transcribe.Result{Language: "en"}}
	svc := New(transcriber, nil, nil, nil)

	svc.EnqueueTenMinute(TenMinuteJob{CaptureFolder: "c1", DeviceRoot: deviceRoot, Hour: 1, ChunkIndex: 0, Now: time.Now()})
	svc.EnqueueOneMinute(OneMinuteJob{CaptureFolder: "c1", DeviceRoot: deviceRoot, Slot: 0, Now: time.Now()})

	job, ok := svc.lifo.Pop()
	require.True(t, ok)
	assert.Equal(t, 0, job.Slot)

	_, ok = svc.lifo.Pop()
	require.False(t, ok)

	tenJob, ok := svc.fifo.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, tenJob.Hour)
}

func TestOneMinuteSlotParsing(t *testing.T) {
	slot, ok := oneMinuteSlot("1min_4.mp3")
	require.True(t, ok)
	assert.Equal(t, 4, slot)

	_, ok = oneMinuteSlot("1min_4_fr.mp3")
	assert.False(t, ok)

	_, ok = oneMinuteSlot("chunk_10min_0.mp3")
	assert.False(t, ok)
}

func TestTenMinuteChunkIndexParsing(t *testing.T) {
	idx, ok := tenMinuteChunkIndex("chunk_10min_5.mp3")
	require.True(t, ok)
	assert.Equal(t, 5, idx)

	_, ok = tenMinuteChunkIndex("chunk_10min_5_fr.mp3")
	assert.False(t, ok)
}
