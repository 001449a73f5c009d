package transcript

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeSeedsNewChunkAndSortsSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_10min_3.json")
	now := time.Date(2026, 3, 14, 10, 5, 0, 0, time.UTC)

	result, err := Merge(path, "capture1", 10, 3, MergeInput{
		MinuteOffset: 1,
		Segments: []Segment{
			{Text: "world", Start: 65, End: 66, Confidence: 0.9},
			{Text: "hello", Start: 60, End: 61, Confidence: 0.8},
		},
		Language: "en",
		MP3File:  "1min_1.mp3",
		Now:      now,
	})
	require.NoError(t, err)
	assert.Equal(t, "hello world", result.Chunk.Transcript)
	assert.Equal(t, "en", result.Chunk.Language)
	assert.InDelta(t, 0.85, result.Chunk.Confidence, 0.001)
	assert.Equal(t, float64(66), result.Chunk.ChunkDurationSeconds)
	assert.True(t, result.Chunk.MinuteStatuses["1"].Processed)
	assert.Equal(t, "2026-03-14", result.Chunk.MinuteStatuses["1"].ProcessedDay)
}

func TestMergeDedupesByStartAndAppendsAcrossMinutes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_10min_0.json")
	now := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)

	_, err := Merge(path, "capture1", 9, 0, MergeInput{
		MinuteOffset: 0,
		Segments:     []Segment{{Text: "first", Start: 0, End: 1, Confidence: 1}},
		Language:     "en",
		Now:          now,
	})
	require.NoError(t, err)

	result, err := Merge(path, "capture1", 9, 0, MergeInput{
		MinuteOffset: 1,
		Segments:     []Segment{{Text: "second", Start: 60, End: 61, Confidence: 1}},
		Language:     "en",
		Now:          now,
	})
	require.NoError(t, err)
	assert.Equal(t, "first second", result.Chunk.Transcript)
	assert.Len(t, result.Chunk.Segments, 2)
}

func TestMergeReplacesSegmentSharingStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_10min_1.json")
	now := time.Date(2026, 3, 14, 11, 0, 0, 0, time.UTC)

	_, err := Merge(path, "capture1", 11, 1, MergeInput{
		MinuteOffset: 0,
		Segments:     []Segment{{Text: "draft", Start: 5, End: 6, Confidence: 0.5}},
		Language:     "en",
		Now:          now,
	})
	require.NoError(t, err)

	result, err := Merge(path, "capture1", 11, 1, MergeInput{
		MinuteOffset: 0,
		Segments:     []Segment{{Text: "final", Start: 5, End: 6, Confidence: 0.9}},
		Language:     "en",
		Now:          now,
	})
	require.NoError(t, err)
	require.Len(t, result.Chunk.Segments, 1)
	assert.Equal(t, "final", result.Chunk.Segments[0].Text)
}

func TestMergeDayRolloverClearsOnlyStaleChunk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_10min_5.json")
	day1 := time.Date(2026, 3, 14, 23, 59, 0, 0, time.UTC)
	day2 := time.Date(2026, 3, 15, 0, 9, 0, 0, time.UTC)

	_, err := Merge(path, "capture1", 23, 5, MergeInput{
		MinuteOffset: 9,
		Segments:     []Segment{{Text: "yesterday", Start: 540, End: 541, Confidence: 1}},
		Language:     "en",
		Now:          day1,
	})
	require.NoError(t, err)

	result, err := Merge(path, "capture1", 23, 5, MergeInput{
		MinuteOffset: 9,
		Segments:     []Segment{{Text: "today", Start: 540, End: 541, Confidence: 1}},
		Language:     "en",
		Now:          day2,
	})
	require.NoError(t, err)
	assert.Equal(t, "today", result.Chunk.Transcript)
	assert.Equal(t, "2026-03-15", result.Chunk.MinuteStatuses["9"].ProcessedDay)
}

func TestMergeSilentMinuteRecordsSkipReasonWithoutSegments(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chunk_10min_2.json")
	now := time.Date(2026, 3, 14, 8, 20, 0, 0, time.UTC)

	result, err := Merge(path, "capture1", 8, 2, MergeInput{
		MinuteOffset: 0,
		SkipReason:   "silent",
		Now:          now,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Chunk.Transcript)
	assert.False(t, result.Chunk.MinuteStatuses["0"].HasAudio)
	assert.Equal(t, "silent", result.Chunk.MinuteStatuses["0"].SkipReason)
}
