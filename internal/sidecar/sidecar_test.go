package sidecar

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteNewThenMergeDisjointKeys(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture_000000001.json")

	f := &Frame{Analyzed: true, Blackscreen: false, Freeze: true, Timestamp: "2024-03-14T00:00:00Z"}
	require.NoError(t, WriteNew(path, f))

	audioTrue := true
	err := Merge(path, func(fr *Frame) {
		fr.Audio = &audioTrue
		fr.AudioCheckTimestamp = "2024-03-14T00:00:01Z"
	})
	require.NoError(t, err)

	got, err := Read(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Analyzed)
	assert.True(t, got.Freeze, "monitor-owned key must survive an audio-worker merge")
	require.NotNil(t, got.Audio)
	assert.True(t, *got.Audio)
	assert.Equal(t, "2024-03-14T00:00:01Z", got.AudioCheckTimestamp)
}

func TestWriteNewRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture_000000002.json")
	require.NoError(t, WriteNew(path, &Frame{Analyzed: true}))
	err := WriteNew(path, &Frame{Analyzed: true})
	assert.Error(t, err)
}

func TestMergeOnMissingSidecarIsNoop(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture_missing.json")
	err := Merge(path, func(fr *Frame) { fr.Audio = new(bool) })
	assert.NoError(t, err)
	assert.False(t, Exists(path))
}

func TestReadMissingReturnsNil(t *testing.T) {
	dir := t.TempDir()
	f, err := Read(filepath.Join(dir, "nope.json"))
	require.NoError(t, err)
	assert.Nil(t, f)
}

func TestFrameAnalyzedAlwaysValidJSONInvariant(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "capture_000000003.json")
	require.NoError(t, WriteNew(path, &Frame{Analyzed: true, Error: "detector panic: boom"}))

	got, err := Read(path)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Analyzed)
	assert.Equal(t, "detector panic: boom", got.Error)
}
