package audiowatch

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/layout"
)

func TestIsSegmentFileMatchesTsAndMp4(t *testing.T) {
	assert.True(t, isSegmentFile("segment_001.ts"))
	assert.True(t, isSegmentFile("segment_001.mp4"))
	assert.False(t, isSegmentFile("segment_001.tmp"))
	assert.False(t, isSegmentFile("capture_001.jpg"))
}

func TestNewestSegmentReturnsMostRecentlyModified(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "segment_001.ts")
	newer := filepath.Join(dir, "segment_002.ts")
	require.NoError(t, os.WriteFile(older, []byte("a"), 0o644))
	require.NoError(t, os.WriteFile(newer, []byte("b"), 0o644))

	now := time.Now()
	require.NoError(t, os.Chtimes(older, now.Add(-time.Minute), now.Add(-time.Minute)))
	require.NoError(t, os.Chtimes(newer, now, now))

	got, err := newestSegment(dir)
	require.NoError(t, err)
	assert.Equal(t, newer, got)
}

func TestNewestSegmentMissingDirectoryIsNotError(t *testing.T) {
	got, err := newestSegment(filepath.Join(t.TempDir(), "missing"))
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMostRecentFreshSidecarRejectsStaleCapture(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, false)
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	require.NoError(t, os.MkdirAll(capturesDir, 0o755))

	stale := filepath.Join(capturesDir, "capture_1.jpg")
	require.NoError(t, os.WriteFile(stale, []byte("x"), 0o644))
	old := time.Now().Add(-10 * time.Second)
	require.NoError(t, os.Chtimes(stale, old, old))

	path, err := mostRecentFreshSidecar(resolver)
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestMostRecentFreshSidecarAcceptsRecentCapture(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, false)
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	require.NoError(t, os.MkdirAll(capturesDir, 0o755))

	fresh := filepath.Join(capturesDir, "capture_1.jpg")
	require.NoError(t, os.WriteFile(fresh, []byte("x"), 0o644))

	path, err := mostRecentFreshSidecar(resolver)
	require.NoError(t, err)
	assert.Equal(t, layout.SidecarPathFromCapture(fresh), path)
}
