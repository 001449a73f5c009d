package diskusage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/layout"
)

func TestStatMountReportsNonZeroTotal(t *testing.T) {
	usage, err := StatMount(t.TempDir())
	require.NoError(t, err)
	assert.Greater(t, usage.TotalBytes, uint64(0))
	assert.GreaterOrEqual(t, usage.UsedPercent, 0.0)
}

func TestClassSizeSumsFilesRecursively(t *testing.T) {
	deviceRoot := t.TempDir()
	resolver := layout.New(deviceRoot, false)
	transcriptsDir := filepath.Join(resolver.ColdPath(layout.ClassTranscripts), "12")
	require.NoError(t, os.MkdirAll(transcriptsDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(transcriptsDir, "chunk_10min_0.json"), []byte("123456"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(transcriptsDir, "chunk_10min_1.json"), []byte("12"), 0o644))

	usage, err := ClassSize(resolver, layout.ClassTranscripts)
	require.NoError(t, err)
	assert.Equal(t, 2, usage.FileCount)
	assert.Equal(t, int64(8), usage.TotalBytes)
}

func TestClassSizeMissingDirectoryReturnsZeroNotError(t *testing.T) {
	resolver := layout.New(t.TempDir(), false)
	usage, err := ClassSize(resolver, layout.ClassAudio)
	require.NoError(t, err)
	assert.Equal(t, 0, usage.FileCount)
}

func TestCheckStaleCountsFilesPastMaxAge(t *testing.T) {
	dir := t.TempDir()
	stalePath := filepath.Join(dir, "segment_old.ts")
	freshPath := filepath.Join(dir, "segment_new.ts")
	require.NoError(t, os.WriteFile(stalePath, []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(freshPath, []byte("x"), 0o644))

	now := time.Now()
	old := now.Add(-48 * time.Hour)
	require.NoError(t, os.Chtimes(stalePath, old, old))
	require.NoError(t, os.Chtimes(freshPath, now, now))

	check, err := CheckStale(dir, 24*time.Hour, now)
	require.NoError(t, err)
	assert.Equal(t, 1, check.StaleCount)
	assert.GreaterOrEqual(t, check.OldestAge, 47*time.Hour)
}

func TestCheckStaleMissingDirectoryIsNotError(t *testing.T) {
	check, err := CheckStale(filepath.Join(t.TempDir(), "nope"), time.Hour, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 0, check.StaleCount)
}
