package archiver

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/layout"
)

func testConfig() Config {
	return Config{
		HotLimitSegments:  2,
		HotLimitOther:     2,
		RetentionCaptures: time.Hour,
		RetentionOther:    24 * time.Hour,
		HLSTargetDuration: 4,
	}
}

func TestArchiveOverflowMovesOldestExcess(t *testing.T) {
	dir := t.TempDir()
	resolver := layout.New(dir, true)
	hotRoot := resolver.ActivePath(layout.ClassCaptures)
	require.NoError(t, os.MkdirAll(hotRoot, 0o777))

	now := time.Now()
	for i := 0; i < 4; i++ {
		name := filepath.Join(hotRoot, "capture_"+string(rune('a'+i))+".jpg")
		require.NoError(t, os.WriteFile(name, []byte("x"), 0o644))
		mtime := now.Add(time.Duration(i) * time.Minute)
		require.NoError(t, os.Chtimes(name, mtime, mtime))
	}

	moved, err := archiveOverflow(resolver, layout.ClassCaptures, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, moved)

	remaining, err := os.ReadDir(hotRoot)
	require.NoError(t, err)
	fileCount := 0
	for _, e := range remaining {
		if !e.IsDir() {
			fileCount++
		}
	}
	assert.Equal(t, 2, fileCount)
}

func TestWriteManifestForHourOrdersByIndex(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"segment_3.ts", "segment_1.ts", "segment_2.ts"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}

	ok, err := writeManifestForHour(dir, 4)
	require.NoError(t, err)
	assert.True(t, ok)

	data, err := os.ReadFile(filepath.Join(dir, "archive.m3u8"))
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "#EXT-X-TARGETDURATION:4")
	assert.Contains(t, content, "#EXT-X-MEDIA-SEQUENCE:1")
	assert.Contains(t, content, "#EXT-X-ENDLIST")

	idx1 := indexOf(content, "segment_1.ts")
	idx2 := indexOf(content, "segment_2.ts")
	idx3 := indexOf(content, "segment_3.ts")
	assert.True(t, idx1 < idx2 && idx2 < idx3, "segments must be ordered by numeric index")
}

func TestWriteManifestForHourEmptyDirSkipsWrite(t *testing.T) {
	dir := t.TempDir()
	ok, err := writeManifestForHour(dir, 4)
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "archive.m3u8"))
	assert.True(t, os.IsNotExist(err))
}

func TestSweepRetentionRemovesExpiredHours(t *testing.T) {
	dir := t.TempDir()
	resolver := layout.New(dir, true)
	root := resolver.ActivePath(layout.ClassCaptures)

	nowHour := time.Now().Hour()
	expiredHour := (nowHour + 2) % 24 // hours_ago = 22 with future-wrap rule, expired vs 1h retention
	expiredDir := filepath.Join(root, strconv.Itoa(expiredHour))
	require.NoError(t, os.MkdirAll(expiredDir, 0o777))
	require.NoError(t, os.WriteFile(filepath.Join(expiredDir, "old.jpg"), []byte("x"), 0o644))

	cleaned, err := sweepRetention(resolver, testConfig())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, cleaned, 1)

	entries, err := os.ReadDir(expiredDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}

