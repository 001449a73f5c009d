package actionping

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/layout"
	"github.com/capturehost/hostpipeline/internal/sidecar"
)

func writeCaptureWithSidecar(t *testing.T, dir, name string, mtime time.Time) string {
	t.Helper()
	capturePath := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(capturePath, []byte("x"), 0o644))
	require.NoError(t, os.Chtimes(capturePath, mtime, mtime))

	sidecarPath := layout.SidecarPathFromCapture(capturePath)
	require.NoError(t, sidecar.WriteNew(sidecarPath, &sidecar.Frame{Analyzed: true, Timestamp: mtime.Format(time.RFC3339)}))
	return capturePath
}

func TestWriteActionToFrameJSONWritesSentinel(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, true)
	require.NoError(t, os.MkdirAll(resolver.ActivePath(layout.ClassCaptures), 0o777))

	now := time.Now()
	writeCaptureWithSidecar(t, resolver.ActivePath(layout.ClassCaptures), "capture_1.jpg", now)

	err := WriteActionToFrameJSON(resolver, "channel_up", map[string]any{"channel": "5"}, now)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(resolver.ActivePath(layout.ClassMetadata), "last_action.json"))
	require.NoError(t, err)

	var last LastAction
	require.NoError(t, json.Unmarshal(data, &last))
	assert.Equal(t, "channel_up", last.Command)
}

func TestMergeIntoNearestSidecarPicksClosestWithinWindow(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, true)
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	require.NoError(t, os.MkdirAll(capturesDir, 0o777))

	now := time.Now()
	near := writeCaptureWithSidecar(t, capturesDir, "capture_1.jpg", now.Add(-200*time.Millisecond))
	writeCaptureWithSidecar(t, capturesDir, "capture_2.jpg", now.Add(-3*time.Second))

	require.NoError(t, WriteActionToFrameJSON(resolver, "mute", nil, now))

	f, err := sidecar.Read(layout.SidecarPathFromCapture(near))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "mute", f.LastActionExecuted)
}

func TestMergeSkipsWhenNoSidecarWithinWindow(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, true)
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	require.NoError(t, os.MkdirAll(capturesDir, 0o777))

	now := time.Now()
	far := writeCaptureWithSidecar(t, capturesDir, "capture_1.jpg", now.Add(-5*time.Second))

	require.NoError(t, WriteActionToFrameJSON(resolver, "mute", nil, now))

	f, err := sidecar.Read(layout.SidecarPathFromCapture(far))
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Empty(t, f.LastActionExecuted)
}
