package dub

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNoOpProviderDoesNothing(t *testing.T) {
	err := NoOpProvider{}.Synthesize(context.Background(), "hello", "fr-FR-DeniseNeural", "/nonexistent/out.mp3")
	require.NoError(t, err)
}

// writeFakeEdgeTTSScript installs a script simulating the edge-tts CLI: it writes a file at the
// --write-media path it's given.
func writeFakeEdgeTTSScript(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "edge-tts")
	contents := `#!/bin/sh
while [ "$#" -gt 0 ]; do
  if [ "$1" = "--write-media" ]; then
    shift
    echo "fake audio" > "$1"
    exit 0
  fi
  shift
done
exit 1
`
	require.NoError(t, os.WriteFile(script, []byte(contents), 0o755))
	return script
}

func TestEdgeTTSProviderWritesOutputAtomically(t *testing.T) {
	script := writeFakeEdgeTTSScript(t)
	provider := EdgeTTSProvider{BinaryPath: script}

	outputDir := t.TempDir()
	out := filepath.Join(outputDir, "1min_0_fr.mp3")

	err := provider.Synthesize(context.Background(), "bonjour", "fr-FR-DeniseNeural", out)
	require.NoError(t, err)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "fake audio\n", string(data))

	_, err = os.Stat(out + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestEdgeTTSProviderCleansUpTmpOnFailure(t *testing.T) {
	provider := EdgeTTSProvider{BinaryPath: "/nonexistent/edge-tts-binary"}
	outputDir := t.TempDir()
	out := filepath.Join(outputDir, "1min_0_fr.mp3")

	err := provider.Synthesize(context.Background(), "bonjour", "fr-FR-DeniseNeural", out)
	require.Error(t, err)

	_, statErr := os.Stat(out + ".tmp")
	assert.True(t, os.IsNotExist(statErr))
}
