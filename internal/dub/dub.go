// Package dub generates text-to-speech dubbed audio via the edge-tts CLI.
// No Edge-TTS Go binding exists anywhere in the corpus, so this shells out
// the same way the teacher supervises ffmpeg/ffprobe subprocesses in
// internal/myaudio: a bounded context, captured stderr for diagnostics,
// atomic output (write to a temp path, rename over the rotating slot).
package dub

import (
	"bytes"
	"context"
	"os"
	"os/exec"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// VoiceMap is the fixed language->voice mapping spec.md §4.6.1/§4.6.2 use
// for both the 1-minute and 10-minute dubbing paths.
var VoiceMap = map[string]string{
	"fr": "fr-FR-DeniseNeural",
	"en": "en-US-JennyNeural",
	"es": "es-ES-ElviraNeural",
	"de": "de-DE-KatjaNeural",
	"it": "it-IT-ElsaNeural",
}

// Provider synthesizes text into an MP3 file at outputPath.
type Provider interface {
	Synthesize(ctx context.Context, text, voice, outputPath string) error
}

// EdgeTTSProvider shells out to the edge-tts CLI.
type EdgeTTSProvider struct {
	// BinaryPath defaults to "edge-tts" (resolved via PATH) when empty.
	BinaryPath string
}

// Synthesize writes outputPath via a temp-file-then-rename so a reader
// never observes a partially written dubbed clip — the rotating-slot
// files this feeds (1min_<SLOT>_<lang>.mp3 etc.) are read concurrently by
// playback clients.
func (p EdgeTTSProvider) Synthesize(ctx context.Context, text, voice, outputPath string) error {
	bin := p.BinaryPath
	if bin == "" {
		bin = "edge-tts"
	}

	tmp := outputPath + ".tmp"
	cmd := exec.CommandContext(ctx, bin, "--voice", voice, "--text", text, "--write-media", tmp)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		os.Remove(tmp)
		return errors.Newf("edge-tts synth failed: %w (stderr: %s)", err, stderr.String()).
			Component("dub").Category(errors.CategoryTranscript).Build()
	}
	if err := os.Rename(tmp, outputPath); err != nil {
		os.Remove(tmp)
		return errors.Newf("rename dubbed audio into place: %w", err).
			Component("dub").Category(errors.CategoryTranscript).Build()
	}
	return nil
}

// NoOpProvider does nothing, for devices/tests with dubbing disabled.
type NoOpProvider struct{}

func (NoOpProvider) Synthesize(ctx context.Context, text, voice, outputPath string) error {
	return nil
}
