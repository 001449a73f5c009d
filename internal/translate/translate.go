// Package translate wraps the text-translation collaborator spec.md
// §4.6.1/§4.6.2 calls after a successful transcript merge: five target
// languages, skipping the detected source language. Grounded on the
// teacher's own cloud.google.com/go/* dependency family (used elsewhere
// in the teacher for its eBird/weather HTTP clients) — Google Translate is
// adopted here for the same "managed Google Cloud client" shape.
package translate

import (
	"context"
	"fmt"

	gtranslate "cloud.google.com/go/translate"
	"golang.org/x/text/language"
	"google.golang.org/api/option"

	"github.com/capturehost/hostpipeline/internal/errors"
)

// Languages is the fixed pre-translation target set (spec.md §4.6.1).
var Languages = map[string]string{
	"fr": "French",
	"en": "English",
	"es": "Spanish",
	"de": "German",
	"it": "Italian",
}

// Provider translates text into a target language code.
type Provider interface {
	Translate(ctx context.Context, text, targetLang string) (string, error)
}

// GoogleProvider is a Provider backed by the Google Cloud Translation API.
type GoogleProvider struct {
	client *gtranslate.Client
}

// NewGoogleProvider dials the Translation API using apiKey.
func NewGoogleProvider(ctx context.Context, apiKey string) (*GoogleProvider, error) {
	client, err := gtranslate.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, errors.Newf("create translate client: %w", err).
			Component("translate").Category(errors.CategoryTranscript).Build()
	}
	return &GoogleProvider{client: client}, nil
}

// Translate returns text translated into targetLang ("fr", "en", ...).
func (p *GoogleProvider) Translate(ctx context.Context, text, targetLang string) (string, error) {
	tag, err := language.Parse(targetLang)
	if err != nil {
		return "", errors.Newf("parse target language %s: %w", targetLang, err).
			Component("translate").Category(errors.CategoryTranscript).Build()
	}
	results, err := p.client.Translate(ctx, []string{text}, tag, nil)
	if err != nil {
		return "", errors.Newf("translate text: %w", err).
			Component("translate").Category(errors.CategoryTranscript).Build()
	}
	if len(results) == 0 {
		return "", errors.Newf("translate returned no results for %s", targetLang).
			Component("translate").Category(errors.CategoryTranscript).Build()
	}
	return results[0].Text, nil
}

// Close releases the underlying client connection.
func (p *GoogleProvider) Close() error {
	return p.client.Close()
}

// TargetsExcluding returns Languages minus sourceLang, the "skip source
// language" rule from spec.md §4.6.1.
func TargetsExcluding(sourceLang string) map[string]string {
	out := make(map[string]string, len(Languages))
	for code, name := range Languages {
		if code == sourceLang {
			continue
		}
		out[code] = name
	}
	return out
}

// NoOpProvider returns the input unchanged, annotated with its target
// language — used for devices/tests with no translation key configured.
type NoOpProvider struct{}

func (NoOpProvider) Translate(ctx context.Context, text, targetLang string) (string, error) {
	return fmt.Sprintf("[%s] %s", targetLang, text), nil
}
