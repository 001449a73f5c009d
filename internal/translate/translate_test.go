package translate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTargetsExcludingDropsSourceLanguage(t *testing.T) {
	targets := TargetsExcluding("en")
	assert.Len(t, targets, 4)
	_, hasEnglish := targets["en"]
	assert.False(t, hasEnglish)
	assert.Equal(t, "French", targets["fr"])
}

func TestTargetsExcludingUnknownSourceKeepsAllFive(t *testing.T) {
	targets := TargetsExcluding("ja")
	assert.Len(t, targets, 5)
}

func TestNoOpProviderAnnotatesTargetLanguage(t *testing.T) {
	out, err := NoOpProvider{}.Translate(context.Background(), "hello", "fr")
	require.NoError(t, err)
	assert.Equal(t, "[fr] hello", out)
}
