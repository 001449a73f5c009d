package transcribe

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketByMinuteGroupsByIntegerDivision(t *testing.T) {
	segments := []Segment{
		{Text: "a", Start: 5, End: 6},
		{Text: "b", Start: 65, End: 66},
		{Text: "c", Start: 599, End: 600},
		{Text: "d", Start: 601, End: 602}, // minute 10, out of range, dropped
	}
	buckets := BucketByMinute(segments)
	assert.Len(t, buckets[0], 1)
	assert.Len(t, buckets[1], 1)
	assert.Len(t, buckets[9], 1)
	assert.Len(t, buckets[10], 0)
}

func TestAverageConfidenceAndMaxEnd(t *testing.T) {
	segments := []Segment{
		{Start: 0, End: 1, Confidence: 0.5},
		{Start: 1, End: 3, Confidence: 1.0},
	}
	assert.InDelta(t, 0.75, AverageConfidence(segments), 0.001)
	assert.Equal(t, float64(3), MaxEnd(segments))
}

func TestAverageConfidenceEmptyIsZero(t *testing.T) {
	assert.Equal(t, float64(0), AverageConfidence(nil))
}

func TestNoOpProviderReturnsUnknownLanguage(t *testing.T) {
	result, err := NoOpProvider{}.Transcribe(context.Background(), "x.mp3", Options{})
	require.NoError(t, err)
	assert.Equal(t, "unknown", result.Language)
	assert.Empty(t, result.Segments)
}
