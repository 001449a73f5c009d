package objectstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDefaultsPresignTTL(t *testing.T) {
	store, err := New(context.Background(), Config{
		Region:       "auto",
		Bucket:       "capture-evidence",
		Endpoint:     "https://example.r2.cloudflarestorage.com",
		UsePathStyle: true,
	})
	require.NoError(t, err)
	assert.Equal(t, time.Hour, store.presignTTL)
}

func TestNewHonorsExplicitPresignTTL(t *testing.T) {
	store, err := New(context.Background(), Config{
		Region:     "auto",
		Bucket:     "capture-evidence",
		PresignTTL: 10 * time.Minute,
	})
	require.NoError(t, err)
	assert.Equal(t, 10*time.Minute, store.presignTTL)
}
