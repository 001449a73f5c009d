package kpi

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/dbstore"
	"github.com/capturehost/hostpipeline/internal/layout"
)

func TestScanWindowWithVerificationTimestamp(t *testing.T) {
	action := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verification := action.Add(5 * time.Second)
	req := Request{ActionTimestamp: action, VerificationTimestamp: &verification}

	start, end := scanWindow(req)
	assert.Equal(t, action, start)
	assert.Equal(t, verification, end)
}

func TestScanWindowCapsStartAtActionWhenTimeoutWouldPredateIt(t *testing.T) {
	action := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	verification := action.Add(60 * time.Second)
	req := Request{ActionTimestamp: action, VerificationTimestamp: &verification}

	start, end := scanWindow(req)
	assert.True(t, start.After(action) || start.Equal(action))
	assert.Equal(t, verification, end)
}

func TestScanWindowWithLongWaitUsesLast20Seconds(t *testing.T) {
	action := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	wait := int64(90_000)
	req := Request{ActionTimestamp: action, LastActionWaitMs: &wait}

	start, end := scanWindow(req)
	assert.Equal(t, action.Add(70*time.Second), start)
	assert.Equal(t, action.Add(90*time.Second), end)
}

func TestScanWindowForwardScanDefault(t *testing.T) {
	action := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	req := Request{ActionTimestamp: action}

	start, end := scanWindow(req)
	assert.Equal(t, action, start)
	assert.Equal(t, action.Add(MaxVerifyTimeout), end)
}

func writeCapture(t *testing.T, dir, name string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("frame"), 0o644))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestSnapshotIncludesPrecedingFrame(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, true)
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	require.NoError(t, os.MkdirAll(capturesDir, 0o777))

	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	writeCapture(t, capturesDir, "capture_1.jpg", start.Add(-10*time.Second)) // preceding
	writeCapture(t, capturesDir, "capture_2.jpg", start.Add(1*time.Second))
	writeCapture(t, capturesDir, "capture_3.jpg", start.Add(2*time.Second))
	writeCapture(t, capturesDir, "capture_4.jpg", start.Add(40*time.Second)) // outside window

	workDir := filepath.Join(base, "work")
	frames, err := snapshot(resolver, workDir, start, start.Add(5*time.Second))
	require.NoError(t, err)
	require.Len(t, frames, 3)
	assert.Equal(t, "capture_1.jpg", filepath.Base(frames[0].path))
	assert.Equal(t, "capture_2.jpg", filepath.Base(frames[1].path))
	assert.Equal(t, "capture_3.jpg", filepath.Base(frames[2].path))
}

type fakeExecutor struct {
	matches map[string]bool
}

func (f *fakeExecutor) ExecuteVerifications(ctx context.Context, verifications []VerificationSpec, ui, imageSourceURL, team string) (ExecutionOutcome, error) {
	name := filepath.Base(imageSourceURL)
	return ExecutionOutcome{Success: f.matches[name]}, nil
}

type fakeUploader struct {
	puts int
}

func (u *fakeUploader) Put(ctx context.Context, key string, data []byte, contentType string) error {
	u.puts++
	return nil
}

func (u *fakeUploader) PresignGET(ctx context.Context, key string) (string, error) {
	return "https://example.test/" + key, nil
}

type fakeKPIStore struct {
	dbstore.NullStore
	results []dbstore.KPIResult
}

func (s *fakeKPIStore) UpsertResult(r dbstore.KPIResult) error {
	s.results = append(s.results, r)
	return nil
}

func TestProcessRequestShortCircuitSkipsScan(t *testing.T) {
	store := &fakeKPIStore{}
	svc := New(&fakeExecutor{}, &fakeUploader{}, store, t.TempDir())

	action := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	kpiTS := action.Add(750 * time.Millisecond)
	req := Request{ExecutionResultID: "exec-1", ActionTimestamp: action, KPITimestamp: &kpiTS}

	svc.processRequest(context.Background(), req)

	require.Len(t, store.results, 1)
	assert.True(t, store.results[0].Success)
	require.NotNil(t, store.results[0].KPIMeasurementMs)
	assert.EqualValues(t, 750, *store.results[0].KPIMeasurementMs)
	assert.Equal(t, "short_circuit", store.results[0].Algorithm)
}

func TestProcessRequestFullPipelineFindsMatch(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, true)
	capturesDir := resolver.ActivePath(layout.ClassCaptures)
	require.NoError(t, os.MkdirAll(capturesDir, 0o777))

	action := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	writeCapture(t, capturesDir, "capture_1.jpg", action.Add(-1*time.Second))
	writeCapture(t, capturesDir, "capture_2.jpg", action.Add(1*time.Second))
	writeCapture(t, capturesDir, "capture_3.jpg", action.Add(2*time.Second))
	writeCapture(t, capturesDir, "capture_4.jpg", action.Add(3*time.Second))

	executor := &fakeExecutor{matches: map[string]bool{
		"capture_3.jpg": true,
		"capture_4.jpg": true,
	}}
	uploader := &fakeUploader{}
	store := &fakeKPIStore{}
	svc := New(executor, uploader, store, t.TempDir())

	req := Request{
		ExecutionResultID: "exec-2",
		CaptureFolder:     base,
		RAMMode:           true,
		ActionTimestamp:   action,
		KPIReferences:     []VerificationSpec{{Type: "text_present"}},
	}

	svc.processRequest(context.Background(), req)

	require.Len(t, store.results, 1)
	assert.True(t, store.results[0].Success)
	require.NotNil(t, store.results[0].KPIMeasurementMs)
	assert.NotEmpty(t, store.results[0].ReportURL)
	assert.True(t, uploader.puts > 0)
}

func TestProcessRequestNoFramesRecordsFailure(t *testing.T) {
	base := t.TempDir()
	resolver := layout.New(base, true)
	require.NoError(t, os.MkdirAll(resolver.ActivePath(layout.ClassCaptures), 0o777))

	store := &fakeKPIStore{}
	svc := New(&fakeExecutor{}, &fakeUploader{}, store, t.TempDir())

	req := Request{
		ExecutionResultID: "exec-3",
		CaptureFolder:     base,
		RAMMode:           true,
		ActionTimestamp:   time.Now(),
	}
	svc.processRequest(context.Background(), req)

	require.Len(t, store.results, 1)
	assert.False(t, store.results[0].Success)
	assert.NotEmpty(t, store.results[0].Error)
}
