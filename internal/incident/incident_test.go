package incident

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/dbstore"
)

type fakeStore struct {
	dbstore.NullStore
	nextID    uint
	created   []dbstore.Incident
	resolved  []uint
}

func (f *fakeStore) CreateActive(incident dbstore.Incident) (uint, error) {
	f.nextID++
	f.created = append(f.created, incident)
	return f.nextID, nil
}

func (f *fakeStore) Resolve(id uint) error {
	f.resolved = append(f.resolved, id)
	return nil
}

func baseCtx() DeviceContext {
	return DeviceContext{HostName: "host-1", DeviceID: "device1", DeviceName: "living-room"}
}

func TestFirstDetectionEntersPending(t *testing.T) {
	mgr := New(&fakeStore{}, nil)
	now := time.Now()

	transitions := mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now)
	assert.Equal(t, TransitionFirstDetected, transitions[KindBlackscreen])
}

func TestDebounceGraduatesToActiveAfter300Seconds(t *testing.T) {
	store := &fakeStore{}
	mgr := New(store, nil)
	now := time.Now()

	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now)
	transitions := mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now.Add(299*time.Second))
	assert.NotContains(t, transitions, KindBlackscreen, "must not re-fire first_detected while still pending")
	assert.Empty(t, store.created, "must not create before the debounce window elapses")

	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now.Add(300*time.Second))
	require.Len(t, store.created, 1)
	assert.Equal(t, "blackscreen", store.created[0].Kind)
}

func TestClearingActiveIncidentResolvesAndTransitions(t *testing.T) {
	store := &fakeStore{}
	mgr := New(store, nil)
	now := time.Now()

	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now)
	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now.Add(300*time.Second))
	require.Len(t, store.created, 1)

	transitions := mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: false, AudioPresent: true}, now.Add(310*time.Second))
	assert.Equal(t, TransitionCleared, transitions[KindBlackscreen])
	assert.Len(t, store.resolved, 1)
}

func TestClearingPendingIncidentNeverCreatesRow(t *testing.T) {
	store := &fakeStore{}
	mgr := New(store, nil)
	now := time.Now()

	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now)
	transitions := mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: false, AudioPresent: true}, now.Add(10*time.Second))
	assert.Equal(t, TransitionCleared, transitions[KindBlackscreen])
	assert.Empty(t, store.created)
}

func TestHostDeviceSkipsAudioLossTracking(t *testing.T) {
	mgr := New(&fakeStore{}, nil)
	ctx := baseCtx()
	ctx.IsHostDevice = true

	transitions := mgr.ProcessDetection(ctx, DetectionInput{AudioPresent: false}, time.Now())
	assert.NotContains(t, transitions, KindAudioLoss)
}

func TestNonHostDeviceTracksAudioLoss(t *testing.T) {
	mgr := New(&fakeStore{}, nil)
	transitions := mgr.ProcessDetection(baseCtx(), DetectionInput{AudioPresent: false}, time.Now())
	assert.Equal(t, TransitionFirstDetected, transitions[KindAudioLoss])
}

func TestProcessAudioDetectionLeavesBlackscreenStateUntouched(t *testing.T) {
	store := &fakeStore{}
	mgr := New(store, nil)
	now := time.Now()

	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now)
	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now.Add(300*time.Second))
	require.Len(t, store.created, 1, "blackscreen incident must be active before the audio-only call")

	transition := mgr.ProcessAudioDetection(baseCtx(), false, nil, now.Add(305*time.Second))
	assert.Equal(t, TransitionFirstDetected, transition)

	assert.Empty(t, store.resolved, "audio-only detection must not clear the active blackscreen incident")
}

func TestProcessAudioDetectionSkipsHostDevices(t *testing.T) {
	mgr := New(&fakeStore{}, nil)
	ctx := baseCtx()
	ctx.IsHostDevice = true

	transition := mgr.ProcessAudioDetection(ctx, false, nil, time.Now())
	assert.Equal(t, Transition(""), transition)
}

func TestProcessAudioDetectionGraduatesAndResolvesIndependently(t *testing.T) {
	store := &fakeStore{}
	mgr := New(store, nil)
	now := time.Now()

	mgr.ProcessAudioDetection(baseCtx(), false, nil, now)
	transition := mgr.ProcessAudioDetection(baseCtx(), false, nil, now.Add(300*time.Second))
	assert.Equal(t, Transition(""), transition, "graduation to active produces no transition")
	require.Len(t, store.created, 1)
	assert.Equal(t, "audio_loss", store.created[0].Kind)

	cleared := mgr.ProcessAudioDetection(baseCtx(), true, nil, now.Add(310*time.Second))
	assert.Equal(t, TransitionCleared, cleared)
	assert.Len(t, store.resolved, 1)
}

func TestCleanupOrphanedResolvesAndDropsState(t *testing.T) {
	store := &fakeStore{}
	mgr := New(store, nil)
	now := time.Now()

	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now)
	mgr.ProcessDetection(baseCtx(), DetectionInput{Blackscreen: true, AudioPresent: true}, now.Add(300*time.Second))
	require.Len(t, store.created, 1)

	mgr.CleanupOrphaned(map[string]bool{})
	assert.Len(t, store.resolved, 1)

	_, exists := mgr.devices["device1"]
	assert.False(t, exists)
}
