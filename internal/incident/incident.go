// Package incident implements the single-writer-per-host incident state
// machine: NORMAL -> PENDING -> ACTIVE -> NORMAL per device/kind, with a
// 300-second debounce before an incident is persisted. Grounded on the
// teacher's internal/datastore interface-first access pattern (DB calls
// behind a narrow interface, sentinel-free error handling) and
// internal/eventbus for side-effect publication, generalized from
// detection-confidence bookkeeping to device health state.
package incident

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/capturehost/hostpipeline/internal/dbstore"
	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/eventbus"
	"github.com/capturehost/hostpipeline/internal/logging"
)

// Kind is one of the device-health conditions the manager tracks.
type Kind string

const (
	KindBlackscreen Kind = "blackscreen"
	KindFreeze      Kind = "freeze"
	KindAudioLoss   Kind = "audio_loss"
)

// Transition records what process_detection did for one kind during a
// single call, so the caller can fire edge-triggered side effects.
type Transition string

const (
	TransitionFirstDetected Transition = "first_detected"
	TransitionCleared       Transition = "cleared"
)

// DebounceWindow is the time a condition must persist in PENDING before a
// DB row is created and the incident becomes ACTIVE (spec.md §4.4).
const DebounceWindow = 300 * time.Second

// DetectionInput is the subset of a frame's detector output the state
// machine reacts to.
type DetectionInput struct {
	Blackscreen           bool
	BlackscreenPercentage float64
	Freeze                bool
	FreezeDiffs           []float64
	AudioPresent          bool
	VolumePercentage      *float64
	MeanVolumeDB          *float64
	QualityScore          *float64
}

// DeviceContext carries the metadata persisted alongside a new incident
// row.
type DeviceContext struct {
	HostName     string
	DeviceID     string
	DeviceName   string
	CapturePath  string
	StreamPath   string
	IsHostDevice bool // host devices have no audio_loss tracking
	FrameURL     string
	ThumbnailURL string
}

type deviceState struct {
	mu       sync.Mutex
	active   map[Kind]uint      // kind -> incident DB id
	pending  map[Kind]time.Time // kind -> first-detected timestamp
}

func newDeviceState() *deviceState {
	return &deviceState{active: map[Kind]uint{}, pending: map[Kind]time.Time{}}
}

// Manager is the per-host incident state machine.
type Manager struct {
	store dbstore.IncidentStore
	bus   *eventbus.Bus

	mu      sync.Mutex
	devices map[string]*deviceState

	logger interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}
}

// New creates a Manager backed by store (dbstore.NullStore is a valid
// choice when no database is configured) and publishing transitions to
// bus.
func New(store dbstore.IncidentStore, bus *eventbus.Bus) *Manager {
	if store == nil {
		store = dbstore.NullStore{}
	}
	return &Manager{
		store:   store,
		bus:     bus,
		devices: map[string]*deviceState{},
		logger:  logging.ForService("incident"),
	}
}

func (m *Manager) stateFor(deviceID string) *deviceState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ds, ok := m.devices[deviceID]
	if !ok {
		ds = newDeviceState()
		m.devices[deviceID] = ds
	}
	return ds
}

// trackedKinds returns the kinds evaluated for this device, per spec.md
// §4.4's "[blackscreen, freeze] + (['audio_loss'] if not host_device)".
func trackedKinds(ctx DeviceContext) []Kind {
	kinds := []Kind{KindBlackscreen, KindFreeze}
	if !ctx.IsHostDevice {
		kinds = append(kinds, KindAudioLoss)
	}
	return kinds
}

func detected(kind Kind, in DetectionInput) bool {
	switch kind {
	case KindBlackscreen:
		return in.Blackscreen
	case KindFreeze:
		return in.Freeze
	case KindAudioLoss:
		return !in.AudioPresent
	default:
		return false
	}
}

// ProcessDetection runs one frame's detection result through the state
// machine for ctx.DeviceID and returns the transitions that occurred, keyed
// by kind.
func (m *Manager) ProcessDetection(ctx DeviceContext, in DetectionInput, now time.Time) map[Kind]Transition {
	ds := m.stateFor(ctx.DeviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	transitions := map[Kind]Transition{}
	for _, kind := range trackedKinds(ctx) {
		if t := m.processKind(ds, ctx, kind, in, now); t != "" {
			transitions[kind] = t
		}
	}

	m.publishTransitions(ctx, transitions)
	return transitions
}

// ProcessAudioDetection runs only the audio_loss kind through the state
// machine, independent of blackscreen/freeze. The audio detector worker
// (spec.md §4.6.4) fires on its own 5-second cadence decoupled from frame
// processing, so it must not fall back to the zero-value blackscreen/freeze
// fields ProcessDetection would otherwise see and wrongly clear. Host
// devices never track audio_loss (spec.md §4.4) and are a no-op here.
func (m *Manager) ProcessAudioDetection(ctx DeviceContext, audioPresent bool, meanVolumeDB *float64, now time.Time) Transition {
	if ctx.IsHostDevice {
		return ""
	}
	ds := m.stateFor(ctx.DeviceID)
	ds.mu.Lock()
	defer ds.mu.Unlock()

	in := DetectionInput{AudioPresent: audioPresent, MeanVolumeDB: meanVolumeDB}
	t := m.processKind(ds, ctx, KindAudioLoss, in, now)
	if t != "" {
		m.publishTransitions(ctx, map[Kind]Transition{KindAudioLoss: t})
	}
	return t
}

// processKind evaluates a single kind against the already-locked device
// state, returning the transition that occurred (if any). Caller holds
// ds.mu.
func (m *Manager) processKind(ds *deviceState, ctx DeviceContext, kind Kind, in DetectionInput, now time.Time) Transition {
	isDetected := detected(kind, in)

	if isDetected {
		if _, isActive := ds.active[kind]; isActive {
			return ""
		}
		firstSeen, isPending := ds.pending[kind]
		if isPending {
			if now.Sub(firstSeen) >= DebounceWindow {
				id, err := m.store.CreateActive(buildIncidentRow(ctx, kind, in, firstSeen))
				if err != nil {
					m.logger.Warn("create incident failed", "device", ctx.DeviceID, "kind", kind, "error", err)
					return ""
				}
				ds.active[kind] = id
				delete(ds.pending, kind)
			}
			return ""
		}
		ds.pending[kind] = now
		return TransitionFirstDetected
	}

	if id, isActive := ds.active[kind]; isActive {
		if err := m.store.Resolve(id); err != nil {
			m.logger.Warn("resolve incident failed", "device", ctx.DeviceID, "kind", kind, "error", err)
		}
		delete(ds.active, kind)
		return TransitionCleared
	}
	if _, isPending := ds.pending[kind]; isPending {
		delete(ds.pending, kind)
		return TransitionCleared
	}
	return ""
}

func (m *Manager) publishTransitions(ctx DeviceContext, transitions map[Kind]Transition) {
	if m.bus == nil {
		return
	}
	for kind, t := range transitions {
		from, to := "NORMAL", "PENDING"
		if t == TransitionCleared {
			from, to = "ACTIVE_OR_PENDING", "NORMAL"
		}
		m.bus.Publish(eventbus.Event{
			Kind:     eventbus.KindIncidentTransition,
			HostName: ctx.HostName,
			DeviceID: ctx.DeviceID,
			Payload: eventbus.IncidentTransition{
				DeviceName: ctx.DeviceName,
				Kind:       string(kind),
				From:       from,
				To:         to,
			},
		})
	}
}

func buildIncidentRow(ctx DeviceContext, kind Kind, in DetectionInput, startedAt time.Time) dbstore.Incident {
	row := dbstore.Incident{
		HostName:     ctx.HostName,
		DeviceID:     ctx.DeviceID,
		DeviceName:   ctx.DeviceName,
		Kind:         string(kind),
		CapturePath:  ctx.CapturePath,
		StreamPath:   ctx.StreamPath,
		FrameURL:     ctx.FrameURL,
		ThumbnailURL: ctx.ThumbnailURL,
		StartedAt:    startedAt,
	}

	switch kind {
	case KindBlackscreen:
		pct := in.BlackscreenPercentage
		row.BlackscreenPercentage = &pct
	case KindFreeze:
		if diffs, err := json.Marshal(in.FreezeDiffs); err == nil {
			row.FreezeDiffs = string(diffs)
		}
	case KindAudioLoss:
		row.VolumePercentage = in.VolumePercentage
		row.MeanVolumeDB = in.MeanVolumeDB
	}
	row.QualityScore = in.QualityScore
	return row
}

// ResolveAllOnStartup pages every ACTIVE incident this host owns and
// resolves them, per spec.md §4.4's cold-boot policy: conditions that
// persist will simply re-create after the debounce window elapses.
func (m *Manager) ResolveAllOnStartup(hostName string) error {
	if err := m.store.ResolveAllActiveForHost(hostName); err != nil {
		return errors.Newf("resolve incidents on startup: %w", err).
			Component("incident").Category(errors.CategoryIncident).Build()
	}
	return nil
}

// CleanupOrphaned resolves any in-memory ACTIVE incident whose device is
// no longer in monitoredDeviceIDs and drops its tracked state entirely.
func (m *Manager) CleanupOrphaned(monitoredDeviceIDs map[string]bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for deviceID, ds := range m.devices {
		if monitoredDeviceIDs[deviceID] {
			continue
		}
		ds.mu.Lock()
		for kind, id := range ds.active {
			if err := m.store.Resolve(id); err != nil {
				m.logger.Warn("orphan resolve failed", "device", deviceID, "kind", kind, "error", err)
			}
		}
		ds.mu.Unlock()
		delete(m.devices, deviceID)
	}
}
