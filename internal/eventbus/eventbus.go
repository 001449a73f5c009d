// Package eventbus provides an asynchronous, non-blocking pub/sub bus
// decoupling incident-state transitions and zap detections from the
// consumers that react to them (notification fan-out, metrics). Adapted
// from the teacher's internal/events package: same buffered-channel +
// worker-pool + drop-when-full shape, generalized from a single
// ErrorEvent type to a typed Event envelope carrying any domain payload.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/capturehost/hostpipeline/internal/errors"
	"github.com/capturehost/hostpipeline/internal/logging"
)

// Kind identifies the domain event carried by an Event envelope.
type Kind string

const (
	KindIncidentTransition Kind = "incident_transition"
	KindZapDetected        Kind = "zap_detected"
)

// Event is the envelope every consumer receives. Payload is one of
// IncidentTransition or ZapDetected depending on Kind.
type Event struct {
	Kind      Kind
	HostName  string
	DeviceID  string
	Timestamp time.Time
	Payload   any
}

// IncidentTransition is published by the incident manager on a first
// detection (NORMAL -> PENDING) and on a clear (ACTIVE_OR_PENDING ->
// NORMAL) for a device/kind pair (spec.md §4.4). Graduation from PENDING
// to ACTIVE is not published.
type IncidentTransition struct {
	DeviceName string
	Kind       string // blackscreen|freeze|audio_loss|macroblocks
	From       string // NORMAL|ACTIVE_OR_PENDING
	To         string // PENDING|NORMAL
	IncidentID uint   // not set by the incident manager; always 0
}

// ZapDetected is published whenever the zapping detector confirms a
// channel change (spec.md §4.7).
type ZapDetected struct {
	DeviceName    string
	ChannelName   string
	ChannelNumber string
	Confidence    float64
}

// Consumer processes events delivered by the bus. ProcessEvent must not
// block for long; the bus runs a fixed worker pool shared by every
// consumer.
type Consumer interface {
	Name() string
	ProcessEvent(event Event) error
}

// Config controls the bus's buffering and concurrency.
type Config struct {
	BufferSize int
	Workers    int
}

// DefaultConfig mirrors the teacher's defaults, scaled down: this bus
// carries orders of magnitude fewer events than a frame-level error bus.
func DefaultConfig() Config {
	return Config{BufferSize: 500, Workers: 2}
}

// Stats exposes runtime counters for monitoring.
type Stats struct {
	Received uint64
	Processed uint64
	Dropped   uint64
	ConsumerErrors uint64
}

// Bus is a running event dispatcher.
type Bus struct {
	eventChan chan Event
	workers   int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	consumers []Consumer
	running   atomic.Bool

	stats Stats

	logger *slog.Logger
}

// New creates a bus and starts its worker pool immediately; consumers may
// be registered at any time afterward.
func New(cfg Config) *Bus {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = DefaultConfig().BufferSize
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &Bus{
		eventChan: make(chan Event, cfg.BufferSize),
		workers:   cfg.Workers,
		ctx:       ctx,
		cancel:    cancel,
		logger:    logging.ForService("eventbus"),
	}
	b.start()
	return b
}

// RegisterConsumer adds a consumer. Registering the same name twice is an
// error.
func (b *Bus) RegisterConsumer(c Consumer) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, existing := range b.consumers {
		if existing.Name() == c.Name() {
			return errors.Newf("consumer %q already registered", c.Name()).
				Component("eventbus").Category(errors.CategoryConfiguration).Build()
		}
	}
	b.consumers = append(b.consumers, c)
	b.logger.Info("registered event consumer", "consumer", c.Name())
	return nil
}

// Publish attempts to enqueue event without blocking. It reports false if
// the bus has no registered consumers yet, or the buffer is full.
func (b *Bus) Publish(event Event) bool {
	if b == nil || !b.running.Load() {
		return false
	}

	b.mu.Lock()
	hasConsumers := len(b.consumers) > 0
	b.mu.Unlock()
	if !hasConsumers {
		return false
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.eventChan <- event:
		atomic.AddUint64(&b.stats.Received, 1)
		return true
	default:
		atomic.AddUint64(&b.stats.Dropped, 1)
		b.logger.Debug("event dropped, buffer full", "kind", event.Kind, "device", event.DeviceID)
		return false
	}
}

func (b *Bus) start() {
	if b.running.Swap(true) {
		return
	}
	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.worker(i)
	}
}

func (b *Bus) worker(id int) {
	defer b.wg.Done()
	logger := b.logger.With("worker_id", id)

	for {
		select {
		case <-b.ctx.Done():
			return
		case event, ok := <-b.eventChan:
			if !ok {
				return
			}
			b.dispatch(event, logger)
		}
	}
}

func (b *Bus) dispatch(event Event, logger *slog.Logger) {
	b.mu.Lock()
	consumers := make([]Consumer, len(b.consumers))
	copy(consumers, b.consumers)
	b.mu.Unlock()

	for _, c := range consumers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					atomic.AddUint64(&b.stats.ConsumerErrors, 1)
					logger.Error("consumer panicked", "consumer", c.Name(), "panic", r, "kind", event.Kind)
				}
			}()
			if err := c.ProcessEvent(event); err != nil {
				atomic.AddUint64(&b.stats.ConsumerErrors, 1)
				logger.Error("consumer error", "consumer", c.Name(), "error", err, "kind", event.Kind)
				return
			}
			atomic.AddUint64(&b.stats.Processed, 1)
		}()
	}
}

// Shutdown stops accepting new events and waits for in-flight events to
// drain, up to timeout.
func (b *Bus) Shutdown(timeout time.Duration) error {
	if b == nil || !b.running.Swap(false) {
		return nil
	}
	b.cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.Newf("eventbus shutdown timeout exceeded").
			Component("eventbus").Category(errors.CategoryTimeout).Build()
	}
}

// GetStats returns a snapshot of the bus's counters.
func (b *Bus) GetStats() Stats {
	if b == nil {
		return Stats{}
	}
	return Stats{
		Received:       atomic.LoadUint64(&b.stats.Received),
		Processed:      atomic.LoadUint64(&b.stats.Processed),
		Dropped:        atomic.LoadUint64(&b.stats.Dropped),
		ConsumerErrors: atomic.LoadUint64(&b.stats.ConsumerErrors),
	}
}
