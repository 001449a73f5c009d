package eventbus

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	name string
	mu   sync.Mutex
	got  []Event
}

func (c *recordingConsumer) Name() string { return c.name }

func (c *recordingConsumer) ProcessEvent(event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.got = append(c.got, event)
	return nil
}

func (c *recordingConsumer) events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, len(c.got))
	copy(out, c.got)
	return out
}

func TestPublishWithoutConsumersIsDropped(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Shutdown(time.Second)

	ok := b.Publish(Event{Kind: KindZapDetected})
	assert.False(t, ok)
}

func TestPublishDeliversToRegisteredConsumer(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Shutdown(time.Second)

	c := &recordingConsumer{name: "test"}
	require.NoError(t, b.RegisterConsumer(c))

	ok := b.Publish(Event{
		Kind:     KindIncidentTransition,
		DeviceID: "device1",
		Payload:  IncidentTransition{Kind: "blackscreen", From: "PENDING", To: "ACTIVE"},
	})
	assert.True(t, ok)

	require.Eventually(t, func() bool { return len(c.events()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestRegisterConsumerRejectsDuplicateName(t *testing.T) {
	b := New(DefaultConfig())
	defer b.Shutdown(time.Second)

	require.NoError(t, b.RegisterConsumer(&recordingConsumer{name: "dup"}))
	err := b.RegisterConsumer(&recordingConsumer{name: "dup"})
	assert.Error(t, err)
}

func TestShutdownStopsAcceptingEvents(t *testing.T) {
	b := New(DefaultConfig())
	require.NoError(t, b.RegisterConsumer(&recordingConsumer{name: "c"}))
	require.NoError(t, b.Shutdown(time.Second))

	ok := b.Publish(Event{Kind: KindZapDetected})
	assert.False(t, ok)
}
