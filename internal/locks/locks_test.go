package locks

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAcquireGrantsToFirstCaller(t *testing.T) {
	m := New()
	lock, ok := m.Acquire("device1", "host-a", time.Now())
	assert.True(t, ok)
	assert.Equal(t, "host-a", lock.OwnerID)
}

func TestAcquireByDifferentOwnerFails(t *testing.T) {
	m := New()
	now := time.Now()
	m.Acquire("device1", "host-a", now)

	_, ok := m.Acquire("device1", "host-b", now.Add(time.Second))
	assert.False(t, ok)

	status, locked := m.Status("device1")
	assert.True(t, locked)
	assert.Equal(t, "host-a", status.OwnerID)
}

func TestAcquireBySameOwnerRefreshesTimestamp(t *testing.T) {
	m := New()
	now := time.Now()
	m.Acquire("device1", "host-a", now)

	later := now.Add(time.Minute)
	lock, ok := m.Acquire("device1", "host-a", later)
	assert.True(t, ok)
	assert.Equal(t, later, lock.LockedAt)
}

func TestReleaseByWrongOwnerFails(t *testing.T) {
	m := New()
	now := time.Now()
	m.Acquire("device1", "host-a", now)

	assert.False(t, m.Release("device1", "host-b"))
	_, locked := m.Status("device1")
	assert.True(t, locked)
}

func TestReleaseByOwnerUnlocks(t *testing.T) {
	m := New()
	now := time.Now()
	m.Acquire("device1", "host-a", now)

	assert.True(t, m.Release("device1", "host-a"))
	_, locked := m.Status("device1")
	assert.False(t, locked)
}

func TestReleaseAllOwnedByDropsOnlyThatOwner(t *testing.T) {
	m := New()
	now := time.Now()
	m.Acquire("device1", "host-a", now)
	m.Acquire("device2", "host-b", now)

	m.ReleaseAllOwnedBy("host-a")

	_, locked1 := m.Status("device1")
	assert.False(t, locked1)
	_, locked2 := m.Status("device2")
	assert.True(t, locked2)
}
