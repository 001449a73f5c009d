package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capturehost/hostpipeline/internal/locks"
)

func TestRegisterThenGetAllHostsReturnsIt(t *testing.T) {
	reg := New(locks.New())
	now := time.Now()

	reg.Register(Host{HostName: "host-1", HostURL: "http://10.0.0.1:8080", Devices: []Device{{DeviceID: "d1"}}}, now)

	hosts := reg.GetAllHosts(now)
	require.Len(t, hosts, 1)
	assert.Equal(t, "host-1", hosts[0].HostName)
	assert.Equal(t, "online", hosts[0].Status)
}

func TestGetAllHostsExcludesStaleEntries(t *testing.T) {
	reg := New(locks.New())
	now := time.Now()
	reg.Register(Host{HostName: "host-1"}, now)

	hosts := reg.GetAllHosts(now.Add(StaleAfter + time.Second))
	assert.Empty(t, hosts)
}

func TestPingRefreshesLastSeenAndStats(t *testing.T) {
	reg := New(locks.New())
	now := time.Now()
	reg.Register(Host{HostName: "host-1"}, now)

	ok := reg.Ping("host-1", map[string]any{"cpu_percent": 12.5}, now.Add(time.Minute))
	assert.True(t, ok)

	host, found := reg.Get("host-1")
	require.True(t, found)
	assert.Equal(t, 12.5, host.SystemStats["cpu_percent"])
}

func TestPingUnknownHostReportsNotFound(t *testing.T) {
	reg := New(locks.New())
	assert.False(t, reg.Ping("ghost", nil, time.Now()))
}

func TestUnregisterRemovesHostAndReleasesLocks(t *testing.T) {
	lockMgr := locks.New()
	reg := New(lockMgr)
	now := time.Now()
	reg.Register(Host{HostName: "host-1", Devices: []Device{{DeviceID: "d1"}}}, now)
	lockMgr.Acquire("d1", "host-1", now)

	ok := reg.Unregister("host-1")
	assert.True(t, ok)

	_, found := reg.Get("host-1")
	assert.False(t, found)
	_, locked := lockMgr.Status("d1")
	assert.False(t, locked)
}

func TestUnregisterUnknownHostReportsFalse(t *testing.T) {
	reg := New(locks.New())
	assert.False(t, reg.Unregister("ghost"))
}

func TestGetAllHostsProjectsLockState(t *testing.T) {
	lockMgr := locks.New()
	reg := New(lockMgr)
	now := time.Now()
	reg.Register(Host{HostName: "host-1", Devices: []Device{{DeviceID: "d1"}}}, now)
	lockMgr.Acquire("d1", "operator-a", now)

	hosts := reg.GetAllHosts(now)
	require.Len(t, hosts, 1)
	assert.True(t, hosts[0].IsLocked)
	assert.Equal(t, "operator-a", hosts[0].LockedBy)
	require.NotNil(t, hosts[0].LockedAt)
}

func TestCleanupStaleHostsEvictsAndReleasesLocks(t *testing.T) {
	lockMgr := locks.New()
	reg := New(lockMgr)
	now := time.Now()
	reg.Register(Host{HostName: "host-1", Devices: []Device{{DeviceID: "d1"}}}, now)
	lockMgr.Acquire("d1", "host-1", now)

	evicted := reg.CleanupStaleHosts(now.Add(StaleAfter + time.Second))
	assert.Equal(t, []string{"host-1"}, evicted)

	_, locked := lockMgr.Status("d1")
	assert.False(t, locked)
}
