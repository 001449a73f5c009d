// Package registry is the in-memory host/device registry the central
// server keeps (spec.md §4.8): `/register`, `/ping`, `/unregister`,
// `/getAllHosts`, `/health`, with 120-second stale-host eviction.
//
// Grounded on the teacher's in-memory-map-with-TTL idiom
// (internal/datastore/resource_monitor.go's background sweep) and
// internal/mqtt's device-registration shape, generalized from "discovered
// MQTT devices" to "registered capture hosts".
package registry

import (
	"sync"
	"time"

	"github.com/capturehost/hostpipeline/internal/locks"
	"github.com/capturehost/hostpipeline/internal/logging"
)

// StaleAfter is how long a host may go unpinged before cleanup_stale_hosts
// evicts it (spec.md §4.8).
const StaleAfter = 120 * time.Second

// Device describes one capture device a host registered.
type Device struct {
	DeviceID                 string   `json:"device_id"`
	DeviceName               string   `json:"device_name"`
	DeviceModel              string   `json:"device_model"`
	DeviceCapabilities       []string `json:"device_capabilities"`
	DeviceVerificationTypes  []string `json:"device_verification_types"`
	DeviceActionTypes        []string `json:"device_action_types"`
}

// Host is one registered capture host, projected for `/getAllHosts` reads.
type Host struct {
	HostName string   `json:"host_name"`
	HostURL  string   `json:"host_url"`
	HostPort int      `json:"host_port,omitempty"`
	Devices  []Device `json:"devices"`
	Status   string   `json:"status"`
	LastSeen time.Time `json:"last_seen"`

	SystemStats map[string]any `json:"system_stats,omitempty"`

	// Fast-read lock projection, kept in sync with the locks.Manager on
	// every registry read so UI consumers don't need a second round trip.
	IsLocked bool       `json:"isLocked"`
	LockedBy string     `json:"lockedBy,omitempty"`
	LockedAt *time.Time `json:"lockedAt,omitempty"`
}

// Registry is the server-side in-memory host map.
type Registry struct {
	mu    sync.RWMutex
	hosts map[string]*Host
	locks *locks.Manager

	logger interface {
		Info(msg string, args ...any)
		Warn(msg string, args ...any)
	}
}

// New builds an empty registry backed by the given lock manager.
func New(lockMgr *locks.Manager) *Registry {
	return &Registry{
		hosts:  map[string]*Host{},
		locks:  lockMgr,
		logger: logging.ForService("registry"),
	}
}

// Register records or replaces a host's entry. Re-registering an already
// known host replaces its device list and resets last_seen.
func (r *Registry) Register(host Host, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	host.Status = "online"
	host.LastSeen = now
	r.hosts[host.HostName] = &host
	r.logger.Info("host registered", "host", host.HostName, "devices", len(host.Devices))
}

// Unregister drops hostName from the map and releases any device locks it
// held, so they don't outlive the host. Reports whether the host existed.
func (r *Registry) Unregister(hostName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, found := r.hosts[hostName]; !found {
		return false
	}
	delete(r.hosts, hostName)
	if r.locks != nil {
		r.locks.ReleaseAllOwnedBy(hostName)
	}
	r.logger.Info("host unregistered", "host", hostName)
	return true
}

// Ping refreshes last_seen and system_stats for an already-registered
// host. Reports whether the host was found.
func (r *Registry) Ping(hostName string, systemStats map[string]any, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	host, found := r.hosts[hostName]
	if !found {
		return false
	}
	host.LastSeen = now
	host.Status = "online"
	if systemStats != nil {
		host.SystemStats = systemStats
	}
	return true
}

// GetAllHosts returns every host whose last_seen is within StaleAfter of
// now, with the lock projection filled in from the lock manager.
func (r *Registry) GetAllHosts(now time.Time) []Host {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Host, 0, len(r.hosts))
	for _, host := range r.hosts {
		if now.Sub(host.LastSeen) >= StaleAfter {
			continue
		}
		out = append(out, r.projectLocks(*host))
	}
	return out
}

// Get returns a single host's entry with its lock projection filled in.
func (r *Registry) Get(hostName string) (Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	host, found := r.hosts[hostName]
	if !found {
		return Host{}, false
	}
	return r.projectLocks(*host), true
}

func (r *Registry) projectLocks(host Host) Host {
	if r.locks == nil {
		return host
	}
	for _, device := range host.Devices {
		if lock, locked := r.locks.Status(device.DeviceID); locked {
			host.IsLocked = true
			host.LockedBy = lock.OwnerID
			lockedAt := lock.LockedAt
			host.LockedAt = &lockedAt
			break
		}
	}
	return host
}

// CleanupStaleHosts evicts every host not pinged within StaleAfter of now,
// releasing any device locks they held. Returns the evicted host names.
func (r *Registry) CleanupStaleHosts(now time.Time) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var evicted []string
	for name, host := range r.hosts {
		if now.Sub(host.LastSeen) < StaleAfter {
			continue
		}
		delete(r.hosts, name)
		if r.locks != nil {
			r.locks.ReleaseAllOwnedBy(name)
		}
		evicted = append(evicted, name)
	}
	if len(evicted) > 0 {
		r.logger.Warn("evicted stale hosts", "count", len(evicted), "hosts", evicted)
	}
	return evicted
}

// RunCleanupLoop periodically calls CleanupStaleHosts until ctxDone fires.
func (r *Registry) RunCleanupLoop(interval time.Duration, ctxDone <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctxDone:
			return
		case t := <-ticker.C:
			r.CleanupStaleHosts(t)
		}
	}
}
