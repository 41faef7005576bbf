package registry

import (
	"sync"
	"time"
)

// Registry is the in-memory store shared by the SSH control plane, the
// HTTP proxy, and the management API. It holds three independent
// tables, each behind its own sync.RWMutex; no operation ever holds
// more than one of the three locks at a time, and none is held across
// network I/O.
type Registry struct {
	tunnelsMu sync.RWMutex
	tunnels   map[string]TunnelInfo

	keysMu sync.RWMutex
	keys   map[string]VerifiedKey // keyed by public-key fingerprint

	limitsMu sync.RWMutex
	limits   map[string]RateLimitEntry // keyed by client IP
}

// New returns an empty Registry.
func New() *Registry {
	return &Registry{
		tunnels: make(map[string]TunnelInfo),
		keys:    make(map[string]VerifiedKey),
		limits:  make(map[string]RateLimitEntry),
	}
}

// Register adds info under info.Subdomain. It fails with
// ErrSubdomainTaken if a connected entry already occupies that
// subdomain; a disconnected entry is overwritten silently (the caller
// is expected to have called Remove first for the reconnect path, but
// Register tolerates a stale disconnected row either way).
func (r *Registry) Register(info TunnelInfo) error {
	r.tunnelsMu.Lock()
	defer r.tunnelsMu.Unlock()

	if existing, ok := r.tunnels[info.Subdomain]; ok && existing.IsConnected {
		return ErrSubdomainTaken
	}
	info.IsConnected = true
	info.DisconnectedAt = time.Time{}
	r.tunnels[info.Subdomain] = info
	return nil
}

// Remove deletes subdomain unconditionally (connected or not) and
// returns the removed entry.
func (r *Registry) Remove(subdomain string) (TunnelInfo, error) {
	r.tunnelsMu.Lock()
	defer r.tunnelsMu.Unlock()

	info, ok := r.tunnels[subdomain]
	if !ok {
		return TunnelInfo{}, ErrNotFound
	}
	delete(r.tunnels, subdomain)
	return info, nil
}

// Get returns the entry for subdomain, connected or not.
func (r *Registry) Get(subdomain string) (TunnelInfo, bool) {
	r.tunnelsMu.RLock()
	defer r.tunnelsMu.RUnlock()
	info, ok := r.tunnels[subdomain]
	return info, ok
}

// List returns a snapshot of every entry, connected or not.
func (r *Registry) List() []TunnelInfo {
	r.tunnelsMu.RLock()
	defer r.tunnelsMu.RUnlock()
	out := make([]TunnelInfo, 0, len(r.tunnels))
	for _, info := range r.tunnels {
		out = append(out, info)
	}
	return out
}

// IsTaken reports whether subdomain has a connected entry. Disconnected
// entries do not count as taken.
func (r *Registry) IsTaken(subdomain string) bool {
	r.tunnelsMu.RLock()
	defer r.tunnelsMu.RUnlock()
	info, ok := r.tunnels[subdomain]
	return ok && info.IsConnected
}

// MarkDisconnected flips IsConnected to false and stamps DisconnectedAt.
// It is a no-op if subdomain is unknown.
func (r *Registry) MarkDisconnected(subdomain string) {
	r.tunnelsMu.Lock()
	defer r.tunnelsMu.Unlock()
	info, ok := r.tunnels[subdomain]
	if !ok {
		return
	}
	info.IsConnected = false
	info.DisconnectedAt = time.Now().UTC()
	r.tunnels[subdomain] = info
}

// SaveVerifiedKey creates or refreshes the verified-key cache entry for
// fingerprint, recording the given port's subdomain for reconnection.
func (r *Registry) SaveVerifiedKey(fingerprint, userID, displayName string, port uint32, subdomain string) {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()

	vk, ok := r.keys[fingerprint]
	if !ok {
		vk = VerifiedKey{Subdomains: make(map[uint32]string)}
	}
	vk.UserID = userID
	vk.DisplayName = displayName
	vk.VerifiedAt = time.Now().UTC()
	if vk.Subdomains == nil {
		vk.Subdomains = make(map[uint32]string)
	}
	vk.Subdomains[port] = subdomain
	r.keys[fingerprint] = vk
}

// GetVerifiedKey returns the cache entry for fingerprint, filtering out
// (and treating as absent) entries older than VerifiedKeyTTL.
func (r *Registry) GetVerifiedKey(fingerprint string) (VerifiedKey, bool) {
	r.keysMu.RLock()
	defer r.keysMu.RUnlock()
	vk, ok := r.keys[fingerprint]
	if !ok {
		return VerifiedKey{}, false
	}
	if time.Since(vk.VerifiedAt) > VerifiedKeyTTL {
		return VerifiedKey{}, false
	}
	return vk, true
}

// CheckAndRecordDeviceFlow is the sole, atomic entry point for
// device-flow start rate limiting: it reports whether ip is currently
// rate limited, and if not, records this attempt in the same critical
// section. The two-call check-then-record form is deliberately not
// exposed.
func (r *Registry) CheckAndRecordDeviceFlow(ip string) (limited bool) {
	r.limitsMu.Lock()
	defer r.limitsMu.Unlock()

	now := time.Now()
	entry, ok := r.limits[ip]
	if ok {
		if now.Sub(entry.LastRequest) < rateLimitMinInterval {
			return true
		}
		if now.Sub(entry.WindowStart) < rateLimitWindow && entry.Attempts >= rateLimitMaxAttempts {
			return true
		}
		if now.Sub(entry.WindowStart) >= rateLimitWindow {
			entry.WindowStart = now
			entry.Attempts = 0
		}
	} else {
		entry = RateLimitEntry{WindowStart: now}
	}

	entry.Attempts++
	entry.LastRequest = now
	r.limits[ip] = entry
	return false
}

// CleanupExpiredTunnels removes entries that have been disconnected for
// at least DisconnectedTunnelTTL.
func (r *Registry) CleanupExpiredTunnels() int {
	r.tunnelsMu.Lock()
	defer r.tunnelsMu.Unlock()
	removed := 0
	for sub, info := range r.tunnels {
		if !info.IsConnected && time.Since(info.DisconnectedAt) >= DisconnectedTunnelTTL {
			delete(r.tunnels, sub)
			removed++
		}
	}
	return removed
}

// CleanupExpiredKeys removes verified-key entries older than VerifiedKeyTTL.
func (r *Registry) CleanupExpiredKeys() int {
	r.keysMu.Lock()
	defer r.keysMu.Unlock()
	removed := 0
	for fp, vk := range r.keys {
		if time.Since(vk.VerifiedAt) > VerifiedKeyTTL {
			delete(r.keys, fp)
			removed++
		}
	}
	return removed
}

// CleanupRateLimits removes rate-limit entries whose window has long
// since closed, bounding the map's size under sustained traffic from
// many distinct IPs.
func (r *Registry) CleanupRateLimits() int {
	r.limitsMu.Lock()
	defer r.limitsMu.Unlock()
	removed := 0
	for ip, entry := range r.limits {
		if time.Since(entry.WindowStart) >= rateLimitWindow && time.Since(entry.LastRequest) >= rateLimitMinInterval {
			delete(r.limits, ip)
			removed++
		}
	}
	return removed
}
