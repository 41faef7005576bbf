package tunnel

import (
	"errors"
	"time"

	"github.com/tunnelgate/gateway/internal/registry"
)

// createResult reports the outcome of createTunnel.
type createResult struct {
	Success     bool
	Subdomain   string
	IsReconnect bool
	Conflicting string
	Requested   string // the raw requested subdomain, set only when Err is ErrInvalidSubdomain
	Explicit    bool
	Err         error
}

// createTunnel is the subroutine shared by the handler (synchronous
// path, already Verified) and the verification worker (draining
// pendingTunnels after a fresh verification). It never holds
// sessionState's lock across the Registry call.
//
// forceRandom skips subdomain reuse entirely and always generates a
// fresh random name; it is used by retry-after-implicit-conflict.
func createTunnel(reg *registry.Registry, handle registry.Handle, state *sessionState, peerIP, fingerprint string, address string, port uint32, forceRandom bool) createResult {
	var subdomain string
	var isReconnect bool
	var explicit bool

	if !forceRandom {
		state.mu.Lock()
		requested := state.requestedSubdomain
		last := state.lastSubdomains[port]
		state.mu.Unlock()

		switch {
		case requested != "":
			explicit = true
			normalized := registry.NormalizeSubdomain(requested)
			if !registry.ValidateSubdomain(normalized) {
				return createResult{Err: ErrInvalidSubdomain, Explicit: true, Requested: requested}
			}
			subdomain = normalized
			isReconnect = subdomain == last && last != ""
		case last != "":
			subdomain = last
			isReconnect = true
		}
	}

	if subdomain == "" {
		state.mu.Lock()
		counter := state.subdomainCounter
		state.subdomainCounter++
		state.mu.Unlock()

		generated, err := registry.GenerateSubdomain(counter)
		if err != nil {
			return createResult{Err: err}
		}
		subdomain = generated
	}

	if isReconnect {
		_, err := reg.Remove(subdomain)
		if err != nil && !errors.Is(err, registry.ErrNotFound) {
			return createResult{Err: err}
		}
	}

	snap := state.snapshot()
	username := snap.userID
	if username == "" {
		username = "anonymous"
	}

	info := registry.TunnelInfo{
		Subdomain:        subdomain,
		Handle:           handle,
		RequestedAddress: address,
		RequestedPort:    port,
		ServerPort:       80,
		Username:         username,
		ClientIP:         peerIP,
		CreatedAt:        time.Now().UTC(),
	}

	if err := reg.Register(info); err != nil {
		if errors.Is(err, registry.ErrSubdomainTaken) {
			return createResult{Conflicting: subdomain, Explicit: explicit, Err: registry.ErrSubdomainTaken}
		}
		return createResult{Err: err}
	}

	state.mu.Lock()
	state.registeredSubdomains = append(state.registeredSubdomains, subdomain)
	state.lastSubdomains[port] = subdomain
	state.forwardedPorts[port] = subdomain
	state.mu.Unlock()

	if fingerprint != "" {
		reg.SaveVerifiedKey(fingerprint, username, snap.displayName, port, subdomain)
	}

	return createResult{Success: true, Subdomain: subdomain, IsReconnect: isReconnect}
}
