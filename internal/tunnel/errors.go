package tunnel

import "errors"

// Error kinds surfaced by the SSH control plane. These mirror the
// error-kind taxonomy the rest of the gateway uses: a Registry
// collision, a failed device-flow verification, an unreachable local
// service, and an invalid requested subdomain.
var (
	// ErrAuthFailed means device-flow verification failed or expired.
	ErrAuthFailed = errors.New("tunnel: device-flow verification failed")
	// ErrLocalServiceUnreachable means probing the client's forwarded
	// endpoint failed before a tunnel was registered.
	ErrLocalServiceUnreachable = errors.New("tunnel: local service unreachable")
	// ErrInvalidSubdomain means the SSH username did not pass the
	// subdomain grammar.
	ErrInvalidSubdomain = errors.New("tunnel: requested subdomain is invalid")
	// ErrRateLimited means this client IP has started device flow too
	// many times recently.
	ErrRateLimited = errors.New("tunnel: device-flow start rate limited")
)
