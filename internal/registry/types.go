// Package registry holds the gateway's three process-wide mutable
// tables — tunnels, verified keys, and rate limits — each behind its
// own reader-writer lock, plus the subdomain grammar shared by the SSH
// control plane and the HTTP proxy.
package registry

import (
	"errors"
	"io"
	"time"
)

// ErrSubdomainTaken is returned by Register when the subdomain already
// has a connected entry.
var ErrSubdomainTaken = errors.New("registry: subdomain taken")

// ErrNotFound is returned by Remove when the subdomain has no entry.
var ErrNotFound = errors.New("registry: tunnel not found")

// Handle is a cheap-to-clone capability onto a live SSH session: it can
// open a forwarded-tcpip channel toward the client and can disconnect
// the session. Registry stores handles by reference; it does not own
// the underlying connection.
type Handle interface {
	// OpenForwardedChannel opens a forwarded-tcpip channel carrying a
	// single TCP-like byte stream from the client's local service back
	// to the caller.
	OpenForwardedChannel(reqAddr string, reqPort uint32, originAddr string, originPort uint32) (io.ReadWriteCloser, error)
	// Disconnect tears down the SSH session with a human-readable reason.
	Disconnect(reason string)
}

// TunnelInfo is the unit of registration, keyed by Subdomain.
type TunnelInfo struct {
	Subdomain string
	Handle    Handle

	RequestedAddress string
	RequestedPort    uint32
	ServerPort       uint32

	Username string
	ClientIP string

	CreatedAt time.Time

	IsConnected    bool
	DisconnectedAt time.Time // zero value while connected
}

// VerifiedKey caches a successful device-flow verification against an
// SSH public-key fingerprint, for 30 minutes.
type VerifiedKey struct {
	UserID      string
	DisplayName string
	VerifiedAt  time.Time
	// Subdomains maps client-side forwarded port to the last subdomain
	// used for that port, enabling reconnection.
	Subdomains map[uint32]string
}

// RateLimitEntry tracks device-flow start attempts from one client IP.
type RateLimitEntry struct {
	LastRequest time.Time
	WindowStart time.Time
	Attempts    int
}

const (
	// VerifiedKeyTTL is how long a verified key remains valid without
	// re-verification.
	VerifiedKeyTTL = 30 * time.Minute
	// DisconnectedTunnelTTL is how long a disconnected tunnel entry is
	// kept before the sweeper removes it, allowing reconnection.
	DisconnectedTunnelTTL = 30 * time.Minute

	rateLimitMinInterval = 10 * time.Second
	rateLimitWindow      = 60 * time.Second
	rateLimitMaxAttempts = 5
)
