// Package deviceflow defines the external device-activation service
// contract and a net/http implementation of it.
package deviceflow

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// VerifiedUser is returned once a code has been ratified by a human at
// the activation page.
type VerifiedUser struct {
	UserID      string
	DisplayName string
}

// RegisterTunnelRequest is the bookkeeping payload sent to the
// activation service once a tunnel has actually been created, purely
// for its own records; the gateway does not depend on the response.
type RegisterTunnelRequest struct {
	Subdomain        string
	UserID           string
	SessionID        string
	RequestedAddress string
	RequestedPort    uint32
	ServerPort       uint32
	ClientIP         string
}

// ErrExpired is returned by PollUntilVerified when the code expires or
// is unrecognized by the activation service before being verified.
var ErrExpired = fmt.Errorf("deviceflow: code expired or not found")

// ErrTimeout is returned by PollUntilVerified after the maximum number
// of poll attempts elapses without a verdict.
var ErrTimeout = fmt.Errorf("deviceflow: timed out waiting for activation")

const (
	pollInterval   = 2 * time.Second
	maxPollAttempt = 150 // 150 * 2s = 5 minutes
)

// Client is the contract the SSH control plane consumes; it is
// satisfied by HTTPClient in production and by fakes in tests.
type Client interface {
	// RegisterCode tells the activation service about a freshly
	// generated code before the user is shown it.
	RegisterCode(ctx context.Context, code, sessionID string) error
	// PollUntilVerified blocks, polling every 2 seconds, until the code
	// is verified, expires, or the attempt budget (150 polls) is spent.
	PollUntilVerified(ctx context.Context, code string) (VerifiedUser, error)
	// GetActivationURL is a pure formatter; it performs no I/O.
	GetActivationURL(code string) string
	// RegisterTunnel and UnregisterTunnel are fire-and-forget
	// bookkeeping calls: implementations log and swallow failures
	// rather than surfacing them to the caller.
	RegisterTunnel(ctx context.Context, req RegisterTunnelRequest)
	UnregisterTunnel(ctx context.Context, subdomain string)
}

// GenerateCode returns an 8-hex-character activation code in
// "XXXX-XXXX" form, drawn from a cryptographic RNG.
func GenerateCode() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("deviceflow: generate code: %w", err)
	}
	s := strings.ToUpper(hex.EncodeToString(b))
	return s[:4] + "-" + s[4:], nil
}
