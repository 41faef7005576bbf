package tunnel

import (
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// VerificationStatus is the per-session authentication state machine:
// NotStarted, Pending with an activation code, Verified with the
// resolved identity, or Failed with a reason.
type VerificationStatus int

const (
	NotStarted VerificationStatus = iota
	Pending
	Verified
	Failed
)

func (s VerificationStatus) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Pending:
		return "pending"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// pendingTunnel is a reverse-forward request received before the
// session reached Verified.
type pendingTunnel struct {
	Address string
	Port    uint32
}

// sessionState holds everything shared between a connection's callback
// goroutines and its verification worker. All mutation goes through the
// embedded mutex; the mutex is never held across a channel write or
// network call — callers copy out what they need, unlock, then perform
// I/O.
type sessionState struct {
	mu sync.Mutex

	status      VerificationStatus
	code        string
	userID      string
	displayName string
	failReason  string

	pendingTunnels       []pendingTunnel
	registeredSubdomains []string
	lastSubdomains       map[uint32]string
	forwardedPorts       map[uint32]string // port -> subdomain, this session only
	subdomainCounter     uint32

	requestedSubdomain string // raw SSH username, "" if "."

	sessionChannel ssh.Channel
	hasChannel     bool

	escPressed  bool
	lastEscTime time.Time

	deferredMessage string
	hasDeferred     bool

	cancelOnce sync.Once
	cancelCh   chan struct{}

	cleanupOnce sync.Once
}

func newSessionState(requestedSubdomain string) *sessionState {
	return &sessionState{
		status:             NotStarted,
		lastSubdomains:     make(map[uint32]string),
		forwardedPorts:     make(map[uint32]string),
		requestedSubdomain: requestedSubdomain,
		cancelCh:           make(chan struct{}),
	}
}

// cancelVerification closes the cancellation channel exactly once.
func (s *sessionState) cancelVerification() {
	s.cancelOnce.Do(func() { close(s.cancelCh) })
}

// seedVerified marks the session as already verified from a cached key
// and copies in its known port->subdomain mappings.
func (s *sessionState) seedVerified(userID, displayName string, subdomains map[uint32]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = Verified
	s.userID = userID
	s.displayName = displayName
	for port, sub := range subdomains {
		s.lastSubdomains[port] = sub
	}
}

// stateSnapshot is the subset of sessionState createTunnel needs,
// copied out under the lock so registry/network calls never happen
// while the lock is held.
type stateSnapshot struct {
	status             VerificationStatus
	requestedSubdomain string
	userID             string
	displayName        string
}

func (s *sessionState) snapshot() stateSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return stateSnapshot{
		status:             s.status,
		requestedSubdomain: s.requestedSubdomain,
		userID:             s.userID,
		displayName:        s.displayName,
	}
}
