package tunnel

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunnelgate/gateway/internal/deviceflow"
)

// spinnerInterval is how often the in-place "waiting for activation"
// indicator is refreshed while polling.
const spinnerInterval = 100 * time.Millisecond

// maxConflictRetries bounds how many times create_tunnel is retried
// with a freshly generated random subdomain after an implicit (not
// user-chosen) collision.
const maxConflictRetries = 3

// runVerificationWorker polls the external device-flow service for
// code's verdict while animating a spinner on the session channel, then
// either materializes every queued tunnel or fails the session.
// Cancellation arrives via s.state.cancelCh, closed once by cleanup.
func runVerificationWorker(ctx context.Context, s *session, code string) {
	done := make(chan struct{})
	go runSpinner(s, done)
	defer close(done)

	type pollResult struct {
		user deviceflow.VerifiedUser
		err  error
	}
	resultCh := make(chan pollResult, 1)
	go func() {
		user, err := s.deviceFlow.PollUntilVerified(ctx, code)
		resultCh <- pollResult{user: user, err: err}
	}()

	select {
	case <-s.state.cancelCh:
		return
	case res := <-resultCh:
		if res.err != nil {
			handleVerificationFailure(s, res.err.Error())
			return
		}
		handleVerificationSuccess(ctx, s, res.user)
	}
}

func runSpinner(s *session, done <-chan struct{}) {
	ticker := time.NewTicker(spinnerInterval)
	defer ticker.Stop()
	tick := 0
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.state.mu.Lock()
			ch := s.state.sessionChannel
			has := s.state.hasChannel
			s.state.mu.Unlock()
			if has {
				_, _ = ch.Write([]byte(spinnerFrame(tick)))
			}
			tick++
		}
	}
}

func handleVerificationFailure(s *session, reason string) {
	s.state.mu.Lock()
	s.state.status = Failed
	s.state.failReason = reason
	s.state.mu.Unlock()

	s.sendOrDefer(authFailedMessage(reason))
	time.Sleep(disconnectGrace)
	s.handle.Disconnect(reason)
}

func handleVerificationSuccess(ctx context.Context, s *session, user deviceflow.VerifiedUser) {
	s.state.seedVerified(user.UserID, user.DisplayName, nil)

	s.state.mu.Lock()
	pending := append([]pendingTunnel(nil), s.state.pendingTunnels...)
	s.state.pendingTunnels = nil
	s.state.mu.Unlock()

	var createdURLs []string
	var created []deviceflow.RegisterTunnelRequest

	for _, p := range pending {
		probe, err := s.handle.OpenForwardedChannel(p.Address, p.Port, "127.0.0.1", 0)
		if err != nil {
			s.sendOrDefer(portErrorMessage(p.Address, p.Port))
			time.Sleep(disconnectGrace)
			s.handle.Disconnect("local service unreachable")
			return
		}
		_ = probe.Close()

		result := createTunnel(s.registry, s.handle, s.state, s.peerIP, s.fingerprint, p.Address, p.Port, false)
		for attempt := 0; !result.Success && !result.Explicit && attempt < maxConflictRetries; attempt++ {
			log.Debug().Str("conflicting", result.Conflicting).Msg("implicit subdomain conflict, retrying with random name")
			result = createTunnel(s.registry, s.handle, s.state, s.peerIP, s.fingerprint, p.Address, p.Port, true)
		}

		if !result.Success {
			if result.Explicit && errors.Is(result.Err, ErrInvalidSubdomain) {
				s.sendOrDefer(invalidSubdomainMessage(result.Requested))
				time.Sleep(disconnectGrace)
				s.handle.Disconnect("invalid subdomain")
				return
			}
			if result.Explicit {
				s.sendOrDefer(conflictMessage(result.Conflicting))
				time.Sleep(disconnectGrace)
				s.handle.Disconnect("subdomain already in use")
				return
			}
			log.Warn().Err(result.Err).Str("address", p.Address).Uint32("port", p.Port).Msg("failed to create tunnel after retries")
			continue
		}

		createdURLs = append(createdURLs, buildTunnelURL(s.baseURL, result.Subdomain))
		created = append(created, deviceflow.RegisterTunnelRequest{
			Subdomain:        result.Subdomain,
			UserID:           user.UserID,
			SessionID:        s.id,
			RequestedAddress: p.Address,
			RequestedPort:    p.Port,
			ServerPort:       80,
			ClientIP:         s.peerIP,
		})
	}

	if len(createdURLs) > 0 {
		s.sendOrDefer(successMessage(createdURLs))
	}
	for _, req := range created {
		s.deviceFlow.RegisterTunnel(ctx, req)
	}
}
