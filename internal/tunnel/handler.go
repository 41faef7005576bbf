package tunnel

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"

	"github.com/tunnelgate/gateway/internal/deviceflow"
	"github.com/tunnelgate/gateway/internal/registry"
)

// escWindow is how long a second ESC must follow the first to trigger
// disconnect.
const escWindow = 2 * time.Second

// disconnectGrace is how long an error message stays visible before the
// session is torn down.
const disconnectGrace = 3 * time.Second

// session is the per-connection SshSessionHandler: it owns sessionState
// and reacts to the SSH library's global requests and channels.
type session struct {
	id          string
	conn        *ssh.ServerConn
	handle      connHandle
	state       *sessionState
	registry    *registry.Registry
	deviceFlow  deviceflow.Client
	baseURL     string
	peerIP      string
	fingerprint string
}

type tcpipForwardPayload struct {
	Addr string
	Port uint32
}

// handleGlobalRequests processes tcpip-forward and cancel-tcpip-forward
// for the lifetime of the connection; all other global request types
// are rejected. Requests arrive in protocol order per session.
func (s *session) handleGlobalRequests(ctx context.Context, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			s.onTCPIPForward(ctx, req)
		case "cancel-tcpip-forward":
			s.onCancelTCPIPForward(req)
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// onTCPIPForward implements the "virtual bind": it always reports
// success with server_port=80 and never opens a real listener. If the
// session is already Verified the tunnel is created synchronously;
// otherwise the request is queued and Device Flow starts if it hasn't.
func (s *session) onTCPIPForward(ctx context.Context, req *ssh.Request) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}

	if req.WantReply {
		var reply [4]byte
		binary.BigEndian.PutUint32(reply[:], 80)
		_ = req.Reply(true, reply[:])
	}

	snap := s.state.snapshot()
	if snap.status == Verified {
		result := createTunnel(s.registry, s.handle, s.state, s.peerIP, s.fingerprint, payload.Addr, payload.Port, false)
		s.deliverCreateResult(result, payload.Addr, payload.Port)
		return
	}

	s.state.mu.Lock()
	s.state.pendingTunnels = append(s.state.pendingTunnels, pendingTunnel{Address: payload.Addr, Port: payload.Port})
	needsStart := s.state.status == NotStarted
	s.state.mu.Unlock()

	if needsStart {
		s.startDeviceFlow(ctx)
	}
}

func (s *session) onCancelTCPIPForward(req *ssh.Request) {
	var payload tcpipForwardPayload
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		if req.WantReply {
			_ = req.Reply(false, nil)
		}
		return
	}
	if req.WantReply {
		_ = req.Reply(true, nil)
	}

	s.state.mu.Lock()
	subdomain, ok := s.state.forwardedPorts[payload.Port]
	if ok {
		delete(s.state.forwardedPorts, payload.Port)
		filtered := s.state.registeredSubdomains[:0]
		for _, sd := range s.state.registeredSubdomains {
			if sd != subdomain {
				filtered = append(filtered, sd)
			}
		}
		s.state.registeredSubdomains = filtered
	}
	s.state.mu.Unlock()

	if ok {
		_, _ = s.registry.Remove(subdomain)
		log.Info().Str("subdomain", subdomain).Msg("tunnel canceled by client")
	}
}

// deliverCreateResult sends the right message for a synchronous
// create_tunnel outcome and, on an explicit conflict, disconnects after
// the grace period.
func (s *session) deliverCreateResult(result createResult, address string, port uint32) {
	switch {
	case result.Success:
		s.sendOrDefer(successMessage([]string{buildTunnelURL(s.baseURL, result.Subdomain)}))
		snap := s.state.snapshot()
		s.deviceFlow.RegisterTunnel(context.Background(), deviceflow.RegisterTunnelRequest{
			Subdomain:        result.Subdomain,
			UserID:           snap.userID,
			SessionID:        s.id,
			RequestedAddress: address,
			RequestedPort:    port,
			ServerPort:       80,
			ClientIP:         s.peerIP,
		})
	case result.Explicit && errors.Is(result.Err, ErrInvalidSubdomain):
		s.sendOrDefer(invalidSubdomainMessage(result.Requested))
		go func() {
			time.Sleep(disconnectGrace)
			s.handle.Disconnect("invalid subdomain")
		}()
	case result.Explicit:
		s.sendOrDefer(conflictMessage(result.Conflicting))
		go func() {
			time.Sleep(disconnectGrace)
			s.handle.Disconnect("subdomain already in use")
		}()
	default:
		log.Warn().Err(result.Err).Msg("create_tunnel failed on implicit path")
	}
}

func (s *session) sendOrDefer(msg string) {
	s.state.mu.Lock()
	ch := s.state.sessionChannel
	has := s.state.hasChannel
	if !has {
		s.state.deferredMessage += msg
		s.state.hasDeferred = true
	}
	s.state.mu.Unlock()

	if has {
		_, _ = ch.Write([]byte(msg))
	}
}

// handleChannels accepts the one session channel used for PTY/shell and
// UI text; any other channel type the client opens is rejected (the
// server, not the client, opens forwarded-tcpip channels).
func (s *session) handleChannels(ctx context.Context, chans <-chan ssh.NewChannel) {
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are accepted")
			continue
		}

		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}

		s.state.mu.Lock()
		s.state.sessionChannel = ch
		s.state.hasChannel = true
		deferred := s.state.deferredMessage
		hasDeferred := s.state.hasDeferred
		s.state.deferredMessage = ""
		s.state.hasDeferred = false
		status := s.state.status
		code := s.state.code
		s.state.mu.Unlock()

		if hasDeferred {
			_, _ = ch.Write([]byte(deferred))
		} else if status == NotStarted {
			s.startDeviceFlow(ctx)
		} else if status == Pending {
			_, _ = ch.Write([]byte(activationMessage(s.deviceFlow.GetActivationURL(code), code)))
		}

		go s.serviceSessionRequests(requests)
		go s.readSessionData(ch)
	}
}

// serviceSessionRequests replies success to pty-req/shell/exec requests
// (there is no real shell; the channel only carries UI text and raw
// ESC input) and resends the activation box on shell request if still
// Pending.
func (s *session) serviceSessionRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		switch req.Type {
		case "pty-req", "shell", "exec", "env", "window-change":
			if req.WantReply {
				_ = req.Reply(true, nil)
			}
			if req.Type == "shell" {
				s.state.mu.Lock()
				status := s.state.status
				code := s.state.code
				s.state.mu.Unlock()
				if status == Pending {
					s.sendOrDefer(activationMessage(s.deviceFlow.GetActivationURL(code), code))
				}
			}
		default:
			if req.WantReply {
				_ = req.Reply(false, nil)
			}
		}
	}
}

// readSessionData watches raw bytes from the session channel for the
// double-ESC disconnect gesture. Reaching EOF here means the session
// channel closed.
func (s *session) readSessionData(ch ssh.Channel) {
	buf := make([]byte, 256)
	for {
		n, err := ch.Read(buf)
		if n > 0 {
			s.handleRawData(buf[:n])
		}
		if err != nil {
			s.state.cancelVerification()
			return
		}
	}
}

func (s *session) handleRawData(data []byte) {
	for _, b := range data {
		if b != 0x1b { // ESC
			continue
		}

		s.state.mu.Lock()
		now := time.Now()
		isSecond := s.state.escPressed && now.Sub(s.state.lastEscTime) <= escWindow
		if isSecond {
			s.state.escPressed = false
		} else {
			s.state.escPressed = true
			s.state.lastEscTime = now
		}
		ch := s.state.sessionChannel
		s.state.mu.Unlock()

		if isSecond {
			s.handle.Disconnect("disconnected by user")
			return
		}

		if ch != nil {
			_, _ = ch.Write([]byte(escHintMessage()))
		}
		time.AfterFunc(escWindow, func() {
			s.state.mu.Lock()
			cleared := s.state.escPressed && time.Since(s.state.lastEscTime) >= escWindow
			if cleared {
				s.state.escPressed = false
			}
			chn := s.state.sessionChannel
			s.state.mu.Unlock()
			if cleared && chn != nil {
				_, _ = chn.Write([]byte(escHintClearMessage()))
			}
		})
	}
}

// startDeviceFlow generates a code, moves the state to Pending, sends
// the activation box if the session channel is already open, registers
// the code with the external service, and spawns the verification
// worker. A per-IP rate limit on Device Flow starts is enforced here,
// ahead of code generation, so both call sites (onTCPIPForward and
// handleChannels) are covered uniformly.
func (s *session) startDeviceFlow(ctx context.Context) {
	if s.registry.CheckAndRecordDeviceFlow(s.peerIP) {
		s.state.mu.Lock()
		s.state.status = Failed
		s.state.failReason = ErrRateLimited.Error()
		s.state.mu.Unlock()

		s.sendOrDefer(authFailedMessage(ErrRateLimited.Error()))
		go func() {
			time.Sleep(disconnectGrace)
			s.handle.Disconnect(ErrRateLimited.Error())
		}()
		return
	}

	code, err := deviceflow.GenerateCode()
	if err != nil {
		log.Error().Err(err).Msg("failed to generate device-flow code")
		return
	}

	s.state.mu.Lock()
	s.state.status = Pending
	s.state.code = code
	hasChannel := s.state.hasChannel
	ch := s.state.sessionChannel
	s.state.mu.Unlock()

	if hasChannel {
		_, _ = ch.Write([]byte(activationMessage(s.deviceFlow.GetActivationURL(code), code)))
	}

	if err := s.deviceFlow.RegisterCode(ctx, code, s.id); err != nil {
		log.Warn().Err(err).Str("code", code).Msg("register_code failed")
	}

	go runVerificationWorker(ctx, s, code)
}

// cleanup runs once, when the SSH connection ends (Server.handleConn
// calls it after the connection's Wait returns): every subdomain this
// session owns is marked disconnected and the external service is told
// (fire-and-forget), and the verification worker is canceled. Closing
// only the session channel does not run cleanup; readSessionData then
// cancels the verification worker and the tunnels stay connected.
func (s *session) cleanup(ctx context.Context) {
	s.state.cleanupOnce.Do(func() {
		s.state.cancelVerification()

		s.state.mu.Lock()
		owned := append([]string(nil), s.state.registeredSubdomains...)
		s.state.registeredSubdomains = nil
		s.state.mu.Unlock()

		for _, subdomain := range owned {
			s.registry.MarkDisconnected(subdomain)
			go s.deviceFlow.UnregisterTunnel(context.Background(), subdomain)
		}
		log.Info().Str("remote", fmt.Sprint(s.conn.RemoteAddr())).Int("tunnels", len(owned)).Msg("SSH session cleanup complete")
	})
	_ = ctx
}
