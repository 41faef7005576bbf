// Package tunnel implements the SSH control plane: the listener that
// terminates SSH, the per-connection Device Flow state machine, and
// the create_tunnel subroutine shared with the verification worker.
package tunnel

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/tunnelgate/gateway/internal/deviceflow"
	"github.com/tunnelgate/gateway/internal/registry"
)

// defaultRateLimit is the maximum number of new TCP connections accepted per second.
const defaultRateLimit rate.Limit = 10

// defaultMaxPending is the maximum number of concurrent unauthenticated SSH
// handshakes allowed in flight simultaneously.
const defaultMaxPending = 50

// handshakeTimeout bounds the initial SSH handshake; cleared once
// authenticated since tunnels are long-lived.
const handshakeTimeout = 15 * time.Second

// Server is the SSH reverse-tunnel control plane. It binds ListenAddr,
// accepts connections, and hands each one to a per-connection session
// that runs the Device Flow state machine against Registry.
type Server struct {
	ListenAddr    string
	KeyPath       string
	TunnelBaseURL string

	Registry   *registry.Registry
	DeviceFlow deviceflow.Client

	// SkipDeviceFlow pre-verifies every session as a synthetic dev user
	// instead of running Device Flow. Intended only for local
	// development; config.Load refuses to set it outside ENV=development.
	SkipDeviceFlow bool

	RateLimit  rate.Limit
	MaxPending int

	sshCfg  *ssh.ServerConfig
	limiter *rate.Limiter
	sem     chan struct{}
}

// ListenAndServe starts the SSH server and blocks until ctx is
// cancelled or a fatal listen error occurs.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.init(); err != nil {
		return fmt.Errorf("tunnel: server init: %w", err)
	}

	addr := s.ListenAddr
	if addr == "" {
		addr = ":2222"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("tunnel: listen %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("SSH control plane listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}

		if !s.limiter.Allow() {
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			_ = conn.Close()
			continue
		}

		go func() {
			defer func() { <-s.sem }()
			s.handleConn(ctx, conn)
		}()
	}
}

func (s *Server) init() error {
	if s.Registry == nil {
		return fmt.Errorf("tunnel: Server.Registry must not be nil")
	}
	if s.DeviceFlow == nil {
		return fmt.Errorf("tunnel: Server.DeviceFlow must not be nil")
	}

	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	s.limiter = rate.NewLimiter(rl, int(rl)+1)

	mp := s.MaxPending
	if mp == 0 {
		mp = defaultMaxPending
	}
	s.sem = make(chan struct{}, mp)

	hostKey, err := loadOrGenerateHostKey(s.KeyPath)
	if err != nil {
		return err
	}

	cfg := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			// Any offered key is accepted; only its fingerprint is
			// recorded. Device Flow, not SSH auth, gates tunnel use.
			return &ssh.Permissions{
				Extensions: map[string]string{"fingerprint": fingerprintOf(key)},
			}, nil
		},
		ServerVersion: "SSH-2.0-tunnelgate",
	}
	cfg.AddHostKey(hostKey)
	s.sshCfg = cfg
	return nil
}

// handleConn runs the SSH handshake and then the session's lifetime.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	if err != nil {
		log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("SSH handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	fingerprint := ""
	if sshConn.Permissions != nil {
		fingerprint = sshConn.Permissions.Extensions["fingerprint"]
	}

	username := sshConn.User()
	requestedSubdomain := ""
	if username != "." {
		requestedSubdomain = username
	}

	peerIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	sess := &session{
		id:          uuid.NewString(),
		conn:        sshConn,
		handle:      connHandle{conn: sshConn},
		state:       newSessionState(requestedSubdomain),
		registry:    s.Registry,
		deviceFlow:  s.DeviceFlow,
		baseURL:     s.TunnelBaseURL,
		peerIP:      peerIP,
		fingerprint: fingerprint,
	}

	switch {
	case s.SkipDeviceFlow:
		sess.state.seedVerified("dev-user", "Dev User", nil)
		log.Warn().Str("remote", conn.RemoteAddr().String()).Msg("device flow skipped, session pre-verified as dev-user")
	case fingerprint != "":
		if vk, ok := s.Registry.GetVerifiedKey(fingerprint); ok {
			sess.state.seedVerified(vk.UserID, vk.DisplayName, vk.Subdomains)
			log.Debug().Str("fingerprint", fingerprint).Str("user", vk.UserID).Msg("auth cache hit, session pre-verified")
		}
	}

	log.Info().Str("remote", conn.RemoteAddr().String()).Str("fingerprint", fingerprint).Msg("SSH session authenticated")

	go sess.handleGlobalRequests(ctx, reqs)
	go sess.handleChannels(ctx, chans)

	_ = sshConn.Wait()
	sess.cleanup(ctx)
}
