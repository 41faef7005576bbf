package httpproxy

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/tunnelgate/gateway/internal/registry"
)

// peekLimit bounds how many bytes are inspected for a Host header
// before giving up; ordinary HTTP request lines plus headers comfortably
// fit well under this.
const peekLimit = 2048

// copyTimeout bounds the lifetime of one proxied connection end to end.
const copyTimeout = 5 * time.Minute

// Server is the HTTP/TCP data-plane listener. It never terminates TLS
// and never parses a full HTTP request; it only peeks the Host header
// to route, then becomes a transparent byte pipe.
type Server struct {
	ListenAddr string
	TunnelURL  string
	Registry   *registry.Registry
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.ListenAddr
	if addr == "" {
		addr = ":8080"
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("httpproxy: listen %s: %w", addr, err)
	}
	log.Info().Str("addr", addr).Msg("HTTP data plane listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	baseDomain := baseDomainOf(s.TunnelURL)

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		go s.handleConn(conn, baseDomain)
	}
}

func (s *Server) handleConn(conn net.Conn, baseDomain string) {
	defer conn.Close()

	// A single Read, not a fill-to-n Peek: the first TCP segment already
	// holds the request line and headers, and waiting to fill a full
	// 2KiB buffer would block forever on a short request.
	buf := make([]byte, peekLimit)
	n, err := conn.Read(buf)
	if err != nil {
		if err != io.EOF {
			log.Debug().Err(err).Msg("failed to read connection")
		}
		return
	}
	peeked := buf[:n]

	host, ok := extractHostFromRaw(peeked)
	if !ok {
		log.Debug().Msg("no Host header found in request")
		writeResponse(conn, tunnelListResponse(s.TunnelURL))
		return
	}

	subdomain, ok := extractSubdomainWithBase(host, baseDomain)
	if !ok {
		writeResponse(conn, noSubdomainResponse(s.Registry, s.TunnelURL))
		return
	}

	log.Info().Str("subdomain", subdomain).Msg("HTTP request routed")

	info, ok := s.Registry.Get(subdomain)
	if !ok || !info.IsConnected {
		writeResponse(conn, errorResponse(404, fmt.Sprintf("tunnel %q not found", subdomain)))
		return
	}

	_, portStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	var originPort uint32
	fmt.Sscanf(portStr, "%d", &originPort)

	channel, err := info.Handle.OpenForwardedChannel(info.RequestedAddress, info.RequestedPort, "127.0.0.1", originPort)
	if err != nil {
		log.Warn().Err(err).Str("subdomain", subdomain).Msg("failed to open forwarded channel")
		writeResponse(conn, errorResponse(502, fmt.Sprintf("failed to connect to tunnel: %v", err)))
		return
	}
	defer channel.Close()

	log.Debug().Str("subdomain", subdomain).Msg("opened forwarded channel")
	splice(subdomain, &peekedConn{Reader: io.MultiReader(bytes.NewReader(peeked), conn), Conn: conn}, channel)
}

// peekedConn replays the already-consumed peek bytes before resuming
// reads from the underlying connection, while every other net.Conn
// method still goes straight to the connection.
type peekedConn struct {
	io.Reader
	net.Conn
}

func (p *peekedConn) Read(b []byte) (int, error) { return p.Reader.Read(b) }

// splice runs a bidirectional copy between the client connection and
// the forwarded SSH channel, bounded by copyTimeout. Either direction
// finishing closes both ends so the other direction's Copy unblocks.
func splice(subdomain string, client io.ReadWriteCloser, remote io.ReadWriteCloser) {
	type result struct {
		n   int64
		err error
	}
	toRemote := make(chan result, 1)
	toClient := make(chan result, 1)

	go func() {
		n, err := io.Copy(remote, client)
		client.Close()
		remote.Close()
		toRemote <- result{n, err}
	}()
	go func() {
		n, err := io.Copy(client, remote)
		client.Close()
		remote.Close()
		toClient <- result{n, err}
	}()

	timer := time.NewTimer(copyTimeout)
	defer timer.Stop()

	var r1, r2 result
	got1, got2 := false, false
	for !got1 || !got2 {
		select {
		case r1 = <-toRemote:
			got1 = true
		case r2 = <-toClient:
			got2 = true
		case <-timer.C:
			log.Warn().Str("subdomain", subdomain).Msg("connection timeout after 5 minutes")
			client.Close()
			remote.Close()
			return
		}
	}
	log.Info().Str("subdomain", subdomain).Int64("to_ssh", r1.n).Int64("to_client", r2.n).Msg("connection completed")
}

func writeResponse(conn net.Conn, body []byte) {
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, _ = conn.Write(body)
}
