package tunnel

import (
	"fmt"
	"io"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// forwardedTCPPayload is the wire encoding for a "forwarded-tcpip"
// channel open payload (RFC 4254 §7.2).
type forwardedTCPPayload struct {
	Addr       string
	Port       uint32
	OriginAddr string
	OriginPort uint32
}

// connHandle adapts *ssh.ServerConn to registry.Handle: a cheap
// capability to open forwarded channels and disconnect, with no
// ownership of the underlying connection.
type connHandle struct {
	conn *ssh.ServerConn
}

func (h connHandle) OpenForwardedChannel(reqAddr string, reqPort uint32, originAddr string, originPort uint32) (io.ReadWriteCloser, error) {
	payload := ssh.Marshal(forwardedTCPPayload{
		Addr:       reqAddr,
		Port:       reqPort,
		OriginAddr: originAddr,
		OriginPort: originPort,
	})
	ch, reqs, err := h.conn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		return nil, fmt.Errorf("tunnel: open forwarded-tcpip channel: %w", err)
	}
	go ssh.DiscardRequests(reqs)
	return ch, nil
}

func (h connHandle) Disconnect(reason string) {
	log.Info().Str("remote", h.conn.RemoteAddr().String()).Str("reason", reason).Msg("disconnecting SSH session")
	_ = h.conn.Close()
}
