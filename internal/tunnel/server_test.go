package tunnel

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/tunnelgate/gateway/internal/deviceflow"
	"github.com/tunnelgate/gateway/internal/registry"
)

// fakeDeviceFlowClient satisfies deviceflow.Client without any network
// access, for tests that only need Server.init to succeed.
type fakeDeviceFlowClient struct{}

func (fakeDeviceFlowClient) RegisterCode(ctx context.Context, code, sessionID string) error {
	return nil
}
func (fakeDeviceFlowClient) PollUntilVerified(ctx context.Context, code string) (deviceflow.VerifiedUser, error) {
	return deviceflow.VerifiedUser{}, nil
}
func (fakeDeviceFlowClient) GetActivationURL(code string) string { return "https://example.invalid/" + code }
func (fakeDeviceFlowClient) RegisterTunnel(ctx context.Context, req deviceflow.RegisterTunnelRequest) {
}
func (fakeDeviceFlowClient) UnregisterTunnel(ctx context.Context, subdomain string) {}

func newTestRegistry() *registry.Registry {
	return registry.New()
}

// ---- Host key --------------------------------------------------------

func TestHostKeyPersisted(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "server_key.pem")

	signer1, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("first loadOrGenerateHostKey: %v", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("host key file not created: %v", err)
	}

	signer2, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("second loadOrGenerateHostKey: %v", err)
	}

	if string(signer1.PublicKey().Marshal()) != string(signer2.PublicKey().Marshal()) {
		t.Error("host key changed between loads — persistence is broken")
	}
}

func TestHostKeyGeneratedOnMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "server_key.pem")

	if _, err := os.Stat(path); err == nil {
		t.Fatal("key file should not exist yet")
	}

	signer, err := loadOrGenerateHostKey(path)
	if err != nil {
		t.Fatalf("loadOrGenerateHostKey: %v", err)
	}
	if signer == nil {
		t.Fatal("expected a non-nil signer")
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("host key file should exist: %v", err)
	}
	if info.Mode()&0o077 != 0 {
		t.Errorf("host key file mode %o is too permissive (want 0600)", info.Mode())
	}
}

// ---- Nil dependency guards --------------------------------------------

func TestServerInitRejectsNilRegistry(t *testing.T) {
	s := &Server{
		KeyPath:    filepath.Join(t.TempDir(), "key.pem"),
		DeviceFlow: fakeDeviceFlowClient{},
	}
	if err := s.init(); err == nil {
		t.Error("init() should return error when Registry is nil")
	}
}

func TestServerInitRejectsNilDeviceFlow(t *testing.T) {
	s := &Server{
		KeyPath:  filepath.Join(t.TempDir(), "key.pem"),
		Registry: newTestRegistry(),
	}
	if err := s.init(); err == nil {
		t.Error("init() should return error when DeviceFlow is nil")
	}
}

func TestServerInitSucceedsWithAllDeps(t *testing.T) {
	s := &Server{
		KeyPath:    filepath.Join(t.TempDir(), "key.pem"),
		Registry:   newTestRegistry(),
		DeviceFlow: fakeDeviceFlowClient{},
	}
	if err := s.init(); err != nil {
		t.Errorf("init() unexpected error: %v", err)
	}
}

func TestServerInitDefaultsRateLimitAndPending(t *testing.T) {
	s := &Server{
		KeyPath:    filepath.Join(t.TempDir(), "key.pem"),
		Registry:   newTestRegistry(),
		DeviceFlow: fakeDeviceFlowClient{},
	}
	if err := s.init(); err != nil {
		t.Fatalf("init: %v", err)
	}
	if s.limiter == nil {
		t.Error("expected a default rate limiter to be built")
	}
	if cap(s.sem) != defaultMaxPending {
		t.Errorf("sem capacity = %d, want %d", cap(s.sem), defaultMaxPending)
	}
}

// ---- Constants sanity --------------------------------------------------

func TestConstantsHandshakeTimeoutIsPositive(t *testing.T) {
	if handshakeTimeout <= 0 {
		t.Error("handshakeTimeout must be positive")
	}
}

var _ io.ReadWriteCloser = (*fakeReadWriteCloser)(nil)

type fakeReadWriteCloser struct{}

func (fakeReadWriteCloser) Read(p []byte) (int, error)  { return 0, io.EOF }
func (fakeReadWriteCloser) Write(p []byte) (int, error) { return len(p), nil }
func (fakeReadWriteCloser) Close() error                { return nil }
