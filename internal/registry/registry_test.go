package registry

import (
	"errors"
	"io"
	"testing"
	"time"
)

type fakeHandle struct{}

func (fakeHandle) OpenForwardedChannel(string, uint32, string, uint32) (io.ReadWriteCloser, error) {
	return nil, nil
}
func (fakeHandle) Disconnect(string) {}

func mustInfo(subdomain string) TunnelInfo {
	return TunnelInfo{
		Subdomain:        subdomain,
		Handle:           fakeHandle{},
		RequestedAddress: "localhost",
		RequestedPort:    3000,
		ServerPort:       80,
		Username:         "alice",
		ClientIP:         "203.0.113.1",
		CreatedAt:        time.Now().UTC(),
	}
}

func TestRegisterRemoveRoundTrip(t *testing.T) {
	r := New()
	info := mustInfo("tunnel-aaaa")

	if err := r.Register(info); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.Remove(info.Subdomain); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, ok := r.Get(info.Subdomain); ok {
		t.Fatalf("expected map restored after register->remove")
	}
}

func TestRegisterTwiceFails(t *testing.T) {
	r := New()
	info := mustInfo("dup")

	if err := r.Register(info); err != nil {
		t.Fatalf("first register: %v", err)
	}
	if err := r.Register(info); !errors.Is(err, ErrSubdomainTaken) {
		t.Fatalf("expected ErrSubdomainTaken, got %v", err)
	}
	got, ok := r.Get(info.Subdomain)
	if !ok || got.Username != "alice" {
		t.Fatalf("second register must not mutate existing entry, got %+v", got)
	}
}

func TestMarkDisconnectedInvariant(t *testing.T) {
	r := New()
	info := mustInfo("flip")
	_ = r.Register(info)

	r.MarkDisconnected(info.Subdomain)
	got, ok := r.Get(info.Subdomain)
	if !ok {
		t.Fatal("entry should remain after disconnect")
	}
	if got.IsConnected {
		t.Fatal("IsConnected should be false")
	}
	if got.DisconnectedAt.IsZero() {
		t.Fatal("DisconnectedAt should be set")
	}
	if r.IsTaken(info.Subdomain) {
		t.Fatal("disconnected entry must not count as taken")
	}
}

func TestCleanupExpiredTunnels(t *testing.T) {
	r := New()
	info := mustInfo("stale")
	_ = r.Register(info)
	r.MarkDisconnected(info.Subdomain)

	// The exported API offers no way to backdate DisconnectedAt, so the
	// stored entry is edited directly under the tunnels lock.
	r.tunnelsMu.Lock()
	e := r.tunnels[info.Subdomain]
	e.DisconnectedAt = time.Now().Add(-DisconnectedTunnelTTL - time.Minute)
	r.tunnels[info.Subdomain] = e
	r.tunnelsMu.Unlock()

	if n := r.CleanupExpiredTunnels(); n != 1 {
		t.Fatalf("expected 1 removed, got %d", n)
	}
	if _, ok := r.Get(info.Subdomain); ok {
		t.Fatal("expired disconnected tunnel should be gone")
	}
}

func TestVerifiedKeyExpiry(t *testing.T) {
	r := New()
	r.SaveVerifiedKey("fp:1", "alice", "Alice", 3000, "tunnel-a")

	if _, ok := r.GetVerifiedKey("fp:1"); !ok {
		t.Fatal("expected fresh key to be present")
	}

	r.keysMu.Lock()
	vk := r.keys["fp:1"]
	vk.VerifiedAt = time.Now().Add(-VerifiedKeyTTL - time.Minute)
	r.keys["fp:1"] = vk
	r.keysMu.Unlock()

	if _, ok := r.GetVerifiedKey("fp:1"); ok {
		t.Fatal("expected expired key to be filtered at read")
	}
}

func TestCheckAndRecordDeviceFlowMonotone(t *testing.T) {
	r := New()
	ip := "198.51.100.7"

	if limited := r.CheckAndRecordDeviceFlow(ip); limited {
		t.Fatal("first attempt should not be limited")
	}
	if limited := r.CheckAndRecordDeviceFlow(ip); !limited {
		t.Fatal("second attempt within 10s should be limited")
	}
	if limited := r.CheckAndRecordDeviceFlow(ip); !limited {
		t.Fatal("third attempt within 10s should still be limited (monotone)")
	}

	r.limitsMu.Lock()
	e := r.limits[ip]
	if e.Attempts != 1 {
		t.Fatalf("rejected attempts must not increment counter, got %d", e.Attempts)
	}
	r.limitsMu.Unlock()
}

func TestCheckAndRecordDeviceFlowWindowCap(t *testing.T) {
	r := New()
	ip := "198.51.100.8"
	now := time.Now()

	r.limitsMu.Lock()
	r.limits[ip] = RateLimitEntry{WindowStart: now.Add(-30 * time.Second), LastRequest: now.Add(-20 * time.Second), Attempts: 5}
	r.limitsMu.Unlock()

	if limited := r.CheckAndRecordDeviceFlow(ip); !limited {
		t.Fatal("5 attempts already in window should reject a 6th regardless of spacing")
	}
}
