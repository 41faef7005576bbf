package mgmtapi

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/tunnelgate/gateway/internal/registry"
)

type fakeHandle struct {
	disconnectedCh chan string
}

func (h fakeHandle) OpenForwardedChannel(reqAddr string, reqPort uint32, originAddr string, originPort uint32) (io.ReadWriteCloser, error) {
	return nil, nil
}

func (h fakeHandle) Disconnect(reason string) {
	h.disconnectedCh <- reason
}

func newTestServer(reg *registry.Registry) *Server {
	s := &Server{Registry: reg}
	s.setupRouter()
	return s
}

func TestListTunnelsIncludesDisconnectedDuringGrace(t *testing.T) {
	reg := registry.New()
	must(t, reg.Register(registry.TunnelInfo{
		Subdomain: "alive", Handle: fakeHandle{}, Username: "anonymous", CreatedAt: time.Now(),
	}))
	must(t, reg.Register(registry.TunnelInfo{
		Subdomain: "ghost", Handle: fakeHandle{}, Username: "user-1", CreatedAt: time.Now(),
	}))
	reg.MarkDisconnected("ghost")

	s := newTestServer(reg)
	req := httptest.NewRequest(http.MethodGet, "/tunnels", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var views []tunnelView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}

	byName := make(map[string]tunnelView, len(views))
	for _, v := range views {
		byName[v.Subdomain] = v
	}
	if len(views) != 2 {
		t.Fatalf("views = %+v, want both alive and ghost", views)
	}
	if !byName["alive"].Connected {
		t.Error("alive should be connected = true")
	}
	if byName["ghost"].Connected {
		t.Error("ghost should be connected = false, not omitted")
	}
}

func TestListTunnelsOmitsAnonymousUserID(t *testing.T) {
	reg := registry.New()
	must(t, reg.Register(registry.TunnelInfo{
		Subdomain: "alive", Handle: fakeHandle{}, Username: "anonymous", CreatedAt: time.Now(),
	}))

	s := newTestServer(reg)
	req := httptest.NewRequest(http.MethodGet, "/tunnels", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	var views []tunnelView
	if err := json.Unmarshal(rec.Body.Bytes(), &views); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if views[0].UserID != "" {
		t.Errorf("UserID = %q, want empty for anonymous", views[0].UserID)
	}
}

func TestDeleteTunnelNotFoundReturns404(t *testing.T) {
	reg := registry.New()
	s := newTestServer(reg)

	req := httptest.NewRequest(http.MethodDelete, "/tunnels/nope", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestDeleteTunnelDisconnectsDetached(t *testing.T) {
	reg := registry.New()
	disconnected := make(chan string, 1)
	must(t, reg.Register(registry.TunnelInfo{
		Subdomain: "alive", Handle: fakeHandle{disconnectedCh: disconnected}, Username: "anonymous", CreatedAt: time.Now(),
	}))

	s := newTestServer(reg)
	req := httptest.NewRequest(http.MethodDelete, "/tunnels/alive", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	if _, ok := reg.Get("alive"); ok {
		t.Error("subdomain should be removed from the registry before the response is written")
	}

	select {
	case reason := <-disconnected:
		if reason == "" {
			t.Error("expected a non-empty disconnect reason")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disconnect was not called")
	}
}

func TestDeleteTunnelRemovesDisconnectedTunnel(t *testing.T) {
	reg := registry.New()
	disconnected := make(chan string, 1)
	must(t, reg.Register(registry.TunnelInfo{
		Subdomain: "ghost", Handle: fakeHandle{disconnectedCh: disconnected}, Username: "user-1", CreatedAt: time.Now(),
	}))
	reg.MarkDisconnected("ghost")

	s := newTestServer(reg)
	req := httptest.NewRequest(http.MethodDelete, "/tunnels/ghost", nil)
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 for a disconnected-but-not-yet-swept tunnel", rec.Code)
	}
	if _, ok := reg.Get("ghost"); ok {
		t.Error("ghost should be gone from the registry immediately")
	}
}

func must(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
