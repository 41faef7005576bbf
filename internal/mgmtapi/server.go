// Package mgmtapi is the management REST API: a small read/delete
// surface over the Registry for operators and dashboards, deliberately
// unauthenticated and CORS-open per its design notes.
package mgmtapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/tunnelgate/gateway/internal/registry"
)

// Server is the management API's HTTP listener.
type Server struct {
	ListenAddr string
	Registry   *registry.Registry

	router chi.Router
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/tunnels", s.listTunnels)
	r.Delete("/tunnels/{subdomain}", s.deleteTunnel)

	s.router = r
}

// ListenAndServe binds ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	s.setupRouter()

	addr := s.ListenAddr
	if addr == "" {
		addr = ":9090"
	}

	httpServer := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("management API listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("mgmtapi: serve: %w", err)
	}
}

type tunnelView struct {
	Subdomain        string `json:"subdomain"`
	RequestedAddress string `json:"requested_address"`
	RequestedPort    uint32 `json:"requested_port"`
	ServerPort       uint32 `json:"server_port"`
	UserID           string `json:"user_id,omitempty"`
	ClientIP         string `json:"client_ip"`
	CreatedAt        string `json:"created_at"`
	Connected        bool   `json:"connected"`
}

func toView(info registry.TunnelInfo) tunnelView {
	userID := info.Username
	if userID == "anonymous" {
		userID = ""
	}
	return tunnelView{
		Subdomain:        info.Subdomain,
		RequestedAddress: info.RequestedAddress,
		RequestedPort:    info.RequestedPort,
		ServerPort:       info.ServerPort,
		UserID:           userID,
		ClientIP:         info.ClientIP,
		CreatedAt:        info.CreatedAt.Format(time.RFC3339),
		Connected:        info.IsConnected,
	}
}

// listTunnels returns every tunnel the Registry knows about, connected
// or not: a disconnected entry still inside its grace window is
// reported with connected:false rather than omitted.
func (s *Server) listTunnels(w http.ResponseWriter, r *http.Request) {
	all := s.Registry.List()
	views := make([]tunnelView, 0, len(all))
	for _, info := range all {
		views = append(views, toView(info))
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(views); err != nil {
		log.Error().Err(err).Msg("failed to encode tunnel list")
	}
}

// deleteTunnel removes subdomain from the Registry synchronously, so
// the state change is visible to callers before the response is
// written, then disconnects the underlying session in the background.
func (s *Server) deleteTunnel(w http.ResponseWriter, r *http.Request) {
	subdomain := chi.URLParam(r, "subdomain")

	info, err := s.Registry.Remove(subdomain)
	if err != nil {
		http.Error(w, fmt.Sprintf("tunnel %q not found", subdomain), http.StatusNotFound)
		return
	}

	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"disconnecting"}`))

	go func() {
		info.Handle.Disconnect("disconnected via management API")
		log.Info().Str("subdomain", subdomain).Msg("tunnel disconnected via management API")
	}()
}
