// Command gatewayd runs the tunnel gateway's three concurrent
// listeners: the SSH control plane, the HTTP/TCP data plane, and the
// management API, all sharing one in-memory Registry.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/tunnelgate/gateway/internal/config"
	"github.com/tunnelgate/gateway/internal/deviceflow"
	"github.com/tunnelgate/gateway/internal/httpproxy"
	"github.com/tunnelgate/gateway/internal/logging"
	"github.com/tunnelgate/gateway/internal/mgmtapi"
	"github.com/tunnelgate/gateway/internal/registry"
	"github.com/tunnelgate/gateway/internal/tunnel"
)

func main() {
	cfg := config.Load()
	logging.Setup(cfg.LogLevel, cfg.Env)

	log.Info().Str("env", cfg.Env).Msg("starting gatewayd")

	reg := registry.New()
	sweeper := reg.StartSweeper()
	defer sweeper.Stop()

	dfClient := deviceflow.NewHTTPClient(cfg.APIBaseURL, cfg.InternalAPISecret)

	sshServer := &tunnel.Server{
		ListenAddr:     fmt.Sprintf(":%d", cfg.SSHPort),
		KeyPath:        cfg.ServerKeyPath,
		TunnelBaseURL:  cfg.TunnelURL,
		Registry:       reg,
		DeviceFlow:     dfClient,
		SkipDeviceFlow: cfg.SkipDeviceFlow,
	}

	proxyServer := &httpproxy.Server{
		ListenAddr: fmt.Sprintf(":%d", cfg.HTTPPort),
		TunnelURL:  cfg.TunnelURL,
		Registry:   reg,
	}

	mgmtServer := &mgmtapi.Server{
		ListenAddr: fmt.Sprintf(":%d", cfg.MgmtPort),
		Registry:   reg,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sshServer.ListenAndServe(gctx) })
	g.Go(func() error { return proxyServer.ListenAndServe(gctx) })
	g.Go(func() error { return mgmtServer.ListenAndServe(gctx) })

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("gatewayd exited with error")
		os.Exit(1)
	}

	log.Info().Msg("gatewayd shut down cleanly")
}
