//go:build tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"tailscale.com/tsnet"

	"github.com/tidewater-labs/concierge/internal/config"
)

// initTailscale serves the gateway mux on a tailnet listener so operator
// tooling reaches /ws and /health without exposing the node publicly.
// Returns the cleanup to run at shutdown, or nil when not configured.
func initTailscale(ctx context.Context, cfg *config.Config, mux *http.ServeMux) func() {
	if cfg.Tailscale.Hostname == "" {
		return nil
	}

	srv := &tsnet.Server{
		Hostname:  cfg.Tailscale.Hostname,
		Dir:       config.ExpandHome(cfg.Tailscale.StateDir),
		AuthKey:   cfg.Tailscale.AuthKey,
		Ephemeral: cfg.Tailscale.Ephemeral,
	}

	ln, err := srv.Listen("tcp", ":80")
	if err != nil {
		slog.Error("tsnet listen failed", "error", err)
		srv.Close()
		return nil
	}

	go func() {
		slog.Info("tsnet listener started", "hostname", cfg.Tailscale.Hostname)
		if err := http.Serve(ln, mux); err != nil && ctx.Err() == nil {
			slog.Error("tsnet serve failed", "error", err)
		}
	}()

	return func() {
		ln.Close()
		srv.Close()
	}
}
