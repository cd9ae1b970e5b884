//go:build !tsnet

package cmd

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/tidewater-labs/concierge/internal/config"
)

// initTailscale is a no-op without the tsnet build tag. Build with
// `go build -tags tsnet` to serve the gateway routes on a tailnet.
func initTailscale(_ context.Context, cfg *config.Config, _ *http.ServeMux) func() {
	if cfg.Tailscale.Hostname != "" {
		slog.Warn("tailscale configured but this binary was built without -tags tsnet")
	}
	return nil
}
