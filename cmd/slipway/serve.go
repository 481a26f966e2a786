package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/slipway-sh/slipway/internal/shell/ledger"
	"github.com/slipway-sh/slipway/internal/shell/proxy"
)

func newServeCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the public reverse proxy",
		Long: `Serve runs the long-lived reverse proxy that fronts the deployed
container. Deploys performed while it runs swap its upstream atomically
through the loopback admin API, so public traffic never observes the swap.

On startup the upstream is restored from the deployment ledger; on a fresh
host the public port answers 503 until the first deploy.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(opts.configPath)
			if err != nil {
				return err
			}
			logger := SetupLogger(cfg)

			initialTarget, err := restoreUpstream(cmd.Context(), cfg)
			if err != nil {
				return err
			}

			server, err := proxy.NewServer(cfg.ProxyServerConfig(), initialTarget, logger)
			if err != nil {
				return err
			}

			logger.Info("starting proxy",
				"version", Version,
				"public_address", cfg.Proxy.PublicAddress,
				"admin_address", cfg.Proxy.AdminAddress,
				"upstream", initialTarget,
			)

			public, admin := server.Start()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			<-ctx.Done()

			logger.Info("shutting down proxy")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			var shutdownErr error
			for _, srv := range []*http.Server{public, admin} {
				if err := srv.Shutdown(shutdownCtx); err != nil {
					shutdownErr = errors.Join(shutdownErr, err)
				}
			}
			return shutdownErr
		},
	}
}

// restoreUpstream recovers the proxy target from the ledger's active record.
// An empty ledger means a fresh host, not an error.
func restoreUpstream(ctx context.Context, cfg *Config) (string, error) {
	led, err := ledger.NewSQLiteLedger(cfg.Ledger.Path)
	if err != nil {
		return "", fmt.Errorf("opening ledger: %w", err)
	}
	defer led.Close()

	active, err := led.ReadActive(ctx)
	if err != nil {
		if errors.Is(err, ledger.ErrNoActiveRecord) {
			return "", nil
		}
		return "", err
	}
	return fmt.Sprintf("127.0.0.1:%d", active.HostPort), nil
}
