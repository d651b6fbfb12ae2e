package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/promptd/internal/config"
	httpserver "github.com/fyrsmithlabs/promptd/internal/http"
	"github.com/fyrsmithlabs/promptd/internal/registry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var transport string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the MCP server",
		Long: `Run the MCP server until interrupted.

The stdio transport speaks MCP on stdin/stdout and logs to stderr. The http
transport serves streamable MCP at /mcp next to /health, /api/v1/status and
/metrics.

Examples:
  # Claude Desktop style stdio server
  promptd serve

  # HTTP on a custom port
  PROMPTD_HTTP_PORT=8080 promptd serve --transport http`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.load()
			if err != nil {
				return err
			}
			if transport != "" {
				cfg.Server.Transport = config.Transport(transport)
				if !cfg.Server.Transport.Valid() {
					return fmt.Errorf("invalid transport %q: want stdio or http", transport)
				}
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&transport, "transport", "", "MCP transport: stdio or http (overrides server.transport)")
	return cmd
}

// serve runs the transport, the session sweeper and the optional registry
// watcher until ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config) error {
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.sweeper.Run(gctx) })

	if cfg.Registry.Watch {
		w, err := registry.NewWatcher(a.registry, cfg.Registry.Debounce.Duration())
		if err != nil {
			a.logger.Warn(ctx, "registry watch disabled", zap.Error(err))
		} else {
			g.Go(func() error { return w.Run(gctx) })
		}
	}

	switch cfg.Server.Transport {
	case config.TransportHTTP:
		srv, err := httpserver.NewServer(httpserver.Deps{
			MCP:       a.mcp.Handler(),
			Framework: a.state,
			Sessions:  a.sessions,
			Registry:  a.registry,
			Version:   cfg.Server.Version,
		}, a.logger, &httpserver.Config{
			Host:      cfg.HTTP.Host,
			Port:      cfg.HTTP.Port,
			RateLimit: cfg.HTTP.RateLimit,
			Burst:     cfg.HTTP.Burst,
		})
		if err != nil {
			return fmt.Errorf("failed to create http server: %w", err)
		}
		g.Go(func() error {
			if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
			defer scancel()
			return srv.Shutdown(sctx)
		})

	default:
		g.Go(func() error {
			// the client closing stdin ends the process
			defer cancel()
			return a.mcp.Run(gctx)
		})
	}

	err = g.Wait()
	a.logger.Info(context.Background(), "promptd shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
