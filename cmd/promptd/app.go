package main

import (
	"context"
	"fmt"
	"os"

	"go.opentelemetry.io/otel/log/global"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/config"
	"github.com/fyrsmithlabs/promptd/internal/events"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/logging"
	mcpserver "github.com/fyrsmithlabs/promptd/internal/mcp"
	"github.com/fyrsmithlabs/promptd/internal/orchestrator"
	"github.com/fyrsmithlabs/promptd/internal/registry"
	"github.com/fyrsmithlabs/promptd/internal/secrets"
	"github.com/fyrsmithlabs/promptd/internal/telemetry"
	"github.com/fyrsmithlabs/promptd/internal/verify"
)

const tracerName = "github.com/fyrsmithlabs/promptd/internal/orchestrator"

// app holds every component the serve command runs.
type app struct {
	cfg       *config.Config
	logger    *logging.Logger
	telemetry *telemetry.Telemetry
	bus       *events.Bus
	registry  *registry.Registry
	state     *framework.StateManager
	store     chain.Store
	sessions  *chain.Manager
	engine    *orchestrator.Engine
	mcp       *mcpserver.Server
	sweeper   *chain.Sweeper

	closers []func()
}

// newLogger builds the process logger for cfg.
func newLogger(cfg *config.Config) (*logging.Logger, error) {
	logCfg, err := logging.FromAppConfig(cfg.Logging, cfg.Server.Transport)
	if err != nil {
		return nil, err
	}
	return logging.NewLogger(logCfg, global.GetLoggerProvider())
}

// newApp initializes all dependencies in order:
//  1. Logger and telemetry
//  2. Event bus and the optional NATS sink
//  3. Registry, framework state and the chain session store
//  4. Shell verification with secret scrubbing
//  5. The orchestration engine and the MCP server
//
// On error everything opened so far is closed.
func newApp(ctx context.Context, cfg *config.Config) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	a.logger, err = newLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.closers = append(a.closers, func() { _ = a.logger.Sync() })

	a.telemetry, err = telemetry.New(ctx, telemetry.FromAppConfig(cfg.Telemetry, cfg.Server))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	a.closers = append(a.closers, func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout.Duration())
		defer cancel()
		if err := a.telemetry.Shutdown(sctx); err != nil {
			a.logger.Warn(sctx, "telemetry shutdown failed", zap.Error(err))
		}
	})
	if h := a.telemetry.Health(); h.Degraded {
		a.logger.Warn(ctx, "telemetry degraded", zap.Strings("problems", h.Problems))
	}

	a.bus = events.NewBus()
	if cfg.Events.NATSURL != "" {
		sink, closeConn, err := events.Connect(cfg.Events.NATSURL, cfg.Events.SubjectPrefix)
		if err != nil {
			// Events are notifications only; serving continues without them.
			a.logger.Warn(ctx, "NATS event sink unavailable", zap.Error(err))
		} else {
			detach := sink.Attach(a.bus)
			a.closers = append(a.closers, func() { detach(); closeConn() })
			a.logger.Info(ctx, "publishing events to NATS",
				zap.String("url", cfg.Events.NATSURL),
				zap.String("prefix", cfg.Events.SubjectPrefix))
		}
	}

	if err := os.MkdirAll(cfg.Registry.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create resource directory: %w", err)
	}
	a.registry, err = registry.New(ctx, cfg.Registry.Dir,
		registry.WithLogger(a.logger.Named("registry")),
		registry.WithPublisher(a.bus))
	if err != nil {
		return nil, fmt.Errorf("failed to load registry: %w", err)
	}

	a.state = framework.NewStateManager(cfg.Framework.StatePath,
		framework.State{
			ActiveFramework:        cfg.Framework.DefaultFramework,
			FrameworkSystemEnabled: cfg.Framework.Enabled,
			GateSystemEnabled:      cfg.Framework.GatesEnabled,
		},
		framework.WithLookup(a.registry.LookupFramework),
		framework.WithPublisher(a.bus),
		framework.WithLogger(a.logger.Named("framework")))
	if err := a.state.Load(ctx); err != nil {
		return nil, fmt.Errorf("failed to load framework state: %w", err)
	}

	a.store, a.sessions, err = openSessions(cfg, a.logger, a.bus)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() { _ = a.store.Close() })
	a.sweeper = chain.NewSweeper(a.sessions, cfg.Sessions.StaleAfter.Duration(), cfg.Sessions.SweepInterval.Duration())

	scrubber, err := secrets.FromAppConfig(cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize secret scrubber: %w", err)
	}
	verifier := verify.NewRunner(cfg.Verify,
		verify.WithScrubber(scrubber),
		verify.WithLogger(a.logger.Named("verify")))

	a.engine = orchestrator.New(a.registry, a.sessions,
		orchestrator.WithStateManager(a.state),
		orchestrator.WithVerifier(verifier),
		orchestrator.WithOptions(orchestrator.Options{
			FallbackGateID:      cfg.Gates.FallbackID,
			MethodologyGates:    cfg.Gates.MethodologyGates,
			MaxGateRetries:      cfg.Sessions.MaxGateRetries,
			VerifyEnabled:       cfg.Verify.Enabled,
			MaxVerifyIterations: cfg.Verify.MaxIterations,
		}),
		orchestrator.WithLogger(a.logger.Named("engine")),
		orchestrator.WithTracer(a.telemetry.Tracer(tracerName)))

	a.mcp, err = mcpserver.NewServer(&mcpserver.Config{
		Name:    cfg.Server.Name,
		Version: cfg.Server.Version,
		Logger:  a.logger,
	}, a.engine, a.state, a.sessions, a.registry)
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP server: %w", err)
	}
	a.mcp.SetSweeper(a.sweeper)

	p, g, m := a.registry.Snapshot().Counts()
	a.logger.Info(ctx, "promptd initialized",
		zap.String("transport", string(cfg.Server.Transport)),
		zap.String("resources", cfg.Registry.Dir),
		zap.Int("prompts", p), zap.Int("gates", g), zap.Int("methodologies", m),
		zap.String("sessions_backend", string(cfg.Sessions.Backend)))
	return a, nil
}

// openSessions opens the configured session store and a manager over it.
func openSessions(cfg *config.Config, logger *logging.Logger, publisher events.Publisher) (chain.Store, *chain.Manager, error) {
	store, err := chain.OpenStore(string(cfg.Sessions.Backend), cfg.Sessions.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open session store: %w", err)
	}
	m := chain.NewManager(store,
		chain.WithManagerPublisher(publisher),
		chain.WithManagerLogger(logger.Named("chain")))
	return store, m, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
