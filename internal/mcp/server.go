package mcp

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/logging"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
)

// Engine executes prompt_engine requests.
type Engine interface {
	Execute(ctx context.Context, req pipeline.Request) *pipeline.Response
}

// Catalog lists the registered methodologies.
type Catalog interface {
	Methodologies() []framework.Methodology
}

// Server is the MCP server.
type Server struct {
	mcp      *mcp.Server
	engine   Engine
	state    *framework.StateManager
	sessions *chain.Manager
	catalog  Catalog
	sweeper  *chain.Sweeper
	actions  *ActionRegistry
	metrics  *Metrics
	logger   *logging.Logger
	name     string
	version  string
	started  time.Time
}

// Config configures the MCP server.
type Config struct {
	// Name is the server implementation name (default: "promptd")
	Name string

	// Version is the server version (default: "dev")
	Version string

	// Logger for structured logging
	Logger *logging.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Name:    "promptd",
		Version: "dev",
		Logger:  logging.NewNop(),
	}
}

// NewServer creates the server and registers its tools.
func NewServer(cfg *Config, engine Engine, state *framework.StateManager, sessions *chain.Manager, catalog Catalog) (*Server, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.NewNop()
	}
	if engine == nil {
		return nil, fmt.Errorf("prompt engine is required")
	}
	if state == nil {
		return nil, fmt.Errorf("framework state manager is required")
	}
	if sessions == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if catalog == nil {
		return nil, fmt.Errorf("catalog is required")
	}

	mcpServer := mcp.NewServer(
		&mcp.Implementation{
			Name:    cfg.Name,
			Version: cfg.Version,
		},
		nil,
	)

	actions := NewActionRegistry()
	actions.RegisterAll(DefaultActions())

	s := &Server{
		mcp:      mcpServer,
		engine:   engine,
		state:    state,
		sessions: sessions,
		catalog:  catalog,
		actions:  actions,
		metrics:  NewMetrics(cfg.Logger),
		logger:   cfg.Logger.Named("mcp"),
		name:     cfg.Name,
		version:  cfg.Version,
		started:  time.Now(),
	}

	s.registerPromptEngine()
	s.registerSystemControl()
	return s, nil
}

// SetSweeper enables the sessions.sweep action.
// Must be called before Run().
func (s *Server) SetSweeper(sw *chain.Sweeper) {
	s.sweeper = sw
}

// MCP returns the underlying SDK server.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Actions returns the system_control action table.
func (s *Server) Actions() *ActionRegistry { return s.actions }

// Run serves the stdio transport until ctx is done or the client hangs up.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info(ctx, "starting MCP server on stdio transport")
	if err := s.mcp.Run(ctx, &mcp.StdioTransport{}); err != nil {
		return fmt.Errorf("server run failed: %w", err)
	}
	return nil
}

// Handler returns the streamable HTTP handler for mounting at /mcp.
func (s *Server) Handler() http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s.mcp }, nil)
}
