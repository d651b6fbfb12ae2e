package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/trace"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/logging"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
	"github.com/fyrsmithlabs/promptd/internal/render"
)

// Engine executes prompt_engine requests.
type Engine struct {
	catalog  Catalog
	sessions *chain.Manager
	state    *framework.StateManager
	renderer render.Renderer
	verifier Verifier
	resolver *gates.Resolver
	opts     Options
	logger   *logging.Logger
	tracer   trace.Tracer
	runner   *pipeline.Runner
}

// Option configures an Engine.
type Option func(*Engine)

// WithStateManager sets the framework state consulted for every request.
// Without one no methodology applies and gates are always enabled.
func WithStateManager(m *framework.StateManager) Option {
	return func(e *Engine) { e.state = m }
}

// WithRenderer replaces the template renderer.
func WithRenderer(r render.Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithVerifier sets the shell verification runner. Without one shell gates
// are skipped with a warning.
func WithVerifier(v Verifier) Option {
	return func(e *Engine) { e.verifier = v }
}

// WithOptions sets the gate enforcement options.
func WithOptions(o Options) Option {
	return func(e *Engine) { e.opts = o }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithTracer sets the tracer for pipeline spans.
func WithTracer(t trace.Tracer) Option {
	return func(e *Engine) { e.tracer = t }
}

// New returns an engine over catalog and sessions.
func New(catalog Catalog, sessions *chain.Manager, opts ...Option) *Engine {
	e := &Engine{
		catalog:  catalog,
		sessions: sessions,
		renderer: render.Template{},
		opts:     DefaultOptions(),
		logger:   logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.opts.MaxGateRetries < 1 {
		e.opts.MaxGateRetries = 1
	}
	if e.opts.MaxVerifyIterations < 1 {
		e.opts.MaxVerifyIterations = 1
	}
	e.resolver = gates.NewResolver(catalog, e.opts.FallbackGateID)

	runnerOpts := []pipeline.Option{pipeline.WithLogger(e.logger)}
	if e.tracer != nil {
		runnerOpts = append(runnerOpts, pipeline.WithTracer(e.tracer))
	}
	e.runner = pipeline.NewRunner(e.stages(), runnerOpts...)
	return e
}

func (e *Engine) stages() []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.StageFunc("normalize", e.normalize),
		pipeline.StageFunc("parse", e.parse),
		pipeline.StageFunc("attach", e.attach),
		pipeline.StageFunc("plan", e.plan),
		pipeline.StageFunc("framework", e.applyFramework),
		pipeline.StageFunc("gates", e.resolveGates),
		pipeline.StageFunc("begin", e.begin),
		pipeline.StageFunc("execute", e.execute),
		pipeline.StageFunc("format", e.format),
	}
}

// Stages returns the stage names in run order.
func (e *Engine) Stages() []string { return e.runner.Stages() }

// Sessions returns the chain manager.
func (e *Engine) Sessions() *chain.Manager { return e.sessions }

// Execute runs req through the pipeline. It never returns nil; failures are
// structured error responses.
func (e *Engine) Execute(ctx context.Context, req pipeline.Request) *pipeline.Response {
	return e.Run(ctx, pipeline.NewExecutionContext(req))
}

// Run executes a prepared execution context, leaving the stage records on
// it for inspection.
func (e *Engine) Run(ctx context.Context, ec *pipeline.ExecutionContext) *pipeline.Response {
	return e.runner.Run(ctx, ec)
}
