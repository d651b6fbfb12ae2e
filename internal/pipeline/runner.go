package pipeline

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/logging"
)

const instrumentation = "github.com/fyrsmithlabs/promptd/internal/pipeline"

// Stage is one ordered unit of work.
type Stage interface {
	Name() string
	Apply(ctx context.Context, ec *ExecutionContext) error
}

type stageFunc struct {
	name string
	fn   func(ctx context.Context, ec *ExecutionContext) error
}

func (s stageFunc) Name() string { return s.name }

func (s stageFunc) Apply(ctx context.Context, ec *ExecutionContext) error { return s.fn(ctx, ec) }

// StageFunc adapts fn into a Stage.
func StageFunc(name string, fn func(ctx context.Context, ec *ExecutionContext) error) Stage {
	return stageFunc{name: name, fn: fn}
}

// Runner executes stages in order.
type Runner struct {
	stages []Stage
	tracer trace.Tracer
	logger *logging.Logger
	now    func() time.Time
}

// Option configures a Runner.
type Option func(*Runner)

// WithTracer sets the tracer used for run and stage spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithLogger sets the runner logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a runner over stages.
func NewRunner(stages []Stage, opts ...Option) *Runner {
	r := &Runner{
		stages: append([]Stage(nil), stages...),
		tracer: otel.Tracer(instrumentation),
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Stages returns the stage names in run order.
func (r *Runner) Stages() []string {
	names := make([]string, len(r.stages))
	for i, s := range r.stages {
		names[i] = s.Name()
	}
	return names
}

// Run executes the stages against ec and returns its response. Finish
// hooks registered on ec run before Run returns, whatever the outcome.
func (r *Runner) Run(ctx context.Context, ec *ExecutionContext) *Response {
	ctx = logging.WithRequestID(ctx, ec.RequestID)
	ctx, span := r.tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("request.id", ec.RequestID),
	))
	defer span.End()
	defer ec.finish()

	start := r.now()
	for _, stage := range r.stages {
		if ec.Response != nil {
			break
		}
		r.runStage(ctx, ec, stage)
	}

	if ec.Response == nil {
		err := errors.Internal(nil, "pipeline finished without a response")
		ec.Diagnostics.Error("pipeline", "no_response", err.Error(), "")
		ec.Respond(ErrorResponse(err))
	}
	if ec.Session != nil && ec.Response.ChainID == "" {
		ec.Response.AttachSession(ec.Session)
	}
	ec.Response.Diagnostics = ec.Diagnostics.All()

	outcome := "ok"
	if ec.Response.IsError {
		outcome = string(ec.Response.Error.Kind)
		span.SetStatus(codes.Error, ec.Response.Error.Message)
	}
	span.SetAttributes(
		attribute.String("pipeline.mode", string(ec.Mode)),
		attribute.String("pipeline.outcome", outcome),
	)
	if ec.Session != nil {
		span.SetAttributes(
			attribute.String("chain.id", ec.Session.ChainID),
			attribute.Int("chain.run", ec.Session.RunNumber),
		)
	}
	RunsTotal.WithLabelValues(string(ec.Mode), outcome).Inc()
	RunDuration.Observe(r.now().Sub(start).Seconds())
	return ec.Response
}

func (r *Runner) runStage(ctx context.Context, ec *ExecutionContext, stage Stage) {
	name := stage.Name()
	ctx, span := r.tracer.Start(ctx, "stage."+name)
	defer span.End()

	rec := StageRecord{Name: name, StartedAt: r.now()}
	before := ec.Diagnostics.Len()

	err := r.apply(ctx, ec, stage)

	rec.EndedAt = r.now()
	rec.Diagnostics = ec.Diagnostics.Since(before)
	StageDuration.WithLabelValues(name).Observe(rec.Duration().Seconds())

	if err != nil {
		kind := errors.KindOf(err)
		rec.Error = err.Error()
		ec.Diagnostics.Error(name, string(kind), err.Error(), errors.NextAction(err))
		rec.Diagnostics = ec.Diagnostics.Since(before)
		ec.Respond(ErrorResponse(err))
		StageErrorsTotal.WithLabelValues(name, string(kind)).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())

		level := r.logger.Warn
		if kind == errors.KindInternal {
			level = r.logger.Error
		}
		level(ctx, "stage failed", zap.String("stage", name), zap.String("kind", string(kind)), zap.Error(err))
	}
	if ec.Response != nil {
		rec.Responded = true
		EarlyExitsTotal.WithLabelValues(name).Inc()
	}
	span.SetAttributes(
		attribute.Int("stage.diagnostics", len(rec.Diagnostics)),
		attribute.Bool("stage.responded", rec.Responded),
	)
	ec.Stages = append(ec.Stages, rec)

	r.logger.Trace(ctx, "stage finished",
		zap.String("stage", name),
		zap.Duration("duration", rec.Duration()),
		zap.Bool("responded", rec.Responded),
	)
}

// apply runs the stage and converts a panic into an internal error.
func (r *Runner) apply(ctx context.Context, ec *ExecutionContext, stage Stage) (err error) {
	defer func() {
		if p := recover(); p != nil {
			r.logger.Error(ctx, "stage panicked",
				zap.String("stage", stage.Name()),
				zap.Any("panic", p),
				zap.ByteString("stack", debug.Stack()),
			)
			err = errors.Internal(fmt.Errorf("panic: %v", p), "stage "+stage.Name()+" failed")
		}
	}()
	return stage.Apply(ctx, ec)
}
