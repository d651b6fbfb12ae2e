// internal/logging/context.go
package logging

import (
	"context"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// ContextFields extracts correlation data from ctx.
func ContextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	fields := make([]zap.Field, 0, 6)

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		sc := span.SpanContext()
		fields = append(fields,
			zap.String("trace_id", sc.TraceID().String()),
			zap.String("span_id", sc.SpanID().String()),
		)
	}

	if requestID := RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, zap.String("request.id", requestID))
	}

	if c, ok := ChainFromContext(ctx); ok {
		fields = append(fields, zap.String("chain.id", c.ID))
		if c.Run > 0 {
			fields = append(fields, zap.Int("chain.run", c.Run))
		}
	}

	return fields
}

type requestCtxKey struct{}
type chainCtxKey struct{}
type loggerCtxKey struct{}

// Chain identifies the chain session a request is working on.
type Chain struct {
	ID  string
	Run int
}

// WithRequestID adds a request ID to ctx. Empty IDs are ignored.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, requestCtxKey{}, requestID)
}

// RequestIDFromContext extracts the request ID from ctx.
func RequestIDFromContext(ctx context.Context) string {
	if r, ok := ctx.Value(requestCtxKey{}).(string); ok {
		return r
	}
	return ""
}

// WithChain adds chain session identity to ctx. An empty chain ID is ignored.
func WithChain(ctx context.Context, chainID string, run int) context.Context {
	if chainID == "" {
		return ctx
	}
	return context.WithValue(ctx, chainCtxKey{}, Chain{ID: chainID, Run: run})
}

// ChainFromContext extracts chain session identity from ctx.
func ChainFromContext(ctx context.Context) (Chain, bool) {
	c, ok := ctx.Value(chainCtxKey{}).(Chain)
	return c, ok
}

// WithLogger stores logger in ctx.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerCtxKey{}, logger)
}

// FromContext retrieves the logger from ctx, or a nop logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerCtxKey{}).(*Logger); ok && l != nil {
		return l
	}
	return NewNop()
}
