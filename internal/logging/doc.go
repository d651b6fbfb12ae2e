// Package logging provides structured, context-aware logging for promptd.
//
// Logger wraps zap. Every method takes a context and prepends the
// correlation fields stored on it:
//
//	trace_id, span_id   from the active OpenTelemetry span
//	request.id          from WithRequestID
//	chain.id, chain.run from WithChain
//
// # Outputs
//
// Logs go to stderr by default, because the stdio MCP transport owns
// stdout. In http mode they go to stdout. An optional OTEL core bridges
// entries into the configured log provider.
//
// # Redaction
//
// RedactingEncoder masks configured keys (user_response, gate_verdict, ...)
// and any string value matching a redaction pattern. Pass client-supplied
// free text through RedactedString when only its length matters.
//
// # Testing
//
// NewTestLogger records entries in memory:
//
//	tl := logging.NewTestLogger()
//	svc := NewService(tl.Logger)
//	tl.AssertLogged(t, zapcore.WarnLevel, "gate retry exhausted")
package logging
