package http

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/logging"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/promptd/internal/http"

// maxPeek bounds how much of an MCP POST body is read to label the call.
const maxPeek = 64 << 10

// routeLabels maps registered route patterns to metric labels. Anything else
// is reported as "unmatched".
var routeLabels = map[string]string{
	"/health":        "health",
	"/metrics":       "metrics",
	"/api/v1/status": "status",
	"/mcp":           "mcp",
}

// mcpTools are the tools the server registers. Other names collapse to
// "other" so a client cannot grow the label set.
var mcpTools = map[string]bool{
	"prompt_engine":  true,
	"system_control": true,
}

// rpcMethods are the JSON-RPC methods reported by name.
var rpcMethods = map[string]bool{
	"initialize":                true,
	"ping":                      true,
	"tools/list":                true,
	"tools/call":                true,
	"prompts/list":              true,
	"prompts/get":               true,
	"resources/list":            true,
	"logging/setLevel":          true,
	"notifications/initialized": true,
	"notifications/cancelled":   true,
}

// RequestMetrics records per-route request counts and latency, with the MCP
// tool and chain operation attached to /mcp calls.
type RequestMetrics struct {
	logger      *logging.Logger
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	inFlight    metric.Int64UpDownCounter
	rateLimited metric.Int64Counter
}

// NewRequestMetrics creates the instruments on provider, or on the global
// provider when it is nil.
func NewRequestMetrics(provider metric.MeterProvider, logger *logging.Logger) *RequestMetrics {
	if logger == nil {
		logger = logging.NewNop()
	}
	if provider == nil {
		provider = otel.GetMeterProvider()
	}
	meter := provider.Meter(httpInstrumentationName)
	ctx := context.Background()
	m := &RequestMetrics{logger: logger}

	var err error
	m.requests, err = meter.Int64Counter(
		"promptd.http.requests_total",
		metric.WithDescription("HTTP requests by route, status class, and for /mcp the JSON-RPC method, tool and chain operation"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create requests counter", zap.Error(err))
	}

	m.duration, err = meter.Float64Histogram(
		"promptd.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by route and tool"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create duration histogram", zap.Error(err))
	}

	m.inFlight, err = meter.Int64UpDownCounter(
		"promptd.http.in_flight",
		metric.WithDescription("Requests being served, by route"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create in-flight gauge", zap.Error(err))
	}

	m.rateLimited, err = meter.Int64Counter(
		"promptd.http.rate_limited_total",
		metric.WithDescription("Requests refused by the per-client rate limiter"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		logger.Warn(ctx, "failed to create rate limited counter", zap.Error(err))
	}
	return m
}

// Middleware records one observation per request. Handler errors are
// rendered here so the recorded status is the one the client sees.
func (m *RequestMetrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			ctx := req.Context()
			route := routeLabel(c.Path())

			var call mcpCall
			if route == "mcp" && req.Method == http.MethodPost {
				call = peekCall(req)
			}

			routeAttr := metric.WithAttributes(attribute.String("route", route))
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1, routeAttr)
			}

			if err := next(c); err != nil {
				c.Error(err)
			}

			if m.inFlight != nil {
				m.inFlight.Add(ctx, -1, routeAttr)
			}

			status := c.Response().Status
			attrs := []attribute.KeyValue{
				attribute.String("route", route),
				attribute.String("method", req.Method),
				attribute.String("status_class", fmt.Sprintf("%dxx", status/100)),
			}
			if call.rpc != "" {
				attrs = append(attrs, attribute.String("rpc.method", call.rpc))
			}
			if call.tool != "" {
				attrs = append(attrs, attribute.String("mcp.tool", call.tool))
			}
			if call.op != "" {
				attrs = append(attrs, attribute.String("chain.op", call.op))
			}

			if m.requests != nil {
				m.requests.Add(ctx, 1, metric.WithAttributes(attrs...))
			}
			if m.duration != nil {
				durAttrs := []attribute.KeyValue{attribute.String("route", route)}
				if call.tool != "" {
					durAttrs = append(durAttrs, attribute.String("mcp.tool", call.tool))
				}
				m.duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(durAttrs...))
			}
			if status == http.StatusTooManyRequests && m.rateLimited != nil {
				m.rateLimited.Add(ctx, 1, routeAttr)
			}
			return nil
		}
	}
}

func routeLabel(path string) string {
	if label, ok := routeLabels[path]; ok {
		return label
	}
	return "unmatched"
}

// mcpCall is the label set read from a JSON-RPC request body.
type mcpCall struct {
	rpc  string
	tool string
	op   string
}

type rpcEnvelope struct {
	Method string `json:"method"`
	Params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	} `json:"params"`
}

type promptEngineArgs struct {
	Command      string `json:"command"`
	ChainID      string `json:"chain_id"`
	GateVerdict  string `json:"gate_verdict"`
	GateAction   string `json:"gate_action"`
	ForceRestart bool   `json:"force_restart"`
}

// peekCall reads the head of the body to label the call and puts it back
// for the MCP handler. A body that does not parse is labeled "unparsed".
func peekCall(req *http.Request) mcpCall {
	if req.Body == nil || req.Body == http.NoBody {
		return mcpCall{}
	}
	head, err := io.ReadAll(io.LimitReader(req.Body, maxPeek))
	req.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(head), req.Body), req.Body}
	if err != nil {
		return mcpCall{rpc: "unparsed"}
	}
	return parseCall(head)
}

func parseCall(body []byte) mcpCall {
	body = bytes.TrimSpace(body)
	if len(body) > 0 && body[0] == '[' {
		return mcpCall{rpc: "batch"}
	}
	var env rpcEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Method == "" {
		return mcpCall{rpc: "unparsed"}
	}

	if !rpcMethods[env.Method] {
		return mcpCall{rpc: "other"}
	}
	call := mcpCall{rpc: env.Method}
	if env.Method != "tools/call" {
		return call
	}
	if !mcpTools[env.Params.Name] {
		call.tool = "other"
		return call
	}
	call.tool = env.Params.Name
	if call.tool == "prompt_engine" {
		var args promptEngineArgs
		if json.Unmarshal(env.Params.Arguments, &args) == nil {
			call.op = chainOp(args)
		}
	}
	return call
}

// chainOp names what a prompt_engine call does to a chain run.
func chainOp(a promptEngineArgs) string {
	switch {
	case a.ChainID == "":
		if a.Command == "" {
			return ""
		}
		return "start"
	case a.ForceRestart:
		return "restart"
	case a.GateAction != "":
		return "gate_action"
	case a.GateVerdict != "":
		return "verdict"
	default:
		return "resume"
	}
}
