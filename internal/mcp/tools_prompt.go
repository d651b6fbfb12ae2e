package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/logging"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
)

const promptEngineDescription = `Run a prompt command or continue a chain.

New execution: command ">>prompt_id key=\"value\" free text". Chain steps with
-->, repeat with * N, gates with :: 'criteria' or :: gate-id, shell checks with
:: verify:'make test' :fast, and modifiers %clean %lean %guided %framework with
@Methodology.

Continue: chain_id plus user_response (the step output), gate_verdict
("GATE_REVIEW: PASS - reason") or gate_action (retry|skip|abort). Send the
step_index from the previous response so duplicates are rejected.`

type promptEngineInput struct {
	Command      string            `json:"command,omitempty" jsonschema:"Command to run, e.g. >>research topic=\"go\""`
	ChainID      string            `json:"chain_id,omitempty" jsonschema:"Chain to continue, as chain-<id> or chain-<id>#<run>"`
	StepIndex    *int              `json:"step_index,omitempty" jsonschema:"0-based step index the user_response belongs to"`
	UserResponse string            `json:"user_response,omitempty" jsonschema:"Output of the current step"`
	GateVerdict  string            `json:"gate_verdict,omitempty" jsonschema:"Gate review verdict: GATE_REVIEW: PASS|FAIL - reason"`
	GateAction   string            `json:"gate_action,omitempty" jsonschema:"Gate decision: retry, skip or abort"`
	ForceRestart bool              `json:"force_restart,omitempty" jsonschema:"Start a new run of chain_id"`
	Gates        []any             `json:"gates,omitempty" jsonschema:"Gate ids, {name, description} quick gates or full gate definitions"`
	Exclude      []string          `json:"exclude,omitempty" jsonschema:"Gate ids to leave out"`
	Args         map[string]string `json:"args,omitempty" jsonschema:"Arguments for the first step"`
}

func (in promptEngineInput) request() pipeline.Request {
	return pipeline.Request{
		Command:      in.Command,
		ChainID:      in.ChainID,
		StepIndex:    in.StepIndex,
		UserResponse: in.UserResponse,
		GateVerdict:  in.GateVerdict,
		GateAction:   in.GateAction,
		ForceRestart: in.ForceRestart,
		Gates:        in.Gates,
		Exclude:      in.Exclude,
		Args:         in.Args,
	}
}

type errorOutput struct {
	Kind       string `json:"kind"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

type promptEngineOutput struct {
	ChainID     string       `json:"chain_id,omitempty" jsonschema:"Chain reference to continue with"`
	StepIndex   *int         `json:"step_index,omitempty" jsonschema:"Index of the step awaiting output"`
	StepID      string       `json:"step_id,omitempty"`
	State       string       `json:"state,omitempty" jsonschema:"Chain state"`
	Step        int          `json:"step,omitempty"`
	Steps       int          `json:"steps,omitempty"`
	Gates       []string     `json:"gates,omitempty" jsonschema:"Gate ids in effect"`
	Framework   string       `json:"framework,omitempty" jsonschema:"Methodology applied"`
	Error       *errorOutput `json:"error,omitempty"`
	Diagnostics []string     `json:"diagnostics,omitempty"`
}

func newPromptEngineOutput(resp *pipeline.Response) promptEngineOutput {
	out := promptEngineOutput{
		ChainID:   resp.ChainID,
		StepIndex: resp.StepIndex,
		StepID:    resp.StepID,
		State:     string(resp.State),
		Step:      resp.Step,
		Steps:     resp.Steps,
		Gates:     resp.Gates,
		Framework: resp.Framework,
	}
	if p := resp.Error; p != nil {
		out.Error = &errorOutput{
			Kind:       string(p.Kind),
			Message:    p.Message,
			Field:      p.Field,
			StepID:     p.StepID,
			NextAction: p.NextAction,
		}
	}
	for _, d := range resp.Diagnostics {
		out.Diagnostics = append(out.Diagnostics, d.String())
	}
	return out
}

func (s *Server) registerPromptEngine() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "prompt_engine",
		Description: promptEngineDescription,
	}, func(ctx context.Context, req *mcp.CallToolRequest, args promptEngineInput) (*mcp.CallToolResult, promptEngineOutput, error) {
		done := s.metrics.track(ctx, "prompt_engine")
		ctx = logging.WithLogger(ctx, s.logger)

		resp := s.engine.Execute(ctx, args.request())

		var kind errors.Kind
		if resp.IsError && resp.Error != nil {
			kind = resp.Error.Kind
			s.logger.Debug(ctx, "prompt_engine failed",
				zap.String("kind", string(kind)),
				zap.String("chain_id", resp.ChainID))
		}
		done(kind)

		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: resp.Text}},
			IsError: resp.IsError,
		}, newPromptEngineOutput(resp), nil
	})
}
