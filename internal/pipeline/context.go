package pipeline

import (
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/command"
	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/registry"
)

// Request is one prompt_engine call. A new execution carries Command; a
// resume carries ChainID plus the client's response or gate decision.
type Request struct {
	Command      string            `json:"command,omitempty"`
	ChainID      string            `json:"chain_id,omitempty"`
	StepIndex    *int              `json:"step_index,omitempty"`
	UserResponse string            `json:"user_response,omitempty"`
	GateVerdict  string            `json:"gate_verdict,omitempty"`
	GateAction   string            `json:"gate_action,omitempty"`
	ForceRestart bool              `json:"force_restart,omitempty"`
	Gates        []any             `json:"gates,omitempty"`
	Exclude      []string          `json:"exclude,omitempty"`
	Args         map[string]string `json:"args,omitempty"`
}

// Resuming reports whether the request addresses an existing chain.
func (r Request) Resuming() bool {
	return r.ChainID != "" && !r.ForceRestart
}

// Mode is how the entry point treats a request.
type Mode string

const (
	ModeSingle  Mode = "single"
	ModeChain   Mode = "chain"
	ModeResume  Mode = "resume"
	ModeRestart Mode = "restart"
)

// ExecutionContext is the scratchpad for one request. It is owned by a
// single goroutine and discarded when the response is sent; nothing in it
// outlives the request.
type ExecutionContext struct {
	RequestID string
	Request   Request
	Mode      Mode
	StartedAt time.Time

	// Parse & validate.
	Command      *command.Command
	Declarations gates.Declarations
	Verdict      *gates.Verdict
	Action       chain.GateAction

	// Plan & enhance.
	Prompt    *registry.Prompt
	Steps     []chain.StepDefinition
	Framework *framework.Authority
	Session   *chain.Session
	// SessionFrom is the session state before this request touched it.
	SessionFrom chain.State

	Gates       *gates.Accumulator
	Diagnostics *diagnostics.Accumulator

	// State is free-form per-request storage shared between stages.
	State map[string]any

	Response *Response
	Stages   []StageRecord

	finishers []func()
}

// NewExecutionContext returns a context for req with fresh accumulators.
func NewExecutionContext(req Request) *ExecutionContext {
	return &ExecutionContext{
		RequestID:   uuid.NewString(),
		Request:     req,
		StartedAt:   time.Now(),
		Gates:       gates.NewAccumulator(),
		Diagnostics: diagnostics.NewAccumulator(),
		State:       make(map[string]any),
	}
}

// OnFinish registers fn to run after the last stage, in reverse
// registration order. Stages use it to release locks they took.
func (ec *ExecutionContext) OnFinish(fn func()) {
	ec.finishers = append(ec.finishers, fn)
}

func (ec *ExecutionContext) finish() {
	for i := len(ec.finishers) - 1; i >= 0; i-- {
		ec.finishers[i]()
	}
	ec.finishers = nil
}

// Respond sets the response, ending the run after the current stage.
func (ec *ExecutionContext) Respond(r *Response) {
	ec.Response = r
}

// Decision returns the framework decision, or the zero decision when no
// authority was attached.
func (ec *ExecutionContext) Decision() framework.Decision {
	if ec.Framework == nil {
		return framework.Decision{Source: framework.SourceNone, GatesEnabled: true}
	}
	return ec.Framework.Decision()
}

// StageRecord is the timing and diagnostics of one stage.
type StageRecord struct {
	Name        string                   `json:"name"`
	StartedAt   time.Time                `json:"started_at"`
	EndedAt     time.Time                `json:"ended_at"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics,omitempty"`
	Error       string                   `json:"error,omitempty"`
	// Responded is set on the stage that produced the response.
	Responded bool `json:"responded,omitempty"`
}

// Duration is the stage's wall time.
func (r StageRecord) Duration() time.Duration { return r.EndedAt.Sub(r.StartedAt) }
