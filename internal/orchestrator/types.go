package orchestrator

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/registry"
	"github.com/fyrsmithlabs/promptd/internal/verify"
)

// Catalog is the read side of the definition registry the engine needs.
// *registry.Registry implements it.
type Catalog interface {
	gates.Catalog
	Prompt(id string) (registry.Prompt, error)
	Methodology(id string) (framework.Methodology, bool)
	LookupFramework(id string) (string, bool)
}

// Verifier runs shell verification gates.
type Verifier interface {
	Run(ctx context.Context, spec gates.ShellVerify) (verify.Result, error)
}

// Options tune gate enforcement.
type Options struct {
	// FallbackGateID names the generic gate used when nothing else applies.
	FallbackGateID string
	// MethodologyGates enables framework-kind gates for the active
	// methodology.
	MethodologyGates bool
	// MaxGateRetries bounds FAIL verdicts per step before the client must
	// pick a gate_action.
	MaxGateRetries int
	// VerifyEnabled allows shell verification gates to run. When false
	// they are reported and skipped.
	VerifyEnabled bool
	// MaxVerifyIterations bounds failed shell runs per step for gates that
	// set no limit of their own.
	MaxVerifyIterations int
}

// DefaultOptions returns the defaults used when no configuration is given.
func DefaultOptions() Options {
	return Options{
		FallbackGateID:      "content-structure",
		MethodologyGates:    true,
		MaxGateRetries:      3,
		VerifyEnabled:       true,
		MaxVerifyIterations: 5,
	}
}

// outcome collects what execute produced for format.
type outcome struct {
	// rendered is the prompt text for the dispatched step or single prompt.
	rendered string
	// stepID is the step rendered, empty for a single prompt.
	stepID string
	// notices are status lines shown before the rendered text.
	notices []string
	verify  []verify.Result
}

func (o *outcome) notice(format string, args ...any) {
	o.notices = append(o.notices, fmt.Sprintf(format, args...))
}

// Keys into ExecutionContext.State.
const (
	outcomeKey   = "orchestrator.outcome"
	gatesStepKey = "orchestrator.gates_step"
	restartKey   = "orchestrator.restart_from"
)
