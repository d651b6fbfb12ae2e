package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/command"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
	"github.com/fyrsmithlabs/promptd/internal/registry"
)

const commandExample = `">>prompt_id key=\"value\""`

// normalize cleans the request, validates the structured fields and picks
// the execution mode.
func (e *Engine) normalize(_ context.Context, ec *pipeline.ExecutionContext) error {
	req := &ec.Request
	req.ChainID = strings.TrimSpace(req.ChainID)
	req.Command = strings.TrimSpace(req.Command)

	// A bare chain id sent as the command is a resume.
	if ref := strings.TrimSpace(strings.TrimPrefix(req.Command, ">>")); chain.IsChainID(ref) {
		if err := mergeChainRef(req, ref); err != nil {
			return err
		}
		req.Command = ""
		ec.Diagnostics.Info("normalize", "chain_id_from_command", "command read as chain_id "+req.ChainID)
	}
	if req.ChainID != "" {
		if _, _, err := chain.ParseRef(req.ChainID); err != nil {
			return err
		}
	}

	if s := strings.TrimSpace(req.GateAction); s != "" {
		action, err := chain.ParseGateAction(strings.ToLower(s))
		if err != nil {
			return err
		}
		ec.Action = action
	}
	if strings.TrimSpace(req.GateVerdict) != "" {
		v, err := gates.ParseVerdict(req.GateVerdict)
		if err != nil {
			return err
		}
		ec.Verdict = &v
	}
	if len(req.Gates) > 0 {
		decl, err := gates.ParseDeclarations(req.Gates)
		if err != nil {
			return err
		}
		ec.Declarations = decl
	}

	switch {
	case req.ChainID != "" && req.ForceRestart:
		ec.Mode = pipeline.ModeRestart
	case req.ChainID != "":
		ec.Mode = pipeline.ModeResume
		if req.Command != "" {
			ec.Diagnostics.Info("normalize", "command_ignored", "command ignored while resuming "+req.ChainID)
			req.Command = ""
		}
	default:
		if req.ForceRestart {
			ec.Diagnostics.Warn("normalize", "force_restart_ignored", "force_restart needs a chain_id; starting a new execution", "")
		}
		if req.Command == "" {
			return errors.Validation("command", "command is required when chain_id is not set", commandExample)
		}
		ec.Mode = pipeline.ModeSingle
	}

	if ec.Mode != pipeline.ModeResume && (ec.Action != "" || ec.Verdict != nil || req.UserResponse != "") {
		return errors.Validation("chain_id", "user_response, gate_verdict and gate_action continue a chain and need its chain_id",
			`"chain_id":"chain-research-0a1b2c3d#1"`)
	}
	return nil
}

// mergeChainRef reconciles a chain id found in the command with chain_id.
func mergeChainRef(req *pipeline.Request, ref string) error {
	if req.ChainID == "" {
		req.ChainID = ref
		return nil
	}
	have, haveRun, err := chain.ParseRef(req.ChainID)
	if err != nil {
		return err
	}
	got, gotRun, err := chain.ParseRef(ref)
	if err != nil {
		return err
	}
	if have != got || (haveRun != 0 && gotRun != 0 && haveRun != gotRun) {
		return errors.Validation("command", fmt.Sprintf("command names %s but chain_id is %s", ref, req.ChainID),
			fmt.Sprintf(`"chain_id":%q`, req.ChainID))
	}
	if haveRun == 0 {
		req.ChainID = ref
	}
	return nil
}

// parse turns the command text into a command and folds its gate operators
// into the request declarations.
func (e *Engine) parse(_ context.Context, ec *pipeline.ExecutionContext) error {
	if ec.Request.Command == "" {
		return nil
	}
	cmd, err := command.ParseLenient(ec.Request.Command, ec.Diagnostics)
	if err != nil {
		return err
	}
	if len(ec.Request.Args) > 0 && len(cmd.Steps) > 0 {
		first := &cmd.Steps[0]
		if first.Args == nil {
			first.Args = make(map[string]string, len(ec.Request.Args))
		}
		for k, v := range ec.Request.Args {
			if _, set := first.Args[k]; !set {
				first.Args[k] = v
			}
		}
	}
	for _, g := range cmd.Gates {
		if def, ok := g.Definition(); ok {
			ec.Declarations.Definitions = append(ec.Declarations.Definitions, def)
			continue
		}
		if g.Ref != "" {
			ec.Declarations.IDs = append(ec.Declarations.IDs, g.Ref)
		}
	}
	if cmd.Style != "" {
		ec.Diagnostics.Info("parse", "style", "response style "+cmd.Style+" requested")
	}
	ec.Command = &cmd
	return nil
}

// attach takes the chain lock and loads the session a resume or restart
// addresses. The lock is released when the response is built.
func (e *Engine) attach(ctx context.Context, ec *pipeline.ExecutionContext) error {
	if ec.Mode != pipeline.ModeResume && ec.Mode != pipeline.ModeRestart {
		return nil
	}
	id, _, err := chain.ParseRef(ec.Request.ChainID)
	if err != nil {
		return err
	}
	unlock, err := e.sessions.Lock(ctx, id)
	if err != nil {
		return errors.Internal(err, "waiting for chain "+id)
	}
	ec.OnFinish(unlock)

	if ec.Mode == pipeline.ModeResume {
		s, err := e.sessions.Load(ctx, ec.Request.ChainID)
		if err != nil {
			return err
		}
		ec.Session = s
		ec.SessionFrom = s.State
		return nil
	}

	prev, err := e.sessions.Load(ctx, id)
	if err != nil {
		if ec.Command == nil {
			return errors.Validation("command",
				fmt.Sprintf("cannot restart %s from its previous run (%v); send the command to rebuild it", id, err),
				`"command":">>prompt_id", "force_restart":true`)
		}
		ec.Diagnostics.Warn("attach", "previous_run_unreadable", err.Error(), "")
		return nil
	}
	ec.State[restartKey] = prev
	return nil
}

// plan builds the step graph of a new execution and rejects cycles before
// anything is dispatched.
func (e *Engine) plan(_ context.Context, ec *pipeline.ExecutionContext) error {
	if ec.Mode == pipeline.ModeResume {
		return nil
	}

	if ec.Command == nil {
		prev := ec.State[restartKey].(*chain.Session)
		ec.Steps = prev.StepGraph
		if p, err := e.catalog.Prompt(prev.PromptID); err == nil && p.IsChain() {
			ec.Prompt = &p
		}
		return e.checkSteps(ec.Steps)
	}

	steps := ec.Command.Expand()
	if len(steps) == 1 {
		p, err := e.catalog.Prompt(steps[0].PromptID)
		if err != nil {
			return err
		}
		ec.Prompt = &p
		if !p.IsChain() {
			ec.Steps = []chain.StepDefinition{{ID: p.ID, PromptID: p.ID}}
			return nil
		}
		ec.Steps = p.ChainSteps
		if ec.Mode == pipeline.ModeSingle {
			ec.Mode = pipeline.ModeChain
		}
		return e.checkSteps(ec.Steps)
	}

	for i, st := range steps {
		p, err := e.catalog.Prompt(st.PromptID)
		if err != nil {
			return err
		}
		if p.IsChain() {
			return errors.Validation(fmt.Sprintf("command.steps[%d]", i),
				fmt.Sprintf("chain prompt %s cannot be a step of an inline chain", p.ID),
				fmt.Sprintf(`run ">>%s" on its own`, p.ID))
		}
	}
	ec.Steps = inlineChain(steps)
	if ec.Mode == pipeline.ModeSingle {
		ec.Mode = pipeline.ModeChain
	}
	return e.checkSteps(ec.Steps)
}

func (e *Engine) checkSteps(steps []chain.StepDefinition) error {
	if err := chain.ValidateSteps(steps); err != nil {
		return err
	}
	if _, err := chain.Plan(steps); err != nil {
		return err
	}
	for i, st := range steps {
		if _, err := e.catalog.Prompt(st.PromptID); err != nil {
			return errors.NotFound(fmt.Sprintf("chain_steps[%d].promptId", i), "prompt", st.PromptID,
				"register the prompt or fix the step's promptId")
		}
	}
	return nil
}

// applyFramework attaches the decision authority. Modifiers are read from
// the current command only; they never stick to a chain.
func (e *Engine) applyFramework(_ context.Context, ec *pipeline.ExecutionContext) error {
	var mod framework.Modifier
	var operator string
	if ec.Command != nil {
		mod, operator = ec.Command.Modifier, ec.Command.Framework
	}

	sources := framework.Sources{Modifier: mod, Operator: operator, GatesEnabled: true}
	if e.state != nil {
		sources = e.state.Sources(mod, operator)
	}
	ec.Framework = framework.NewAuthority(sources, e.catalog.LookupFramework, ec.Diagnostics)

	d := ec.Framework.Decision()
	if d.ShouldApply {
		ec.Diagnostics.Info("framework", "framework_applied", fmt.Sprintf("%s applied (source %s)", d.FrameworkID, d.Source))
	}
	return nil
}

// resolveGates resolves the gates of the step this request will act on.
func (e *Engine) resolveGates(_ context.Context, ec *pipeline.ExecutionContext) error {
	stepID := ""
	switch {
	case ec.Session != nil:
		if p := ec.Session.PendingGateReview; p != nil {
			stepID = p.StepID
		} else if cur, ok := ec.Session.Current(); ok {
			stepID = cur.ID
		}
	case len(ec.Steps) > 0:
		order, err := chain.Plan(ec.Steps)
		if err != nil {
			return err
		}
		stepID = order[0]
	}
	e.resolveFor(ec, stepID)
	return nil
}

// resolveFor refills ec.Gates for stepID.
func (e *Engine) resolveFor(ec *pipeline.ExecutionContext, stepID string) []gates.ResolvedGate {
	ec.Gates = gates.NewAccumulator()
	d := ec.Decision()

	req := gates.Request{
		Temporary:    ec.Declarations.Definitions,
		RequestedIDs: ec.Declarations.IDs,
		StepID:       stepID,
		Exclude:      ec.Request.Exclude,
		Disabled:     !d.GatesEnabled,
		// FrameworkGates also needs the methodology gate switch.
		FrameworkGates: d.MethodologyGates && e.opts.MethodologyGates,
	}
	if d.ShouldApply {
		req.FrameworkID = d.FrameworkID
	}

	var step chain.StepDefinition
	found := false
	if ec.Session != nil {
		req.Carried = ec.Session.Gates
		step, found = ec.Session.Step(stepID)
	} else {
		for _, st := range ec.Steps {
			if st.ID == stepID {
				step, found = st, true
			}
		}
	}
	if found {
		req.TemplateIDs = append(req.TemplateIDs, step.InlineGateIDs...)
		if p, err := e.catalog.Prompt(step.PromptID); err == nil {
			req.TemplateIDs = append(req.TemplateIDs, p.Gates...)
			req.Category = p.Category
		}
	}
	if owner := e.chainPrompt(ec); owner != nil && (!found || owner.ID != step.PromptID) {
		req.TemplateIDs = append(req.TemplateIDs, owner.Gates...)
		if req.Category == "" {
			req.Category = owner.Category
		}
	}

	ec.State[gatesStepKey] = stepID
	return e.resolver.Resolve(req, ec.Gates, ec.Diagnostics)
}

// chainPrompt returns the prompt that owns the step graph, if any.
func (e *Engine) chainPrompt(ec *pipeline.ExecutionContext) *registry.Prompt {
	if ec.Prompt != nil {
		return ec.Prompt
	}
	if ec.Session == nil || ec.Session.PromptID == "" {
		return nil
	}
	p, err := e.catalog.Prompt(ec.Session.PromptID)
	if err != nil || !p.IsChain() {
		return nil
	}
	ec.Prompt = &p
	return ec.Prompt
}

// begin starts a chain run for chains, restarts and single prompts whose
// gates need enforcement across a round trip.
func (e *Engine) begin(ctx context.Context, ec *pipeline.ExecutionContext) error {
	switch ec.Mode {
	case pipeline.ModeChain, pipeline.ModeRestart:
	case pipeline.ModeSingle:
		if !e.needsSession(ec.Gates.Blocking()) {
			return nil
		}
		ec.Mode = pipeline.ModeChain
		ec.Diagnostics.Info("begin", "single_promoted", "prompt has blocking gates; tracking it as a one-step chain")
	default:
		return nil
	}

	nr := chain.NewRun{Steps: ec.Steps, Gates: e.persistentGates(ec)}
	if ec.Mode == pipeline.ModeRestart {
		id, _, err := chain.ParseRef(ec.Request.ChainID)
		if err != nil {
			return err
		}
		nr.ChainID = id
	}
	switch prev, _ := ec.State[restartKey].(*chain.Session); {
	case ec.Command == nil && prev != nil:
		nr.PromptID, nr.Args, nr.Input = prev.PromptID, prev.Args, prev.Input
	case ec.Command != nil:
		first := ec.Command.Steps[0]
		nr.PromptID = first.PromptID
		nr.Input = first.Input
		if ec.Command.IsChain() {
			nr.Args = ec.Request.Args
		} else {
			nr.Args = first.Args
		}
	}

	s, err := e.sessions.Begin(ctx, nr)
	if err != nil {
		return err
	}
	ec.Session = s
	ec.SessionFrom = s.State
	e.logger.Info(ctx, "chain run started",
		zap.String("chain_id", s.ChainID),
		zap.Int("run", s.RunNumber),
		zap.Int("steps", len(s.Plan)),
		zap.String("mode", string(ec.Mode)))
	return nil
}

// needsSession reports whether the gates can only be enforced by holding
// the output for another round trip.
func (e *Engine) needsSession(blocking []gates.ResolvedGate) bool {
	for _, g := range blocking {
		if g.Definition.ShellVerify == nil || e.verifyEnabled() {
			return true
		}
	}
	return false
}

// persistentGates are the request-declared gates stored on a new run. The
// starting request is the chain's only execution, so execution-scoped
// declarations are kept for the whole run.
func (e *Engine) persistentGates(ec *pipeline.ExecutionContext) []gates.ResolvedGate {
	if !ec.Decision().GatesEnabled {
		return nil
	}
	excluded := make(map[string]bool, len(ec.Request.Exclude))
	for _, id := range ec.Request.Exclude {
		excluded[strings.TrimSpace(id)] = true
	}

	var defs []gates.Definition
	defs = append(defs, ec.Declarations.Definitions...)
	for _, id := range ec.Declarations.IDs {
		if def, ok := e.catalog.Gate(strings.TrimSpace(id)); ok {
			defs = append(defs, def)
		}
	}

	var out []gates.ResolvedGate
	for _, def := range defs {
		def = def.WithDefaults()
		if excluded[def.ID] {
			continue
		}
		if !def.Scope.Persistent() {
			def.Scope = gates.ScopeChain
		}
		out = append(out, gates.ResolvedGate{Definition: def, Source: gates.SourceTemporary})
	}
	return out
}

func (e *Engine) verifyEnabled() bool {
	return e.opts.VerifyEnabled && e.verifier != nil
}
