package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
	"github.com/fyrsmithlabs/promptd/internal/render"
	"github.com/fyrsmithlabs/promptd/internal/verify"
)

// execute applies the client's input to the session, renders the step now
// current and persists the session once.
func (e *Engine) execute(ctx context.Context, ec *pipeline.ExecutionContext) (err error) {
	out := &outcome{}
	ec.State[outcomeKey] = out

	if ec.Session == nil {
		text, err := e.renderSingle(ec)
		if err != nil {
			return err
		}
		out.rendered = text
		return nil
	}

	t := &turn{e: e, ec: ec, s: ec.Session, out: out, now: e.sessions.Now()}
	defer func() {
		if r := recover(); r != nil {
			// a half-applied mutation is never persisted
			panic(r)
		}
		if !t.dirty {
			return
		}
		if saveErr := e.sessions.Save(ctx, t.s, ec.SessionFrom); saveErr != nil && err == nil {
			err = saveErr
		}
	}()

	if ec.Mode == pipeline.ModeResume {
		if err := t.resume(ctx); err != nil {
			return err
		}
	}
	return t.dispatch(ctx)
}

// turn is one request's work on a locked session.
type turn struct {
	e     *Engine
	ec    *pipeline.ExecutionContext
	s     *chain.Session
	out   *outcome
	now   time.Time
	dirty bool
}

func (t *turn) resume(ctx context.Context) error {
	req := t.ec.Request
	if t.ec.Action != "" {
		return t.action(t.ec.Action)
	}
	if req.UserResponse == "" && t.ec.Verdict == nil {
		return nil
	}

	idx, err := t.s.CheckResume(req.StepIndex)
	if err != nil {
		return err
	}
	step, ok := t.s.Current()
	if !ok {
		return errors.SessionCorrupt(t.s.Key().String(), fmt.Errorf("no step at index %d", idx))
	}

	if t.s.State == chain.StateStepActive {
		if req.UserResponse == "" {
			return errors.Validation("user_response",
				fmt.Sprintf("step %s is waiting for its output; send it before a verdict", step.ID),
				`"user_response":"<step output>"`)
		}
		return t.accept(ctx, idx, step, req.UserResponse)
	}

	p := t.s.PendingGateReview
	if p.Exhausted {
		chain.VerdictsTotal.WithLabelValues("exhausted").Inc()
		return errors.GateRetryExhausted(p.StepID, p.Attempts, p.MaxAttempts)
	}
	v := t.ec.Verdict
	if v == nil {
		if found, ok := gates.ExtractVerdict(req.UserResponse); ok {
			v = &found
		}
	}
	switch {
	case p.LastFailure != "" && req.UserResponse == "":
		return errors.Validation("user_response",
			fmt.Sprintf("shell verification failed for step %s; a verdict cannot pass it", step.ID),
			"resend the fixed output as user_response, or use gate_action retry|skip|abort")
	case p.LastFailure == "" && v != nil:
		return t.verdict(*v)
	default:
		return t.accept(ctx, idx, step, req.UserResponse)
	}
}

// accept runs the blocking gates against output. Shell gates run first;
// review gates then hold the output for a verdict. With no blocking gates
// the step succeeds.
func (t *turn) accept(ctx context.Context, idx int, step chain.StepDefinition, output string) error {
	var shell, review []gates.ResolvedGate
	for _, g := range t.ec.Gates.Blocking() {
		switch {
		case g.Definition.ShellVerify == nil:
			review = append(review, g)
		case t.e.verifyEnabled():
			shell = append(shell, g)
		default:
			t.ec.Diagnostics.Warn("execute", "verify_disabled",
				fmt.Sprintf("shell verification %s skipped: verification is disabled", g.ID()), "")
		}
	}

	stepCtx, cancel := withStepTimeout(ctx, step)
	defer cancel()

	var failed []verify.Result
	maxIterations := 0
	for _, g := range shell {
		res, err := t.e.verifier.Run(stepCtx, *g.Definition.ShellVerify)
		if timedOut(ctx, stepCtx) {
			return t.fail(idx, step, errors.Timeout(step.ID, step.Timeout()))
		}
		if err != nil {
			return err
		}
		t.out.verify = append(t.out.verify, res)
		if !res.Passed {
			failed = append(failed, res)
			maxIterations = max(maxIterations, t.iterations(g.Definition))
		}
	}

	if len(failed) > 0 {
		if err := t.s.HoldForReview(idx, output, gateIDs(shell, review), maxIterations, t.now); err != nil {
			return err
		}
		t.dirty = true
		err := t.s.ApplyShellFailure(failureSummary(failed), t.now)
		p := t.s.PendingGateReview
		t.out.notice("Shell verification failed for step %s (attempt %d of %d).", step.ID, p.Attempts, p.MaxAttempts)
		t.e.logger.Info(ctx, "shell verification failed",
			zap.String("chain_id", t.s.ChainID),
			zap.String("step_id", step.ID),
			zap.Int("attempt", p.Attempts))
		if err != nil {
			chain.VerdictsTotal.WithLabelValues("exhausted").Inc()
		}
		return err
	}
	if len(shell) > 0 {
		t.out.notice("Shell verification passed for step %s.", step.ID)
	}

	if len(review) == 0 {
		if err := t.s.Succeed(idx, output, t.now); err != nil {
			return err
		}
		t.dirty = true
		return nil
	}

	if err := t.s.HoldForReview(idx, output, gateIDs(review), t.e.opts.MaxGateRetries, t.now); err != nil {
		return err
	}
	t.dirty = true
	t.s.PendingGateReview.LastFailure = ""

	v := t.ec.Verdict
	if v == nil {
		if found, ok := gates.ExtractVerdict(output); ok {
			v = &found
		}
	}
	if v != nil {
		return t.verdict(*v)
	}
	return nil
}

func (t *turn) verdict(v gates.Verdict) error {
	p := t.s.PendingGateReview
	if p == nil {
		return errors.Validation("gate_verdict", fmt.Sprintf("session %s has no pending gate review", t.s.Key()), "omit gate_verdict")
	}
	stepID := p.StepID

	err := t.s.ApplyVerdict(v, t.now)
	switch kind := errors.KindOf(err); {
	case err == nil:
		t.dirty = true
		chain.VerdictsTotal.WithLabelValues(strings.ToLower(string(v.Outcome))).Inc()
	case kind == errors.KindGateRetryExhausted:
		t.dirty = true
		chain.VerdictsTotal.WithLabelValues("exhausted").Inc()
		return err
	default:
		return err
	}

	if v.Passed() {
		t.out.notice("Gate review passed for step %s: %s", stepID, v.Reason)
		return nil
	}
	t.out.notice("Gate review failed for step %s (attempt %d of %d): %s", stepID, p.Attempts, p.MaxAttempts, v.Reason)
	return nil
}

func (t *turn) action(a chain.GateAction) error {
	stepID := ""
	if cur, ok := t.s.Current(); ok {
		stepID = cur.ID
	}
	if err := t.s.ApplyAction(a, t.now); err != nil {
		return err
	}
	t.dirty = true
	chain.VerdictsTotal.WithLabelValues(string(a)).Inc()

	switch a {
	case chain.ActionRetry:
		t.out.notice("Retrying step %s with its gate attempts reset.", stepID)
	case chain.ActionSkip:
		t.out.notice("Step %s accepted with its gates bypassed.", stepID)
	}
	return nil
}

// fail records cause against the step. An optional step is skipped and the
// chain moves on; any other failure aborts the run and is returned.
func (t *turn) fail(idx int, step chain.StepDefinition, cause error) error {
	aborted, err := t.s.Fail(idx, cause.Error(), t.now)
	if err != nil {
		return err
	}
	t.dirty = true
	if aborted {
		return cause
	}
	t.ec.Diagnostics.Warn("execute", "optional_step_failed",
		fmt.Sprintf("optional step %s failed: %v", step.ID, cause), errors.NextAction(cause))
	t.out.notice("Optional step %s failed and was skipped: %v", step.ID, cause)
	return nil
}

// dispatch renders the current step. Steps that cannot render are failed
// until one renders or the run ends.
func (t *turn) dispatch(ctx context.Context) error {
	for t.s.State == chain.StateStepActive {
		step, ok := t.s.Current()
		if !ok {
			return errors.SessionCorrupt(t.s.Key().String(), fmt.Errorf("no step at index %d", t.s.CurrentIndex))
		}
		text, err := t.e.renderStep(ctx, t.s, step)
		if err == nil {
			t.out.rendered, t.out.stepID = text, step.ID
			return nil
		}
		if errors.KindOf(err) == errors.KindInternal {
			return err
		}
		if err := t.fail(t.s.CurrentIndex, step, err); err != nil {
			return err
		}
	}
	return nil
}

func (t *turn) iterations(def gates.Definition) int {
	if n := def.ShellVerify.MaxIterations; n > 0 {
		return n
	}
	return t.e.opts.MaxVerifyIterations
}

func (e *Engine) renderSingle(ec *pipeline.ExecutionContext) (string, error) {
	p := ec.Prompt
	st := ec.Command.Expand()[0]
	vars, err := render.ResolveArgs(p.Arguments, st.Args, st.Input)
	if err != nil {
		return "", err
	}
	text, err := e.renderer.Render(p.Template, vars)
	if err != nil {
		return "", err
	}
	return joinParts(p.SystemMessage, text), nil
}

func (e *Engine) renderStep(ctx context.Context, s *chain.Session, step chain.StepDefinition) (string, error) {
	p, err := e.catalog.Prompt(step.PromptID)
	if err != nil {
		return "", err
	}
	stepCtx, cancel := withStepTimeout(ctx, step)
	defer cancel()

	vars := s.Inputs(step)
	vars, err = render.ResolveArgs(p.Arguments, vars, vars["input"])
	if err != nil {
		return "", err
	}
	text, err := e.renderer.Render(p.Template, vars)
	if err != nil {
		return "", err
	}
	if timedOut(ctx, stepCtx) {
		return "", errors.Timeout(step.ID, step.Timeout())
	}
	return joinParts(p.SystemMessage, text), nil
}

func withStepTimeout(ctx context.Context, step chain.StepDefinition) (context.Context, context.CancelFunc) {
	if d := step.Timeout(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return ctx, func() {}
}

// timedOut reports whether the step deadline, not the caller, ended stepCtx.
func timedOut(parent, stepCtx context.Context) bool {
	return stepCtx.Err() == context.DeadlineExceeded && parent.Err() == nil
}

func gateIDs(lists ...[]gates.ResolvedGate) []string {
	var ids []string
	for _, list := range lists {
		for _, g := range list {
			ids = append(ids, g.ID())
		}
	}
	return ids
}

func failureSummary(failed []verify.Result) string {
	parts := make([]string, len(failed))
	for i, r := range failed {
		parts[i] = r.Summary()
		if out := strings.TrimSpace(r.Output); out != "" {
			parts[i] += "\n" + out
		}
	}
	return strings.Join(parts, "\n\n")
}

func joinParts(parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, "\n\n")
}
