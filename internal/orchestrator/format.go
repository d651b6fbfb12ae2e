package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
)

// Continuation is the line that ends every response of an active chain.
func Continuation(key chain.Key, stepIndex int) string {
	return fmt.Sprintf("prompt_engine(chain_id:%q, step_index:%d) to continue", key.String(), stepIndex)
}

// format builds the response text.
func (e *Engine) format(_ context.Context, ec *pipeline.ExecutionContext) error {
	out, _ := ec.State[outcomeKey].(*outcome)
	if out == nil {
		out = &outcome{}
	}
	d := ec.Decision()
	resp := &pipeline.Response{}
	if d.ShouldApply {
		resp.Framework = d.FrameworkID
	}

	var b strings.Builder
	for _, n := range out.notices {
		b.WriteString(n)
		b.WriteByte('\n')
	}
	if len(out.notices) > 0 {
		b.WriteByte('\n')
	}

	s := ec.Session
	if s == nil {
		gs := ec.Gates.Gates()
		resp.Gates = gateIDs(gs)
		b.WriteString(joinParts(e.header(d), out.rendered, gates.Guidance(gs)))
		b.WriteByte('\n')
		resp.Text = b.String()
		ec.Respond(resp)
		return nil
	}

	switch s.State {
	case chain.StateComplete:
		writeComplete(&b, s)
	case chain.StateAborted:
		writeAborted(&b, s)
	case chain.StateGatePending:
		resp.Gates = e.writePending(&b, ec, s)
	case chain.StateStepActive:
		cur, _ := s.Current()
		gs := e.gatesFor(ec, cur.ID)
		resp.Gates = gateIDs(gs)
		rendered := out.rendered
		if out.stepID != cur.ID {
			rendered = ""
		}
		b.WriteString(joinParts(e.header(d), rendered, gates.Guidance(gs)))
		b.WriteString("\n\n")
		writeProgress(&b, s)
		b.WriteString(Continuation(s.Key(), s.CurrentIndex))
		b.WriteByte('\n')
	}

	resp.AttachSession(s)
	resp.Text = b.String()
	ec.Respond(resp)
	return nil
}

func (e *Engine) header(d framework.Decision) string {
	if !d.ShouldApply {
		return ""
	}
	m, ok := e.catalog.Methodology(d.FrameworkID)
	if !ok {
		return ""
	}
	return m.Header()
}

// gatesFor returns the gates of stepID, re-resolving when the request
// resolved them for another step.
func (e *Engine) gatesFor(ec *pipeline.ExecutionContext, stepID string) []gates.ResolvedGate {
	if resolved, _ := ec.State[gatesStepKey].(string); resolved == stepID {
		return ec.Gates.Gates()
	}
	return e.resolveFor(ec, stepID)
}

func (e *Engine) writePending(b *strings.Builder, ec *pipeline.ExecutionContext, s *chain.Session) []string {
	p := s.PendingGateReview
	fmt.Fprintf(b, "## Gate Review: %s\n\n", p.StepID)

	if p.LastFailure != "" {
		fmt.Fprintf(b, "Shell verification failed (attempt %d of %d):\n\n```\n%s\n```\n\n", p.Attempts, p.MaxAttempts, p.LastFailure)
		if p.Exhausted {
			b.WriteString("Verification attempts are exhausted. Choose gate_action retry, skip or abort.\n\n")
		} else {
			b.WriteString("Fix the problem and resend the step output as user_response, or use gate_action retry, skip or abort.\n\n")
		}
		writeProgress(b, s)
		b.WriteString(Continuation(s.Key(), s.CurrentIndex))
		b.WriteByte('\n')
		return p.GateIDs
	}

	if v := p.LastVerdict; v != nil && !v.Passed() {
		fmt.Fprintf(b, "Previous review failed (attempt %d of %d): %s\n\n", p.Attempts, p.MaxAttempts, v.Reason)
	}
	if p.Exhausted {
		b.WriteString("Review attempts are exhausted. Choose gate_action retry, skip or abort.\n\n")
	}

	byID := make(map[string]gates.ResolvedGate)
	for _, g := range e.gatesFor(ec, p.StepID) {
		byID[g.ID()] = g
	}
	b.WriteString("Review the held output against:\n")
	for _, id := range p.GateIDs {
		g, ok := byID[id]
		if !ok {
			fmt.Fprintf(b, "- %s\n", id)
			continue
		}
		name := g.Definition.Name
		if name == "" {
			name = id
		}
		if len(g.Definition.Criteria) == 0 || (len(g.Definition.Criteria) == 1 && g.Definition.Criteria[0] == name) {
			fmt.Fprintf(b, "- %s\n", name)
			continue
		}
		fmt.Fprintf(b, "- %s: %s\n", name, strings.Join(g.Definition.Criteria, "; "))
	}
	b.WriteByte('\n')

	writeProgress(b, s)
	fmt.Fprintf(b, "Send prompt_engine(chain_id:%q, step_index:%d, gate_verdict:\"...\") or a gate_action.\n",
		s.Key().String(), s.CurrentIndex)
	b.WriteString(gates.ReviewInstruction)
	b.WriteByte('\n')
	return p.GateIDs
}

func writeProgress(b *strings.Builder, s *chain.Session) {
	cur, total := s.Progress()
	fmt.Fprintf(b, "Step %d of %d\n", cur, total)
}

func writeComplete(b *strings.Builder, s *chain.Session) {
	fmt.Fprintf(b, "Chain %s complete.\n\n", s.Key())
	writeResults(b, s)
	for i := len(s.StepResults) - 1; i >= 0; i-- {
		if r := s.StepResults[i]; r.Status == chain.StepSucceeded {
			fmt.Fprintf(b, "\n## Final output\n\n%s\n", strings.TrimSpace(r.Output))
			break
		}
	}
}

func writeAborted(b *strings.Builder, s *chain.Session) {
	fmt.Fprintf(b, "Chain %s aborted: %s\n\n", s.Key(), s.AbortReason)
	writeResults(b, s)
	b.WriteString("\nStart again with force_restart:true.\n")
}

func writeResults(b *strings.Builder, s *chain.Session) {
	b.WriteString("## Steps\n")
	for _, r := range s.StepResults {
		line := fmt.Sprintf("- %s: %s", r.StepID, r.Status)
		switch {
		case r.GateBypassed:
			line += " (gates bypassed)"
		case r.Error != "":
			line += " (" + r.Error + ")"
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
}
