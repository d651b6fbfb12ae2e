package mcp

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
)

type systemControlInput struct {
	Action  string `json:"action" jsonschema:"Action to run; help lists them"`
	ID      string `json:"id,omitempty" jsonschema:"Methodology id for framework.switch and override.set"`
	ChainID string `json:"chain_id,omitempty" jsonschema:"Chain reference for sessions.show and sessions.abort"`
	Reason  string `json:"reason,omitempty" jsonschema:"Reason recorded with framework.switch and sessions.abort"`
	Query   string `json:"query,omitempty" jsonschema:"Search text for help"`
}

type statusOutput struct {
	Server    string             `json:"server"`
	Version   string             `json:"version"`
	Uptime    string             `json:"uptime"`
	Framework framework.Snapshot `json:"framework"`
	Sessions  map[string]int     `json:"sessions"`
	Methods   int                `json:"methodologies"`
	Actions   []string           `json:"actions"`
}

type methodologyOutput struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	Active  bool   `json:"active"`
}

type sessionOutput struct {
	chain.Summary
	PromptID          string                   `json:"prompt_id,omitempty"`
	AbortReason       string                   `json:"abort_reason,omitempty"`
	StepResults       []chain.StepResult       `json:"step_results,omitempty"`
	PendingGateReview *chain.PendingGateReview `json:"pending_gate_review,omitempty"`
	RetryCounters     map[string]int           `json:"retry_counters,omitempty"`
}

type systemControlOutput struct {
	Action        string              `json:"action"`
	Status        *statusOutput       `json:"status,omitempty"`
	Methodologies []methodologyOutput `json:"methodologies,omitempty"`
	Framework     *framework.Snapshot `json:"framework,omitempty"`
	Sessions      []chain.Summary     `json:"sessions,omitempty"`
	Session       *sessionOutput      `json:"session,omitempty"`
	Swept         []string            `json:"swept,omitempty"`
	Actions       []*ActionMetadata   `json:"actions,omitempty"`
	Matches       []*SearchResult     `json:"matches,omitempty"`
}

type controlFunc func(ctx context.Context, in systemControlInput, out *systemControlOutput) (string, error)

func (s *Server) controls() map[string]controlFunc {
	return map[string]controlFunc{
		"help":              s.help,
		"status":            s.status,
		"framework.list":    s.frameworkList,
		"framework.switch":  s.frameworkSwitch,
		"framework.enable":  s.toggle("framework system enabled", s.state.SetFrameworkEnabled, true),
		"framework.disable": s.toggle("framework system disabled", s.state.SetFrameworkEnabled, false),
		"gates.enable":      s.toggle("gate system enabled", s.state.SetGatesEnabled, true),
		"gates.disable":     s.toggle("gate system disabled", s.state.SetGatesEnabled, false),
		"override.set":      s.overrideSet,
		"override.clear":    s.overrideClear,
		"sessions.list":     s.sessionsList,
		"sessions.show":     s.sessionsShow,
		"sessions.abort":    s.sessionsAbort,
		"sessions.sweep":    s.sessionsSweep,
	}
}

func (s *Server) registerSystemControl() {
	controls := s.controls()
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "system_control",
		Description: "Inspect and change framework, gate and session state. Actions: " + strings.Join(s.actions.Names(), ", "),
	}, func(ctx context.Context, req *mcp.CallToolRequest, args systemControlInput) (*mcp.CallToolResult, any, error) {
		done := s.metrics.track(ctx, "system_control")
		res, out, err := s.control(ctx, controls, args)
		done(errors.KindOf(err))
		if err != nil {
			s.logger.Info(ctx, "system_control failed", zap.String("action", args.Action), zap.Error(err))
			return &mcp.CallToolResult{
				Content: []mcp.Content{&mcp.TextContent{Text: pipeline.ErrorResponse(err).Text}},
				IsError: true,
			}, nil, nil
		}
		return res, out, nil
	})
}

func (s *Server) control(ctx context.Context, controls map[string]controlFunc, in systemControlInput) (*mcp.CallToolResult, *systemControlOutput, error) {
	action := strings.ToLower(strings.TrimSpace(in.Action))
	fn, ok := controls[action]
	if !ok {
		return nil, nil, errors.Validation("action", fmt.Sprintf("unknown action %q", in.Action),
			"valid actions: "+strings.Join(s.actions.Names(), ", "))
	}
	out := &systemControlOutput{Action: action}
	text, err := fn(ctx, in, out)
	if err != nil {
		return nil, nil, err
	}
	return &mcp.CallToolResult{Content: []mcp.Content{&mcp.TextContent{Text: text}}}, out, nil
}

func (s *Server) help(_ context.Context, in systemControlInput, out *systemControlOutput) (string, error) {
	var b strings.Builder
	if q := strings.TrimSpace(in.Query); q != "" {
		out.Matches = s.actions.Search(q)
		if len(out.Matches) == 0 {
			return fmt.Sprintf("No actions match %q.", q), nil
		}
		fmt.Fprintf(&b, "Actions matching %q:\n", q)
		for _, m := range out.Matches {
			writeAction(&b, m.Action)
		}
		return b.String(), nil
	}
	out.Actions = s.actions.List()
	b.WriteString("Actions:\n")
	for _, a := range out.Actions {
		writeAction(&b, a)
	}
	return b.String(), nil
}

func writeAction(b *strings.Builder, a *ActionMetadata) {
	fmt.Fprintf(b, "- %s: %s", a.Name, a.Description)
	if len(a.Params) > 0 {
		fmt.Fprintf(b, " (%s)", strings.Join(a.Params, ", "))
	}
	b.WriteByte('\n')
}

func (s *Server) status(ctx context.Context, _ systemControlInput, out *systemControlOutput) (string, error) {
	counts := make(map[string]int)
	sums, err := s.sessions.List(ctx)
	if err != nil {
		return "", err
	}
	for _, sum := range sums {
		state := string(sum.State)
		if sum.Corrupt {
			state = "corrupt"
		}
		counts[state]++
	}

	snap := s.state.Snapshot()
	st := &statusOutput{
		Server:    s.name,
		Version:   s.version,
		Uptime:    time.Since(s.started).Round(time.Second).String(),
		Framework: snap,
		Sessions:  counts,
		Methods:   len(s.catalog.Methodologies()),
		Actions:   s.actions.Names(),
	}
	out.Status = st

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s, up %s\n", st.Server, st.Version, st.Uptime)
	fmt.Fprintf(&b, "Framework: %s (system %s)\n", orNone(snap.ActiveFramework), onOff(snap.FrameworkSystemEnabled))
	if snap.AdminOverride != "" {
		fmt.Fprintf(&b, "Override: %s\n", snap.AdminOverride)
	}
	fmt.Fprintf(&b, "Gates: %s\n", onOff(snap.GateSystemEnabled))
	fmt.Fprintf(&b, "Sessions: %d", len(sums))
	if len(counts) > 0 {
		states := make([]string, 0, len(counts))
		for state := range counts {
			states = append(states, state)
		}
		sort.Strings(states)
		parts := make([]string, len(states))
		for i, state := range states {
			parts[i] = fmt.Sprintf("%s %d", state, counts[state])
		}
		fmt.Fprintf(&b, " (%s)", strings.Join(parts, ", "))
	}
	b.WriteByte('\n')
	return b.String(), nil
}

func (s *Server) frameworkList(_ context.Context, _ systemControlInput, out *systemControlOutput) (string, error) {
	snap := s.state.Snapshot()
	var b strings.Builder
	b.WriteString("Methodologies:\n")
	for _, m := range s.catalog.Methodologies() {
		mo := methodologyOutput{
			ID:      m.ID,
			Name:    m.Name,
			Enabled: m.IsEnabled(),
			Active:  strings.EqualFold(m.ID, snap.ActiveFramework),
		}
		out.Methodologies = append(out.Methodologies, mo)

		line := "- " + m.ID
		if m.Name != "" && m.Name != m.ID {
			line += " (" + m.Name + ")"
		}
		if mo.Active {
			line += " [active]"
		}
		if !mo.Enabled {
			line += " [disabled]"
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if len(out.Methodologies) == 0 {
		return "No methodologies registered.", nil
	}
	return b.String(), nil
}

func (s *Server) frameworkSwitch(ctx context.Context, in systemControlInput, out *systemControlOutput) (string, error) {
	if err := s.state.Switch(ctx, in.ID, in.Reason); err != nil {
		return "", err
	}
	snap := s.state.Snapshot()
	out.Framework = &snap
	return fmt.Sprintf("Active framework is now %s.", snap.ActiveFramework), nil
}

func (s *Server) toggle(msg string, set func(context.Context, bool) error, enabled bool) controlFunc {
	return func(ctx context.Context, _ systemControlInput, out *systemControlOutput) (string, error) {
		if err := set(ctx, enabled); err != nil {
			return "", err
		}
		snap := s.state.Snapshot()
		out.Framework = &snap
		return strings.ToUpper(msg[:1]) + msg[1:] + ".", nil
	}
}

func (s *Server) overrideSet(ctx context.Context, in systemControlInput, out *systemControlOutput) (string, error) {
	if err := s.state.SetOverride(ctx, in.ID); err != nil {
		return "", err
	}
	snap := s.state.Snapshot()
	out.Framework = &snap
	return fmt.Sprintf("Admin override set to %s.", snap.AdminOverride), nil
}

func (s *Server) overrideClear(ctx context.Context, _ systemControlInput, out *systemControlOutput) (string, error) {
	if err := s.state.ClearOverride(ctx); err != nil {
		return "", err
	}
	snap := s.state.Snapshot()
	out.Framework = &snap
	return "Admin override cleared.", nil
}

func (s *Server) sessionsList(ctx context.Context, _ systemControlInput, out *systemControlOutput) (string, error) {
	sums, err := s.sessions.List(ctx)
	if err != nil {
		return "", err
	}
	out.Sessions = sums
	if len(sums) == 0 {
		return "No stored chain sessions.", nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d chain sessions:\n", len(sums))
	for _, sum := range sums {
		key := chain.Key{ChainID: sum.ChainID, Run: sum.Run}
		if sum.Corrupt {
			fmt.Fprintf(&b, "- %s: corrupt\n", key)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s, step %d of %d", key, sum.State, min(sum.CurrentIndex+1, sum.Steps), sum.Steps)
		if sum.CurrentStep != "" {
			fmt.Fprintf(&b, " (%s)", sum.CurrentStep)
		}
		fmt.Fprintf(&b, ", last activity %s\n", sum.LastActivity.UTC().Format(time.RFC3339))
	}
	return b.String(), nil
}

func (s *Server) sessionsShow(ctx context.Context, in systemControlInput, out *systemControlOutput) (string, error) {
	if strings.TrimSpace(in.ChainID) == "" {
		return "", errors.Validation("chain_id", "sessions.show needs chain_id", `{"action":"sessions.show","chain_id":"chain-research-0a1b2c3d#1"}`)
	}
	sess, err := s.sessions.Load(ctx, in.ChainID)
	if err != nil {
		return "", err
	}
	out.Session = &sessionOutput{
		Summary:           chain.Summarize(sess),
		PromptID:          sess.PromptID,
		AbortReason:       sess.AbortReason,
		StepResults:       sess.StepResults,
		PendingGateReview: sess.PendingGateReview,
		RetryCounters:     sess.RetryCounters,
	}

	var b strings.Builder
	cur, total := sess.Progress()
	fmt.Fprintf(&b, "%s: %s, step %d of %d\n", sess.Key(), sess.State, cur, total)
	if sess.PromptID != "" {
		fmt.Fprintf(&b, "Prompt: %s\n", sess.PromptID)
	}
	for _, r := range sess.StepResults {
		fmt.Fprintf(&b, "- %s: %s\n", r.StepID, r.Status)
	}
	if p := sess.PendingGateReview; p != nil {
		fmt.Fprintf(&b, "Pending review of %s: attempt %d of %d, gates %s\n",
			p.StepID, p.Attempts, p.MaxAttempts, strings.Join(p.GateIDs, ", "))
	}
	return b.String(), nil
}

func (s *Server) sessionsAbort(ctx context.Context, in systemControlInput, out *systemControlOutput) (string, error) {
	if strings.TrimSpace(in.ChainID) == "" {
		return "", errors.Validation("chain_id", "sessions.abort needs chain_id", `{"action":"sessions.abort","chain_id":"chain-research-0a1b2c3d#1"}`)
	}
	reason := in.Reason
	if reason == "" {
		reason = "aborted by operator"
	}
	sess, err := s.sessions.Abort(ctx, in.ChainID, reason)
	if err != nil {
		return "", err
	}
	sum := chain.Summarize(sess)
	out.Session = &sessionOutput{Summary: sum, AbortReason: sess.AbortReason}
	return fmt.Sprintf("%s aborted: %s", sess.Key(), sess.AbortReason), nil
}

func (s *Server) sessionsSweep(ctx context.Context, _ systemControlInput, out *systemControlOutput) (string, error) {
	if s.sweeper == nil {
		return "", errors.Validation("action", "session sweeping is not configured on this server", "run `promptd sessions sweep`")
	}
	keys, err := s.sweeper.Sweep(ctx)
	if err != nil {
		return "", err
	}
	for _, k := range keys {
		out.Swept = append(out.Swept, k.String())
	}
	return fmt.Sprintf("Removed %d stale chain sessions.", len(keys)), nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
