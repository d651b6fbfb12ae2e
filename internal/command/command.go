// Package command parses the prompt_engine command syntax:
//
//	%guided @CAGEERF #concise >>research topic="rust" --> >>summarize * 2 :: 'cite sources' :: verify:'go test ./...' :fast
//
// Modifiers lead the command, '-->' chains steps, '* N' repeats a step,
// '::' declares a gate, '@' overrides the framework and '#' picks a
// response style. Everything else is key=value arguments or free text.
package command

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
)

const (
	stageName = "parse"

	// MaxRepeat bounds the '* N' operator.
	MaxRepeat = 20
)

var (
	promptIDPattern  = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_.-]*$`)
	argKeyPattern    = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)
	frameworkPattern = regexp.MustCompile(`^@([A-Za-z0-9_-]+)$`)
	stylePattern     = regexp.MustCompile(`^#([A-Za-z][A-Za-z0-9_-]*)$`)
	repeatPattern    = regexp.MustCompile(`^\*\s*(\d+)$`)
	gateIDPattern    = regexp.MustCompile(`^[a-z][a-z0-9_-]*$`)
)

// Step is one prompt invocation within a command.
type Step struct {
	PromptID string            `json:"prompt_id"`
	Args     map[string]string `json:"args,omitempty"`
	// Input is the free text left after arguments were taken out.
	Input  string `json:"input,omitempty"`
	Repeat int    `json:"repeat"`
}

// Gate is a '::' gate operator.
type Gate struct {
	// Ref names a registered gate (:: security-review).
	Ref string `json:"ref,omitempty"`
	// ID and Criteria declare a temporary gate (:: id:'criteria' or :: 'criteria').
	ID       string `json:"id,omitempty"`
	Criteria string `json:"criteria,omitempty"`
	// Shell declares a shell verification gate (:: verify:'cmd' :full).
	Shell  string             `json:"shell,omitempty"`
	Preset gates.VerifyPreset `json:"preset,omitempty"`
}

// Definition converts a temporary or shell gate into a definition. Ref
// gates have none.
func (g Gate) Definition() (gates.Definition, bool) {
	switch {
	case g.Shell != "":
		return gates.InlineShell(g.Shell, g.Preset), true
	case g.Criteria != "":
		return gates.Inline(g.ID, g.Criteria), true
	}
	return gates.Definition{}, false
}

// Command is a parsed prompt_engine command.
type Command struct {
	Raw       string             `json:"raw"`
	Modifier  framework.Modifier `json:"modifier,omitempty"`
	Framework string             `json:"framework,omitempty"`
	Style     string             `json:"style,omitempty"`
	Steps     []Step             `json:"steps"`
	Gates     []Gate             `json:"gates,omitempty"`
	// Recovered is set when strict parsing failed and the command was
	// reduced to a single prompt call.
	Recovered bool `json:"recovered,omitempty"`
}

// IsChain reports whether the command runs more than one step.
func (c Command) IsChain() bool {
	n := 0
	for _, s := range c.Steps {
		n += s.Repeat
	}
	return n > 1
}

// Expand returns the steps with repeats unrolled.
func (c Command) Expand() []Step {
	var out []Step
	for _, s := range c.Steps {
		for i := 0; i < s.Repeat; i++ {
			out = append(out, s)
		}
	}
	return out
}

// ShellGates returns the shell verification gates.
func (c Command) ShellGates() []Gate {
	var out []Gate
	for _, g := range c.Gates {
		if g.Shell != "" {
			out = append(out, g)
		}
	}
	return out
}

// Parse parses text strictly.
func Parse(text string) (Command, error) {
	cmd := Command{Raw: text}
	text = strings.TrimSpace(text)
	if text == "" {
		return cmd, errors.Parse("command", "command is empty", `try ">>prompt_id key=\"value\""`)
	}

	toks, err := lex(text)
	if err != nil {
		return cmd, err
	}

	p := &parser{cmd: &cmd, toks: toks}
	if err := p.run(); err != nil {
		return Command{Raw: cmd.Raw}, err
	}
	return cmd, nil
}

// ParseLenient parses text and, when strict parsing fails but the text
// still starts with a prompt id, recovers to a single prompt call whose
// input is the remaining text. The recovery is recorded in diags.
func ParseLenient(text string, diags *diagnostics.Accumulator) (Command, error) {
	cmd, err := Parse(text)
	if err == nil || errors.KindOf(err) != errors.KindParse {
		return cmd, err
	}

	trimmed := strings.TrimSpace(text)
	first, rest, _ := strings.Cut(trimmed, " ")
	id := strings.TrimPrefix(first, ">>")
	if !promptIDPattern.MatchString(id) {
		return cmd, err
	}

	diags.Warn(stageName, "command_recovered",
		fmt.Sprintf("command could not be parsed (%s); running %s with the rest as input", strings.TrimSpace(firstLine(err.Error())), id),
		errors.NextAction(err))
	return Command{
		Raw:       text,
		Steps:     []Step{{PromptID: id, Input: strings.TrimSpace(rest), Repeat: 1}},
		Recovered: true,
	}, nil
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

type parser struct {
	cmd  *Command
	toks []token
	i    int
	cur  *Step
	free []string
}

func (p *parser) run() error {
	// leading modifiers
	for p.i < len(p.toks) && p.toks[p.i].kind == tokWord && strings.HasPrefix(p.toks[p.i].raw, "%") {
		raw := p.toks[p.i].raw
		mod, ok := framework.ParseModifier(raw)
		if !ok || mod == framework.ModifierNone {
			return errors.Parse("command", fmt.Sprintf("unknown modifier %q", raw), "use one of %clean, %lean, %guided, %framework")
		}
		if p.cmd.Modifier != "" && p.cmd.Modifier != mod {
			return errors.Parse("command", fmt.Sprintf("conflicting modifiers %%%s and %s", p.cmd.Modifier, raw), "keep a single modifier")
		}
		p.cmd.Modifier = mod
		p.i++
	}

	for ; p.i < len(p.toks); p.i++ {
		tok := p.toks[p.i]
		switch tok.kind {
		case tokArrow:
			if err := p.endStep(true); err != nil {
				return err
			}
		case tokGate:
			if err := p.gate(); err != nil {
				return err
			}
		default:
			if err := p.word(tok); err != nil {
				return err
			}
		}
	}
	if err := p.endStep(false); err != nil {
		return err
	}
	if len(p.cmd.Steps) == 0 {
		return errors.Parse("command", "command names no prompt", `start with ">>prompt_id"`)
	}
	return nil
}

func (p *parser) word(tok token) error {
	raw := tok.raw

	if m := frameworkPattern.FindStringSubmatch(raw); m != nil {
		if p.cmd.Framework != "" && !strings.EqualFold(p.cmd.Framework, m[1]) {
			return errors.Parse("command", fmt.Sprintf("conflicting framework operators @%s and %s", p.cmd.Framework, raw), "keep a single @FRAMEWORK")
		}
		p.cmd.Framework = m[1]
		return nil
	}
	if m := stylePattern.FindStringSubmatch(raw); m != nil {
		p.cmd.Style = m[1]
		return nil
	}

	if raw == "*" || repeatPattern.MatchString(raw) {
		return p.repeat(raw)
	}

	if p.cur == nil {
		id := strings.TrimPrefix(raw, ">>")
		if !promptIDPattern.MatchString(id) {
			return errors.Parse("command", fmt.Sprintf("%q is not a prompt id", raw), `prompt ids look like ">>code_review"`)
		}
		p.cur = &Step{PromptID: id, Repeat: 1}
		return nil
	}

	if strings.HasPrefix(raw, ">>") {
		return errors.Parse("command", fmt.Sprintf("prompt %s follows %s without '-->'", raw, p.cur.PromptID), "separate chain steps with -->")
	}

	if key, val, ok := strings.Cut(raw, "="); ok && argKeyPattern.MatchString(key) {
		v, _ := unquote(val)
		if p.cur.Args == nil {
			p.cur.Args = make(map[string]string)
		}
		p.cur.Args[key] = v
		return nil
	}

	p.free = append(p.free, stripQuotes(raw))
	return nil
}

func (p *parser) repeat(raw string) error {
	if p.cur == nil {
		return errors.Parse("command", "'*' repeat has no step to repeat", `use ">>prompt * 3"`)
	}
	digits := strings.TrimSpace(strings.TrimPrefix(raw, "*"))
	if digits == "" {
		p.i++
		if p.i >= len(p.toks) || p.toks[p.i].kind != tokWord {
			return errors.Parse("command", "'*' must be followed by a count", `use ">>prompt * 3"`)
		}
		digits = p.toks[p.i].raw
	}
	n, err := strconv.Atoi(digits)
	if err != nil {
		return errors.Parse("command", fmt.Sprintf("repeat count %q is not a number", digits), `use ">>prompt * 3"`)
	}
	if n < 1 || n > MaxRepeat {
		return errors.Validation("command", fmt.Sprintf("repeat count %d out of range 1..%d", n, MaxRepeat), `">>prompt * 3"`)
	}
	p.cur.Repeat = n
	return nil
}

func (p *parser) endStep(more bool) error {
	if p.cur == nil {
		if more || len(p.cmd.Steps) > 0 {
			return errors.Parse("command", "'-->' must sit between two prompts", `">>first --> >>second"`)
		}
		return nil
	}
	if len(p.free) > 0 {
		p.cur.Input = strings.Join(p.free, " ")
	}
	p.cmd.Steps = append(p.cmd.Steps, *p.cur)
	p.cur = nil
	p.free = nil
	return nil
}

// gate consumes the gate text after '::'.
func (p *parser) gate() error {
	p.i++
	if p.i >= len(p.toks) || p.toks[p.i].kind != tokWord {
		return errors.Parse("command", "'::' must be followed by a gate", `":: 'cite sources'" or ":: security-review"`)
	}
	raw := p.toks[p.i].raw

	if text, ok := unquote(raw); ok {
		if strings.TrimSpace(text) == "" {
			return errors.Parse("command", "gate criteria are empty", `":: 'cite sources'"`)
		}
		p.cmd.Gates = append(p.cmd.Gates, Gate{Criteria: text})
		return nil
	}

	if name, spec, ok := strings.Cut(raw, ":"); ok {
		text, preset, err := splitPreset(spec)
		if err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return errors.Parse("command", fmt.Sprintf("gate %s has empty criteria", name), `":: id:'criteria'"`)
		}
		if name == "verify" {
			if preset == "" {
				preset = p.trailingPreset()
			}
			p.cmd.Gates = append(p.cmd.Gates, Gate{Shell: text, Preset: preset})
			return nil
		}
		if preset != "" {
			return errors.Parse("command", fmt.Sprintf("preset :%s only applies to verify gates", preset), `":: verify:'go test ./...' :fast"`)
		}
		if !gateIDPattern.MatchString(name) {
			return errors.Parse("command", fmt.Sprintf("gate id %q must be lowercase", name), `":: cite-sources:'cite every claim'"`)
		}
		p.cmd.Gates = append(p.cmd.Gates, Gate{ID: name, Criteria: text})
		return nil
	}

	if !gateIDPattern.MatchString(raw) {
		return errors.Parse("command", fmt.Sprintf("%q is not a gate id or quoted criteria", raw), `":: 'cite sources'" or ":: security-review"`)
	}
	p.cmd.Gates = append(p.cmd.Gates, Gate{Ref: raw})
	return nil
}

// splitPreset splits 'cmd':fast into the unquoted text and preset.
func splitPreset(spec string) (string, gates.VerifyPreset, error) {
	if len(spec) == 0 || (spec[0] != '"' && spec[0] != '\'') {
		return "", "", errors.Parse("command", "gate criteria must be quoted", `":: id:'criteria'"`)
	}
	end := strings.LastIndexByte(spec, spec[0])
	if end <= 0 {
		return "", "", errors.Parse("command", "gate criteria quote is not closed", `":: id:'criteria'"`)
	}
	text := spec[1:end]
	tail := spec[end+1:]
	if tail == "" {
		return text, "", nil
	}
	preset, ok := parsePreset(tail)
	if !ok {
		return "", "", errors.Parse("command", fmt.Sprintf("unknown verify preset %q", tail), "use :fast, :full or :extended")
	}
	return text, preset, nil
}

func (p *parser) trailingPreset() gates.VerifyPreset {
	if p.i+1 >= len(p.toks) || p.toks[p.i+1].kind != tokWord {
		return ""
	}
	if preset, ok := parsePreset(p.toks[p.i+1].raw); ok {
		p.i++
		return preset
	}
	return ""
}

func parsePreset(s string) (gates.VerifyPreset, bool) {
	switch gates.VerifyPreset(strings.ToLower(strings.TrimPrefix(s, ":"))) {
	case gates.PresetFast:
		return gates.PresetFast, strings.HasPrefix(s, ":")
	case gates.PresetFull:
		return gates.PresetFull, strings.HasPrefix(s, ":")
	case gates.PresetExtended:
		return gates.PresetExtended, strings.HasPrefix(s, ":")
	}
	return "", false
}
