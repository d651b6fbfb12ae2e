// internal/gates/types.go
package gates

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Kind tags where a gate definition comes from. It is data, not a compiled
// list: the resolver finds category and framework gates by looking up this
// tag in the loaded definition set.
type Kind string

const (
	KindFramework Kind = "framework"
	KindCategory  Kind = "category"
	KindCustom    Kind = "custom"
)

// Scope controls how far an applied gate propagates.
//
//	execution  the current request only
//	step       the declaring step, or those listed in ApplyToSteps
//	chain      every step of one run (chain_id, run_number)
//	session    every run of a chain_id, including force_restart runs
type Scope string

const (
	ScopeExecution Scope = "execution"
	ScopeSession   Scope = "session"
	ScopeChain     Scope = "chain"
	ScopeStep      Scope = "step"
)

// Severity of a gate.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// EnforcementMode decides what a FAIL verdict does.
type EnforcementMode string

const (
	// EnforcementBlocking holds the chain in GATE_PENDING until PASS or a gate action.
	EnforcementBlocking EnforcementMode = "blocking"
	// EnforcementAdvisory asks for a verdict but a FAIL only produces a diagnostic.
	EnforcementAdvisory EnforcementMode = "advisory"
	// EnforcementInformational shows guidance and asks for nothing.
	EnforcementInformational EnforcementMode = "informational"
)

// DefaultEnforcement maps severity to its implied enforcement mode.
func (s Severity) DefaultEnforcement() EnforcementMode {
	if s == SeverityLow {
		return EnforcementAdvisory
	}
	return EnforcementBlocking
}

func (s Severity) valid() bool {
	switch s {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

func (s Scope) valid() bool {
	switch s {
	case ScopeExecution, ScopeSession, ScopeChain, ScopeStep:
		return true
	}
	return false
}

// Persistent reports whether gates of this scope outlive the request.
func (s Scope) Persistent() bool {
	return s == ScopeChain || s == ScopeSession
}

// Activation predicates. Category and framework gates activate when the
// prompt's category or the active methodology matches. ExplicitRequest
// gates activate only when a request or prompt names them.
type Activation struct {
	Categories      []string `json:"categories,omitempty" yaml:"categories,omitempty" toml:"categories"`
	Frameworks      []string `json:"frameworks,omitempty" yaml:"frameworks,omitempty" toml:"frameworks"`
	ExplicitRequest bool     `json:"explicit_request,omitempty" yaml:"explicit_request,omitempty" toml:"explicit_request"`
}

// MatchesCategory reports whether category activates the gate.
func (a Activation) MatchesCategory(category string) bool {
	return containsFold(a.Categories, category)
}

// MatchesFramework reports whether frameworkID activates the gate.
func (a Activation) MatchesFramework(frameworkID string) bool {
	return containsFold(a.Frameworks, frameworkID)
}

// ShellVerify turns a gate into a shell verification gate: the verdict
// comes from the command's exit code instead of the client.
type ShellVerify struct {
	Command       string `json:"command" yaml:"command" toml:"command"`
	TimeoutMS     int64  `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty" toml:"timeout_ms"`
	MaxIterations int    `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty" toml:"max_iterations"`
}

// Timeout returns the command timeout, or def when unset.
func (s ShellVerify) Timeout(def time.Duration) time.Duration {
	if s.TimeoutMS <= 0 {
		return def
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Definition is an immutable gate definition supplied by the registry or
// declared inline on a request.
type Definition struct {
	ID              string          `json:"id" yaml:"id" toml:"id"`
	Name            string          `json:"name,omitempty" yaml:"name,omitempty" toml:"name"`
	Description     string          `json:"description,omitempty" yaml:"description,omitempty" toml:"description"`
	Kind            Kind            `json:"kind,omitempty" yaml:"kind,omitempty" toml:"kind"`
	Type            string          `json:"type,omitempty" yaml:"type,omitempty" toml:"type"`
	Severity        Severity        `json:"severity,omitempty" yaml:"severity,omitempty" toml:"severity"`
	Scope           Scope           `json:"scope,omitempty" yaml:"scope,omitempty" toml:"scope"`
	EnforcementMode EnforcementMode `json:"enforcement_mode,omitempty" yaml:"enforcement_mode,omitempty" toml:"enforcement_mode"`
	Criteria        []string        `json:"criteria,omitempty" yaml:"criteria,omitempty" toml:"criteria"`
	Guidance        string          `json:"guidance,omitempty" yaml:"guidance,omitempty" toml:"guidance"`
	Activation      Activation      `json:"activation,omitempty" yaml:"activation,omitempty" toml:"activation"`
	ApplyToSteps    []string        `json:"apply_to_steps,omitempty" yaml:"apply_to_steps,omitempty" toml:"apply_to_steps"`
	ShellVerify     *ShellVerify    `json:"shell_verify,omitempty" yaml:"shell_verify,omitempty" toml:"shell_verify"`
}

// WithDefaults returns a copy with unset fields filled in.
func (d Definition) WithDefaults() Definition {
	if d.Name == "" {
		d.Name = d.ID
	}
	if d.Kind == "" {
		d.Kind = KindCustom
	}
	if d.Type == "" {
		d.Type = "validation"
	}
	if d.Severity == "" {
		d.Severity = SeverityMedium
	}
	if d.Scope == "" {
		d.Scope = ScopeExecution
	}
	if d.EnforcementMode == "" {
		d.EnforcementMode = d.Severity.DefaultEnforcement()
	}
	return d
}

// Enforcement returns the explicit enforcement mode or the severity default.
func (d Definition) Enforcement() EnforcementMode {
	if d.EnforcementMode != "" {
		return d.EnforcementMode
	}
	sev := d.Severity
	if sev == "" {
		sev = SeverityMedium
	}
	return sev.DefaultEnforcement()
}

// Blocking reports whether a FAIL verdict holds the chain.
func (d Definition) Blocking() bool {
	return d.Enforcement() == EnforcementBlocking
}

// AppliesToStep reports whether the gate applies to stepID. Gates without
// ApplyToSteps apply everywhere they were resolved.
func (d Definition) AppliesToStep(stepID string) bool {
	if len(d.ApplyToSteps) == 0 || stepID == "" {
		return true
	}
	for _, s := range d.ApplyToSteps {
		if s == stepID {
			return true
		}
	}
	return false
}

// Validate checks a definition after defaults were applied. field prefixes
// error locations (for example "gates[2]").
func (d Definition) Validate(field string) error {
	if d.ID == "" {
		return errors.Validation(field+".id", "gate id is required", `{"id":"cite-sources","criteria":["cite every source"]}`)
	}
	if !validID(d.ID) {
		return errors.Validation(field+".id", fmt.Sprintf("gate id %q must be lowercase letters, digits, '-' or '_'", d.ID), `"id":"cite-sources"`)
	}
	if !d.Severity.valid() {
		return errors.Validation(field+".severity", fmt.Sprintf("unknown severity %q", d.Severity), `"severity":"medium"`)
	}
	if !d.Scope.valid() {
		return errors.Validation(field+".scope", fmt.Sprintf("unknown scope %q", d.Scope), `"scope":"execution"`)
	}
	switch d.Kind {
	case KindFramework, KindCategory, KindCustom:
	default:
		return errors.Validation(field+".kind", fmt.Sprintf("unknown kind %q", d.Kind), `"kind":"custom"`)
	}
	switch d.EnforcementMode {
	case EnforcementBlocking, EnforcementAdvisory, EnforcementInformational:
	default:
		return errors.Validation(field+".enforcement_mode", fmt.Sprintf("unknown enforcement mode %q", d.EnforcementMode), `"enforcement_mode":"blocking"`)
	}
	if d.ShellVerify != nil && strings.TrimSpace(d.ShellVerify.Command) == "" {
		return errors.Validation(field+".shell_verify.command", "shell verification needs a command", `"shell_verify":{"command":"go test ./..."}`)
	}
	if len(d.Criteria) == 0 && d.Guidance == "" && d.Description == "" && d.ShellVerify == nil {
		return errors.Validation(field+".criteria", fmt.Sprintf("gate %q has no criteria, guidance or description", d.ID), `"criteria":["cite every source"]`)
	}
	return nil
}

// Source is the precedence level a gate was resolved from. Higher wins.
type Source int

const (
	SourceFallback Source = iota + 1
	SourceFramework
	SourceCategory
	SourceTemplate
	SourceTemporary
)

func (s Source) String() string {
	switch s {
	case SourceTemporary:
		return "temporary"
	case SourceTemplate:
		return "template"
	case SourceCategory:
		return "category"
	case SourceFramework:
		return "framework"
	case SourceFallback:
		return "fallback"
	default:
		return fmt.Sprintf("source(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Source) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Source) UnmarshalText(text []byte) error {
	switch string(text) {
	case "temporary":
		*s = SourceTemporary
	case "template":
		*s = SourceTemplate
	case "category":
		*s = SourceCategory
	case "framework":
		*s = SourceFramework
	case "fallback":
		*s = SourceFallback
	default:
		return fmt.Errorf("unknown gate source %q", text)
	}
	return nil
}

// ResolvedGate is a definition paired with the precedence level that won.
type ResolvedGate struct {
	Definition Definition `json:"definition"`
	Source     Source     `json:"source"`
}

// ID returns the gate id.
func (g ResolvedGate) ID() string { return g.Definition.ID }

func validID(id string) bool {
	if id == "" || len(id) > 64 {
		return false
	}
	for i, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case (r == '-' || r == '_') && i > 0:
		default:
			return false
		}
	}
	return true
}

func containsFold(list []string, v string) bool {
	if v == "" {
		return false
	}
	for _, s := range list {
		if strings.EqualFold(s, v) {
			return true
		}
	}
	return false
}
