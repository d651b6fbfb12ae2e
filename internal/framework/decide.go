// Package framework decides which reasoning methodology applies to an
// execution and holds the process-wide methodology state.
package framework

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
)

const stageName = "framework"

// Modifier is a request-level execution modifier (%clean, %lean, ...).
type Modifier string

const (
	ModifierNone Modifier = ""
	// ModifierClean disables methodology and gates.
	ModifierClean Modifier = "clean"
	// ModifierLean disables methodology but keeps gates.
	ModifierLean Modifier = "lean"
	// ModifierGuided forces methodology plus gates.
	ModifierGuided Modifier = "guided"
	// ModifierFramework forces methodology without methodology gates.
	ModifierFramework Modifier = "framework"
)

// ParseModifier maps modifier text, with or without the leading '%'.
func ParseModifier(s string) (Modifier, bool) {
	switch m := Modifier(strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "%"))); m {
	case ModifierNone, ModifierClean, ModifierLean, ModifierGuided, ModifierFramework:
		return m, true
	}
	return ModifierNone, false
}

// Source names the level a decision came from.
type Source string

const (
	SourceNone     Source = "none"
	SourceModifier Source = "modifier"
	SourceOperator Source = "operator"
	SourceAdmin    Source = "admin"
	SourceGlobal   Source = "global"
)

// Sources are the competing inputs for one execution.
type Sources struct {
	Modifier Modifier
	// Operator is the @FRAMEWORK override parsed from the command.
	Operator string
	// Admin is the process-wide override set through system_control.
	Admin string
	// Global is the persisted active methodology.
	Global string
	// SystemEnabled gates the global methodology only; explicit operator
	// and admin overrides still apply when it is off.
	SystemEnabled bool
	// GatesEnabled is the process-wide gate system flag.
	GatesEnabled bool
}

// Decision is the outcome for one execution.
type Decision struct {
	ShouldApply bool   `json:"should_apply"`
	FrameworkID string `json:"framework_id,omitempty"`
	Source      Source `json:"source"`
	// GatesEnabled reports whether any gates run for this execution.
	GatesEnabled bool `json:"gates_enabled"`
	// MethodologyGates reports whether methodology-derived gates run.
	MethodologyGates bool `json:"methodology_gates"`
}

// Decide resolves sources with the precedence
//
//	modifier > operator > admin > global
//
// It is pure: identical sources always yield the same decision.
func Decide(s Sources) Decision {
	d := Decision{Source: SourceNone, GatesEnabled: s.GatesEnabled}

	switch s.Modifier {
	case ModifierClean:
		d.Source = SourceModifier
		d.GatesEnabled = false
		return d
	case ModifierLean:
		d.Source = SourceModifier
		return d
	case ModifierGuided, ModifierFramework:
		id, _ := pick(s)
		d.Source = SourceModifier
		d.FrameworkID = id
		d.ShouldApply = id != ""
		if s.Modifier == ModifierGuided {
			d.GatesEnabled = true
			d.MethodologyGates = d.ShouldApply
		}
		return d
	}

	id, src := pick(s)
	if id == "" {
		return d
	}
	d.ShouldApply = true
	d.FrameworkID = id
	d.Source = src
	d.MethodologyGates = d.GatesEnabled
	return d
}

// pick returns the highest non-modifier source that names a methodology.
// Under a forcing modifier the global methodology counts even when the
// framework system is off.
func pick(s Sources) (string, Source) {
	if id := strings.TrimSpace(s.Operator); id != "" {
		return id, SourceOperator
	}
	if id := strings.TrimSpace(s.Admin); id != "" {
		return id, SourceAdmin
	}
	forced := s.Modifier == ModifierGuided || s.Modifier == ModifierFramework
	if id := strings.TrimSpace(s.Global); id != "" && (s.SystemEnabled || forced) {
		return id, SourceGlobal
	}
	return "", SourceNone
}

// Lookup resolves a methodology id case-insensitively to its canonical
// id.
type Lookup func(id string) (canonical string, ok bool)

// Authority owns the framework decision for one execution context. It
// validates names against the loaded methodologies and degrades an unknown
// name to a diagnostic plus the next source down.
type Authority struct {
	sources Sources
	lookup  Lookup
	diags   *diagnostics.Accumulator

	decided  bool
	decision Decision
}

// NewAuthority returns an authority for one request. lookup may be nil,
// in which case every name is accepted as written.
func NewAuthority(sources Sources, lookup Lookup, diags *diagnostics.Accumulator) *Authority {
	return &Authority{sources: sources, lookup: lookup, diags: diags}
}

// Sources returns the inputs the authority decides over.
func (a *Authority) Sources() Sources { return a.sources }

// Decision computes the decision on first call and returns the same value
// for the rest of the request.
func (a *Authority) Decision() Decision {
	if a.decided {
		return a.decision
	}
	s := a.sources
	s.Operator = a.validate(s.Operator, "operator")
	s.Admin = a.validate(s.Admin, "admin override")
	s.Global = a.validate(s.Global, "active framework")

	a.decision = Decide(s)
	a.decided = true
	return a.decision
}

func (a *Authority) validate(id, origin string) string {
	id = strings.TrimSpace(id)
	if id == "" || a.lookup == nil {
		return id
	}
	if canonical, ok := a.lookup(id); ok {
		return canonical
	}
	if a.diags != nil {
		a.diags.Warn(stageName, "unknown_framework",
			fmt.Sprintf("%s framework %q is not loaded and was ignored", origin, id),
			"use system_control framework.list to see available frameworks")
	}
	return ""
}
