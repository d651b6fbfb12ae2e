package framework

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
)

func TestDecide_Precedence(t *testing.T) {
	base := Sources{Global: "CAGEERF", SystemEnabled: true, GatesEnabled: true}

	tests := []struct {
		name   string
		mutate func(*Sources)
		apply  bool
		id     string
		source Source
		gates  bool
		mgates bool
	}{
		{"global only", func(*Sources) {}, true, "CAGEERF", SourceGlobal, true, true},
		{"global disabled", func(s *Sources) { s.SystemEnabled = false }, false, "", SourceNone, true, false},
		{"admin beats global", func(s *Sources) { s.Admin = "ReACT" }, true, "ReACT", SourceAdmin, true, true},
		{"operator beats admin", func(s *Sources) { s.Admin = "ReACT"; s.Operator = "5W1H" }, true, "5W1H", SourceOperator, true, true},
		{"operator applies with system off", func(s *Sources) { s.SystemEnabled = false; s.Operator = "5W1H" }, true, "5W1H", SourceOperator, true, true},
		{"clean beats everything", func(s *Sources) { s.Modifier = ModifierClean; s.Operator = "5W1H" }, false, "", SourceModifier, false, false},
		{"lean keeps gates", func(s *Sources) { s.Modifier = ModifierLean; s.Operator = "5W1H" }, false, "", SourceModifier, true, false},
		{"guided forces gates", func(s *Sources) { s.Modifier = ModifierGuided; s.GatesEnabled = false }, true, "CAGEERF", SourceModifier, true, true},
		{"guided uses global with system off", func(s *Sources) { s.Modifier = ModifierGuided; s.SystemEnabled = false }, true, "CAGEERF", SourceModifier, true, true},
		{"guided with operator", func(s *Sources) { s.Modifier = ModifierGuided; s.Operator = "ReACT" }, true, "ReACT", SourceModifier, true, true},
		{"framework modifier drops methodology gates", func(s *Sources) { s.Modifier = ModifierFramework }, true, "CAGEERF", SourceModifier, true, false},
		{"gates off globally", func(s *Sources) { s.GatesEnabled = false }, true, "CAGEERF", SourceGlobal, false, false},
		{"nothing set", func(s *Sources) { *s = Sources{GatesEnabled: true} }, false, "", SourceNone, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := base
			tt.mutate(&s)
			d := Decide(s)
			assert.Equal(t, tt.apply, d.ShouldApply)
			assert.Equal(t, tt.id, d.FrameworkID)
			assert.Equal(t, tt.source, d.Source)
			assert.Equal(t, tt.gates, d.GatesEnabled)
			assert.Equal(t, tt.mgates, d.MethodologyGates)
		})
	}
}

func TestDecide_Pure(t *testing.T) {
	s := Sources{Operator: "ReACT", Global: "CAGEERF", SystemEnabled: true, GatesEnabled: true}
	assert.Equal(t, Decide(s), Decide(s))
}

func TestParseModifier(t *testing.T) {
	m, ok := ParseModifier("%Clean")
	assert.True(t, ok)
	assert.Equal(t, ModifierClean, m)

	m, ok = ParseModifier("guided")
	assert.True(t, ok)
	assert.Equal(t, ModifierGuided, m)

	_, ok = ParseModifier("%loud")
	assert.False(t, ok)
}

func lookupOf(ids ...string) Lookup {
	return func(id string) (string, bool) {
		for _, known := range ids {
			if strings.EqualFold(known, id) {
				return known, true
			}
		}
		return "", false
	}
}

func TestAuthority_UnknownOperatorFallsThrough(t *testing.T) {
	diags := diagnostics.NewAccumulator()
	a := NewAuthority(Sources{Operator: "nonsense", Global: "cageerf", SystemEnabled: true, GatesEnabled: true},
		lookupOf("CAGEERF", "ReACT"), diags)

	d := a.Decision()
	assert.True(t, d.ShouldApply)
	assert.Equal(t, "CAGEERF", d.FrameworkID, "canonical id from lookup")
	assert.Equal(t, SourceGlobal, d.Source)

	warnings := diags.AtLeast(diagnostics.SeverityWarning)
	if assert.Len(t, warnings, 1) {
		assert.Equal(t, "unknown_framework", warnings[0].Code)
		assert.Contains(t, warnings[0].Message, "nonsense")
	}

	// memoized for the rest of the request
	assert.Equal(t, d, a.Decision())
	assert.Equal(t, 1, diags.Len())
}

func TestAuthority_NilLookupAcceptsNames(t *testing.T) {
	a := NewAuthority(Sources{Operator: "Custom"}, nil, nil)
	assert.Equal(t, "Custom", a.Decision().FrameworkID)
	assert.Equal(t, "Custom", a.Sources().Operator)
}

func TestMethodology_Header(t *testing.T) {
	m := Methodology{ID: "CAGEERF", Name: "C.A.G.E.E.R.F", SystemPrompt: "Apply {{framework}} rigorously.", Phases: []string{"Context", "Analysis"}}
	h := m.Header()
	assert.Contains(t, h, "## Methodology: C.A.G.E.E.R.F")
	assert.Contains(t, h, "Apply C.A.G.E.E.R.F rigorously.")
	assert.Contains(t, h, "Context -> Analysis")
	assert.True(t, m.IsEnabled())

	off := false
	m.Enabled = &off
	assert.False(t, m.IsEnabled())

	assert.Error(t, Methodology{}.Validate("methodologies[0]"))
	assert.Error(t, Methodology{ID: "two words"}.Validate("methodologies[0]"))
	assert.NoError(t, m.Validate("methodologies[0]"))
}
