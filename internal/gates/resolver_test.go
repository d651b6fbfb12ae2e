package gates

import (
	"testing"

	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapCatalog map[string]Definition

func (m mapCatalog) Gate(id string) (Definition, bool) {
	d, ok := m[id]
	return d, ok
}

func (m mapCatalog) GatesByKind(kind Kind) []Definition {
	var out []Definition
	for _, d := range m {
		if d.Kind == kind {
			out = append(out, d)
		}
	}
	return out
}

func testCatalog() mapCatalog {
	return mapCatalog{
		"security-review": {ID: "security-review", Kind: KindCustom, Severity: SeverityHigh, Criteria: []string{"no secrets"}},
		"code-quality": {
			ID: "code-quality", Kind: KindCategory, Severity: SeverityMedium,
			Criteria:   []string{"idiomatic code"},
			Activation: Activation{Categories: []string{"development"}},
		},
		"code-tests": {
			ID: "code-tests", Kind: KindCategory, Severity: SeverityHigh,
			Criteria:   []string{"tests included"},
			Activation: Activation{Categories: []string{"Development"}},
		},
		"research-citations": {
			ID: "research-citations", Kind: KindCategory, Severity: SeverityMedium,
			Criteria:   []string{"sources cited"},
			Activation: Activation{Categories: []string{"research"}, ExplicitRequest: true},
		},
		"cageerf-context": {
			ID: "cageerf-context", Kind: KindFramework, Severity: SeverityMedium,
			Criteria:   []string{"context established"},
			Activation: Activation{Frameworks: []string{"CAGEERF"}},
		},
	}
}

func resolve(t *testing.T, r *Resolver, req Request) ([]ResolvedGate, *diagnostics.Accumulator) {
	t.Helper()
	diags := diagnostics.NewAccumulator()
	out := r.Resolve(req, NewAccumulator(), diags)
	return out, diags
}

func ids(gs []ResolvedGate) []string {
	out := make([]string, len(gs))
	for i, g := range gs {
		out[i] = g.ID()
	}
	return out
}

func TestResolver_HigherPrecedenceWins(t *testing.T) {
	cat := testCatalog()
	r := NewResolver(cat, "content-structure")

	inline := Definition{ID: "code-quality", Criteria: []string{"inline override"}}
	got, _ := resolve(t, r, Request{
		Temporary:   []Definition{inline},
		TemplateIDs: []string{"code-quality"},
		Category:    "development",
	})

	count := 0
	for _, g := range got {
		if g.ID() == "code-quality" {
			count++
			assert.Equal(t, SourceTemporary, g.Source)
			assert.Equal(t, []string{"inline override"}, g.Definition.Criteria)
		}
	}
	assert.Equal(t, 1, count, "exactly one resolved gate per id")
}

func TestResolver_SameIDAtEveryLevel(t *testing.T) {
	levels := []struct {
		name string
		req  Request
		want Source
	}{
		{"template over category", Request{TemplateIDs: []string{"code-tests"}, Category: "development"}, SourceTemplate},
		{"request id over template", Request{RequestedIDs: []string{"code-tests"}, TemplateIDs: []string{"code-tests"}}, SourceTemporary},
		{"category alone", Request{Category: "development"}, SourceCategory},
	}
	r := NewResolver(testCatalog(), "content-structure")
	for _, tt := range levels {
		t.Run(tt.name, func(t *testing.T) {
			got, _ := resolve(t, r, tt.req)
			var found *ResolvedGate
			for i := range got {
				if got[i].ID() == "code-tests" {
					require.Nil(t, found, "duplicate gate id")
					found = &got[i]
				}
			}
			require.NotNil(t, found)
			assert.Equal(t, tt.want, found.Source)
		})
	}
}

func TestResolver_OrderIsDeterministic(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	req := Request{
		RequestedIDs:   []string{"security-review"},
		Category:       "development",
		FrameworkID:    "CAGEERF",
		FrameworkGates: true,
	}
	first, _ := resolve(t, r, req)
	assert.Equal(t, []string{"security-review", "code-quality", "code-tests", "cageerf-context"}, ids(first))
	for i := 0; i < 20; i++ {
		again, _ := resolve(t, r, req)
		assert.Equal(t, ids(first), ids(again))
	}
}

func TestResolver_FrameworkGatesRequireFlag(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	got, _ := resolve(t, r, Request{FrameworkID: "CAGEERF"})
	assert.Equal(t, []string{"content-structure"}, ids(got))

	got, _ = resolve(t, r, Request{FrameworkID: "cageerf", FrameworkGates: true})
	assert.Equal(t, []string{"cageerf-context"}, ids(got))
}

func TestResolver_ExplicitRequestGatesNotAutoApplied(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	got, _ := resolve(t, r, Request{Category: "research"})
	assert.Equal(t, []string{"content-structure"}, ids(got))

	got, _ = resolve(t, r, Request{Category: "research", RequestedIDs: []string{"research-citations"}})
	assert.Equal(t, []string{"research-citations"}, ids(got))
}

func TestResolver_FallbackOnlyWhenNothingMatched(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	got, _ := resolve(t, r, Request{})
	require.Len(t, got, 1)
	assert.Equal(t, SourceFallback, got[0].Source)
	assert.False(t, got[0].Definition.Blocking(), "built-in fallback is advisory")

	got, _ = resolve(t, r, Request{RequestedIDs: []string{"security-review"}})
	assert.Equal(t, []string{"security-review"}, ids(got))
}

func TestResolver_ExcludeFallbackYieldsZeroGates(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	got, diags := resolve(t, r, Request{Exclude: []string{"content-structure"}})
	assert.Empty(t, got)
	assert.Equal(t, "gate_excluded", diags.All()[0].Code)
}

func TestResolver_ExcludeAppliesToAnyLevel(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	got, _ := resolve(t, r, Request{Category: "development", Exclude: []string{"code-tests"}})
	assert.Equal(t, []string{"code-quality"}, ids(got))
}

func TestResolver_UnknownIDDegradesToWarning(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	got, diags := resolve(t, r, Request{RequestedIDs: []string{"does-not-exist"}})
	assert.Equal(t, []string{"content-structure"}, ids(got))
	require.Equal(t, 1, diags.Len())
	assert.Equal(t, diagnostics.SeverityWarning, diags.All()[0].Severity)
	assert.Equal(t, "unknown_gate", diags.All()[0].Code)
}

func TestResolver_StepFilter(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	scoped := Definition{ID: "only-b", Criteria: []string{"b only"}, ApplyToSteps: []string{"B"}}

	got, _ := resolve(t, r, Request{Temporary: []Definition{scoped}, StepID: "A"})
	assert.Equal(t, []string{"content-structure"}, ids(got))

	got, _ = resolve(t, r, Request{Temporary: []Definition{scoped}, StepID: "B"})
	assert.Equal(t, []string{"only-b"}, ids(got))
}

func TestResolver_CarriedKeepOriginalSource(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	carried := ResolvedGate{
		Definition: Definition{ID: "keep-going", Scope: ScopeSession, Criteria: []string{"still on track"}},
		Source:     SourceTemporary,
	}
	got, _ := resolve(t, r, Request{Carried: []ResolvedGate{carried}, TemplateIDs: []string{"security-review"}})
	assert.Equal(t, []string{"keep-going", "security-review"}, ids(got))
	assert.Equal(t, SourceTemporary, got[0].Source)
}

func TestResolver_Disabled(t *testing.T) {
	r := NewResolver(testCatalog(), "content-structure")
	got, _ := resolve(t, r, Request{Disabled: true, RequestedIDs: []string{"security-review"}})
	assert.Empty(t, got)
}

func TestResolver_RegisteredFallbackPreferred(t *testing.T) {
	cat := testCatalog()
	cat["content-structure"] = Definition{ID: "content-structure", Kind: KindCustom, Severity: SeverityHigh, Criteria: []string{"custom fallback"}}
	r := NewResolver(cat, "content-structure")
	got, _ := resolve(t, r, Request{})
	require.Len(t, got, 1)
	assert.Equal(t, []string{"custom fallback"}, got[0].Definition.Criteria)
	assert.True(t, got[0].Definition.Blocking())
}
