// internal/gates/resolver.go
package gates

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
)

const stageName = "gates"

// Catalog is the read side of the definition registry the resolver needs.
type Catalog interface {
	Gate(id string) (Definition, bool)
	GatesByKind(kind Kind) []Definition
}

// Request lists the gate candidates for one execution.
type Request struct {
	// Temporary are definitions declared inline on the request.
	Temporary []Definition
	// RequestedIDs are bare gate ids named on the request.
	RequestedIDs []string
	// TemplateIDs are gates declared by the target prompt or chain step.
	TemplateIDs []string
	// Carried are chain- or session-scoped gates persisted on the session.
	// Each keeps the source it was first resolved at.
	Carried []ResolvedGate
	// Category is the target prompt's category.
	Category string
	// FrameworkID is the methodology in effect, empty when none applies.
	FrameworkID string
	// FrameworkGates enables methodology-derived gates.
	FrameworkGates bool
	// StepID filters gates restricted with ApplyToSteps.
	StepID string
	// Exclude removes gate ids after accumulation.
	Exclude []string
	// Disabled turns the whole gate system off for this request.
	Disabled bool
}

// Resolver applies the precedence ladder
//
//	temporary > template > category > framework > fallback
//
// iterating sources from highest to lowest so the first definition seen
// for an id wins. The fallback gate is added only when nothing else
// matched, and Exclude is applied last so it can remove the fallback too.
type Resolver struct {
	catalog    Catalog
	fallbackID string
}

// NewResolver returns a resolver over catalog. fallbackID names the
// generic structural gate; an unregistered id uses the built-in fallback.
func NewResolver(catalog Catalog, fallbackID string) *Resolver {
	return &Resolver{catalog: catalog, fallbackID: fallbackID}
}

// Resolve fills acc with the gates for req. Unknown ids degrade to warnings
// in diags. The result is deterministic for identical inputs.
func (r *Resolver) Resolve(req Request, acc *Accumulator, diags *diagnostics.Accumulator) []ResolvedGate {
	if req.Disabled {
		diags.Info(stageName, "gates_disabled", "gate system disabled for this execution")
		return nil
	}

	add := func(def Definition, src Source) {
		def = def.WithDefaults()
		if !def.AppliesToStep(req.StepID) {
			return
		}
		acc.Add(def, src)
	}
	carry := func(src Source) {
		for _, g := range req.Carried {
			if g.Source == src {
				add(g.Definition, src)
			}
		}
	}

	for _, def := range req.Temporary {
		add(def, SourceTemporary)
	}
	for _, id := range req.RequestedIDs {
		if def, ok := r.lookup(id, "request", diags); ok {
			add(def, SourceTemporary)
		}
	}
	carry(SourceTemporary)

	for _, id := range req.TemplateIDs {
		if def, ok := r.lookup(id, "template", diags); ok {
			add(def, SourceTemplate)
		}
	}
	carry(SourceTemplate)

	if req.Category != "" {
		for _, def := range r.byKind(KindCategory) {
			if !def.Activation.ExplicitRequest && def.Activation.MatchesCategory(req.Category) {
				add(def, SourceCategory)
			}
		}
	}
	carry(SourceCategory)

	if req.FrameworkGates && req.FrameworkID != "" {
		for _, def := range r.byKind(KindFramework) {
			if !def.Activation.ExplicitRequest && def.Activation.MatchesFramework(req.FrameworkID) {
				add(def, SourceFramework)
			}
		}
	}
	carry(SourceFramework)

	if acc.Len() == 0 {
		add(r.fallback(), SourceFallback)
	}

	for _, id := range req.Exclude {
		id = strings.TrimSpace(id)
		if acc.Remove(id) {
			diags.Info(stageName, "gate_excluded", fmt.Sprintf("gate %s excluded by request", id))
		}
	}

	return acc.Gates()
}

func (r *Resolver) lookup(id, origin string, diags *diagnostics.Accumulator) (Definition, bool) {
	id = strings.TrimSpace(id)
	if r.catalog != nil {
		if def, ok := r.catalog.Gate(id); ok {
			return def, true
		}
	}
	if id == r.fallbackID {
		return r.fallback(), true
	}
	diags.Warn(stageName, "unknown_gate",
		fmt.Sprintf("%s gate %q is not registered and was ignored", origin, id),
		"check the gate id or declare it inline as {name, description}")
	return Definition{}, false
}

func (r *Resolver) byKind(kind Kind) []Definition {
	if r.catalog == nil {
		return nil
	}
	defs := r.catalog.GatesByKind(kind)
	sorted := make([]Definition, len(defs))
	copy(sorted, defs)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted
}

func (r *Resolver) fallback() Definition {
	if r.catalog != nil {
		if def, ok := r.catalog.Gate(r.fallbackID); ok {
			return def
		}
	}
	return Fallback(r.fallbackID)
}

// Fallback returns the built-in generic structural gate under id.
func Fallback(id string) Definition {
	if id == "" {
		id = "content-structure"
	}
	return Definition{
		ID:          id,
		Name:        "Content Structure",
		Description: "Generic structural check applied when no other gate matched",
		Kind:        KindCustom,
		Type:        "validation",
		Severity:    SeverityLow,
		Scope:       ScopeExecution,
		Criteria: []string{
			"The response addresses every part of the request",
			"The response is organized with clear sections or steps",
		},
	}.WithDefaults()
}
