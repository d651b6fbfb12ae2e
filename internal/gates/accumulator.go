// internal/gates/accumulator.go
package gates

import "sort"

// Accumulator holds at most one ResolvedGate per gate id for a single
// request. When an id is added twice the higher-priority source is kept;
// on equal priority the first one seen stays.
type Accumulator struct {
	gates map[string]entry
	next  int
}

type entry struct {
	gate ResolvedGate
	seq  int
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{gates: make(map[string]entry)}
}

// Add inserts def at source priority. It reports whether the accumulator
// changed.
func (a *Accumulator) Add(def Definition, source Source) bool {
	if def.ID == "" {
		return false
	}
	if cur, ok := a.gates[def.ID]; ok {
		if cur.gate.Source >= source {
			return false
		}
		a.gates[def.ID] = entry{gate: ResolvedGate{Definition: def, Source: source}, seq: cur.seq}
		return true
	}
	a.gates[def.ID] = entry{gate: ResolvedGate{Definition: def, Source: source}, seq: a.next}
	a.next++
	return true
}

// Remove drops id. It reports whether id was present.
func (a *Accumulator) Remove(id string) bool {
	if _, ok := a.gates[id]; !ok {
		return false
	}
	delete(a.gates, id)
	return true
}

// Get returns the resolved gate for id.
func (a *Accumulator) Get(id string) (ResolvedGate, bool) {
	e, ok := a.gates[id]
	return e.gate, ok
}

// Len returns the number of gates held.
func (a *Accumulator) Len() int { return len(a.gates) }

// Gates returns the gates ordered by source priority, highest first, then
// by first insertion.
func (a *Accumulator) Gates() []ResolvedGate {
	entries := make([]entry, 0, len(a.gates))
	for _, e := range a.gates {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].gate.Source != entries[j].gate.Source {
			return entries[i].gate.Source > entries[j].gate.Source
		}
		return entries[i].seq < entries[j].seq
	})
	out := make([]ResolvedGate, len(entries))
	for i, e := range entries {
		out[i] = e.gate
	}
	return out
}

// Blocking returns the blocking gates in Gates order.
func (a *Accumulator) Blocking() []ResolvedGate {
	var out []ResolvedGate
	for _, g := range a.Gates() {
		if g.Definition.Blocking() {
			out = append(out, g)
		}
	}
	return out
}
