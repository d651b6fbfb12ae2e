package orchestrator

import (
	"fmt"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/command"
)

// inlineChain builds a linear step graph from a command such as
// ">>a x=1 --> >>b" or ">>a*3". Each step depends on the one before and
// receives its output as input unless the command gave free text for it.
// Command arguments become literal mappings so they survive resumes.
func inlineChain(steps []command.Step) []chain.StepDefinition {
	out := make([]chain.StepDefinition, len(steps))
	seen := make(map[string]int, len(steps))
	for i, st := range steps {
		seen[st.PromptID]++
		id := st.PromptID
		if n := seen[id]; n > 1 {
			id = fmt.Sprintf("%s-%d", id, n)
		}

		def := chain.StepDefinition{ID: id, PromptID: st.PromptID, Order: i}
		mapping := make(map[string]string, len(st.Args)+1)
		for k, v := range st.Args {
			mapping[k] = "=" + v
		}
		if i > 0 {
			prev := out[i-1].ID
			def.Dependencies = []string{prev}
			if st.Input != "" {
				mapping["input"] = "=" + st.Input
			} else {
				mapping["input"] = "steps." + prev
			}
		}
		if len(mapping) > 0 {
			def.InputMapping = mapping
		}
		out[i] = def
	}
	return out
}
