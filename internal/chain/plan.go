package chain

import (
	"sort"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Plan returns the step ids in execution order: a topological order of
// the dependency graph with ties broken by Order and then declaration
// position. A cycle is an error naming the steps on it.
func Plan(steps []StepDefinition) ([]string, error) {
	if err := ValidateSteps(steps); err != nil {
		return nil, err
	}

	index := make(map[string]int, len(steps))
	for i, s := range steps {
		index[s.ID] = i
	}
	indegree := make([]int, len(steps))
	dependents := make([][]int, len(steps))
	for i, s := range steps {
		seen := make(map[string]bool, len(s.Dependencies))
		for _, dep := range s.Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true
			j := index[dep]
			indegree[i]++
			dependents[j] = append(dependents[j], i)
		}
	}

	less := func(a, b int) bool {
		if steps[a].Order != steps[b].Order {
			return steps[a].Order < steps[b].Order
		}
		return a < b
	}

	var ready []int
	for i := range steps {
		if indegree[i] == 0 {
			ready = append(ready, i)
		}
	}

	order := make([]string, 0, len(steps))
	for len(ready) > 0 {
		sort.Slice(ready, func(i, j int) bool { return less(ready[i], ready[j]) })
		n := ready[0]
		ready = ready[1:]
		order = append(order, steps[n].ID)
		for _, d := range dependents[n] {
			indegree[d]--
			if indegree[d] == 0 {
				ready = append(ready, d)
			}
		}
	}

	if len(order) != len(steps) {
		return nil, errors.DependencyCycle(findCycle(steps, index))
	}
	return order, nil
}

// findCycle returns one cycle as a closed path, a -> b -> a.
func findCycle(steps []StepDefinition, index map[string]int) []string {
	const (
		unvisited = iota
		onStack
		done
	)
	color := make([]int, len(steps))
	var stack []string
	var cycle []string

	var visit func(i int) bool
	visit = func(i int) bool {
		color[i] = onStack
		stack = append(stack, steps[i].ID)
		for _, dep := range steps[i].Dependencies {
			j := index[dep]
			switch color[j] {
			case onStack:
				for k, id := range stack {
					if id == dep {
						cycle = append(append([]string{}, stack[k:]...), dep)
						return true
					}
				}
			case unvisited:
				if visit(j) {
					return true
				}
			}
		}
		stack = stack[:len(stack)-1]
		color[i] = done
		return false
	}

	for i := range steps {
		if color[i] == unvisited && visit(i) {
			return cycle
		}
	}
	return nil
}
