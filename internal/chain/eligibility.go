package chain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/chain/expr"
)

// eligible decides whether step runs once all its dependencies are
// terminal. Skipped dependencies count as succeeded. reason explains a
// skip.
func (s *Session) eligible(step StepDefinition) (run bool, reason string) {
	var failedDeps []string
	for _, dep := range step.Dependencies {
		if r, ok := s.Result(dep); ok && r.Status == StepFailed {
			failedDeps = append(failedDeps, dep)
		}
	}
	anyFailed := len(failedDeps) > 0

	cond := step.Condition()
	hasExpr := strings.TrimSpace(cond.Expression) != ""
	var exprTrue bool
	if hasExpr {
		v, err := s.evalCondition(cond.Expression)
		if err != nil {
			return false, err.Error()
		}
		exprTrue = v
	}

	if !anyFailed {
		switch cond.Type {
		case ConditionSkipIfSuccess:
			if hasExpr && !exprTrue {
				return true, ""
			}
			return false, "dependencies succeeded"
		case ConditionConditional:
			if exprTrue {
				return true, ""
			}
			return false, fmt.Sprintf("condition %q is false", cond.Expression)
		default:
			return true, ""
		}
	}

	failed := strings.Join(failedDeps, ", ")
	switch cond.Type {
	case ConditionSkipIfSuccess:
		if !hasExpr || exprTrue {
			return true, ""
		}
		return false, fmt.Sprintf("condition %q is false", cond.Expression)
	case ConditionSkipIfError:
		if hasExpr && !exprTrue {
			return true, ""
		}
		return false, "dependency failed: " + failed
	default:
		return false, "dependency failed: " + failed
	}
}

func (s *Session) evalCondition(src string) (bool, error) {
	e, err := expr.Compile(src)
	if err != nil {
		return false, fmt.Errorf("condition %q does not compile: %w", src, err)
	}
	return e.Eval(sessionEnv{s})
}

// sessionEnv is the read-only expression view of a session.
type sessionEnv struct{ s *Session }

func (e sessionEnv) Lookup(path []string) (any, bool) {
	if len(path) < 2 {
		return nil, false
	}
	switch path[0] {
	case "args":
		v, ok := e.s.Args[strings.Join(path[1:], ".")]
		return v, ok
	case "outputs":
		v, ok := e.s.Outputs[strings.Join(path[1:], ".")]
		return v, ok
	case "steps":
		id := path[1]
		if _, known := e.s.Step(id); !known {
			return nil, false
		}
		r, done := e.s.Result(id)
		if len(path) == 2 {
			return r.Output, done
		}
		field := strings.Join(path[2:], ".")
		switch field {
		case "status":
			if !done {
				return string(StepPending), true
			}
			return string(r.Status), true
		case "output":
			return r.Output, done
		case "error":
			return r.Error, done
		default:
			v, ok := r.Outputs[field]
			return v, ok
		}
	}
	return nil, false
}

func (e sessionEnv) StepStatus(id string) (string, bool) {
	if _, known := e.s.Step(id); !known {
		return "", false
	}
	if r, ok := e.s.Result(id); ok {
		return string(r.Status), true
	}
	return string(StepPending), true
}

// Inputs returns the render variables for step: every request argument,
// "input", "previous_output" (the latest successful step output) and the
// step's inputMapping resolved against the session.
func (s *Session) Inputs(step StepDefinition) map[string]string {
	vars := make(map[string]string, len(s.Args)+len(step.InputMapping)+2)
	for k, v := range s.Args {
		vars[k] = v
	}
	vars["input"] = s.Input
	for i := len(s.StepResults) - 1; i >= 0; i-- {
		if r := s.StepResults[i]; r.Status == StepSucceeded {
			vars["previous_output"] = r.Output
			break
		}
	}
	for arg, src := range step.InputMapping {
		vars[arg] = s.resolveSource(src)
	}
	return vars
}

func (s *Session) resolveSource(src string) string {
	if strings.HasPrefix(src, "=") {
		return src[1:]
	}
	if src == "input" {
		return s.Input
	}
	parts := strings.SplitN(src, ".", 3)
	switch parts[0] {
	case "args":
		if len(parts) > 1 {
			return s.Args[strings.Join(parts[1:], ".")]
		}
	case "outputs":
		if len(parts) > 1 {
			return s.Outputs[strings.Join(parts[1:], ".")]
		}
	case "steps":
		if len(parts) < 2 {
			return ""
		}
		r, ok := s.Result(parts[1])
		if !ok {
			return ""
		}
		if len(parts) == 2 {
			return r.Output
		}
		if v, ok := r.Outputs[parts[2]]; ok {
			return v
		}
		return outputField(r.Output, parts[2])
	}
	return ""
}

// applyOutputMapping stores the step's named outputs. A JSON object output
// contributes its fields by name; anything else maps the whole output.
func (s *Session) applyOutputMapping(step StepDefinition, res *StepResult) {
	if len(step.OutputMapping) == 0 {
		return
	}
	if s.Outputs == nil {
		s.Outputs = make(map[string]string)
	}
	res.Outputs = make(map[string]string, len(step.OutputMapping))
	for name, target := range step.OutputMapping {
		v := outputField(res.Output, name)
		res.Outputs[name] = v
		if target != "" {
			s.Outputs[target] = v
		}
	}
}

func outputField(output, name string) string {
	trimmed := strings.TrimSpace(output)
	if !strings.HasPrefix(trimmed, "{") {
		return output
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
		return output
	}
	raw, ok := obj[name]
	if !ok {
		return output
	}
	var str string
	if err := json.Unmarshal(raw, &str); err == nil {
		return str
	}
	return string(raw)
}
