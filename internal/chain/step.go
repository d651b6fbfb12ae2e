package chain

import (
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/chain/expr"
	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// ConditionType selects how a step reacts to its dependencies' outcomes.
type ConditionType string

const (
	ConditionAlways        ConditionType = "always"
	ConditionConditional   ConditionType = "conditional"
	ConditionSkipIfError   ConditionType = "skip_if_error"
	ConditionSkipIfSuccess ConditionType = "skip_if_success"
)

// Condition is a step's conditional execution rule.
type Condition struct {
	Type       ConditionType `json:"type" yaml:"type"`
	Expression string        `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// StepDefinition is one node of a chain's step graph, in the registry wire
// shape.
type StepDefinition struct {
	ID                   string            `json:"id" yaml:"id"`
	PromptID             string            `json:"promptId" yaml:"promptId"`
	Order                int               `json:"order" yaml:"order"`
	Dependencies         []string          `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
	InputMapping         map[string]string `json:"inputMapping,omitempty" yaml:"inputMapping,omitempty"`
	OutputMapping        map[string]string `json:"outputMapping,omitempty" yaml:"outputMapping,omitempty"`
	Optional             bool              `json:"optional,omitempty" yaml:"optional,omitempty"`
	TimeoutMS            int64             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	ConditionalExecution *Condition        `json:"conditionalExecution,omitempty" yaml:"conditionalExecution,omitempty"`
	InlineGateIDs        []string          `json:"inlineGateIds,omitempty" yaml:"inlineGateIds,omitempty"`
}

// Timeout returns the declared step timeout, zero when unbounded.
func (s StepDefinition) Timeout() time.Duration {
	if s.TimeoutMS <= 0 {
		return 0
	}
	return time.Duration(s.TimeoutMS) * time.Millisecond
}

// Condition returns the conditional execution rule, defaulting to always.
func (s StepDefinition) Condition() Condition {
	if s.ConditionalExecution == nil || s.ConditionalExecution.Type == "" {
		c := Condition{Type: ConditionAlways}
		if s.ConditionalExecution != nil {
			c.Expression = s.ConditionalExecution.Expression
		}
		return c
	}
	return *s.ConditionalExecution
}

// ValidateSteps checks ids, references, mapping sources and condition
// expressions. It does not look for cycles; Plan does.
func ValidateSteps(steps []StepDefinition) error {
	if len(steps) == 0 {
		return errors.Validation("chain_steps", "chain has no steps", `"chain_steps":[{"id":"a","promptId":"research"}]`)
	}
	ids := make(map[string]bool, len(steps))
	for i, s := range steps {
		field := fmt.Sprintf("chain_steps[%d]", i)
		if strings.TrimSpace(s.ID) == "" {
			return errors.Validation(field+".id", "step id is required", `{"id":"research","promptId":"research"}`)
		}
		if ids[s.ID] {
			return errors.Validation(field+".id", fmt.Sprintf("duplicate step id %q", s.ID), `give every step a unique "id"`)
		}
		ids[s.ID] = true
		if strings.TrimSpace(s.PromptID) == "" {
			return errors.Validation(field+".promptId", fmt.Sprintf("step %s has no promptId", s.ID), `"promptId":"research"`)
		}
		if s.TimeoutMS < 0 {
			return errors.Validation(field+".timeout", "timeout must not be negative", `"timeout":30000`)
		}
	}

	for i, s := range steps {
		field := fmt.Sprintf("chain_steps[%d]", i)
		for _, dep := range s.Dependencies {
			if !ids[dep] {
				return errors.Validation(field+".dependencies", fmt.Sprintf("step %s depends on unknown step %q", s.ID, dep), `"dependencies":["<existing step id>"]`)
			}
		}
		for arg, src := range s.InputMapping {
			if err := validateSource(src, ids); err != nil {
				return errors.Validation(field+".inputMapping."+arg, err.Error(), `"inputMapping":{"topic":"steps.research"}`)
			}
		}
		c := s.Condition()
		switch c.Type {
		case ConditionAlways, ConditionSkipIfError, ConditionSkipIfSuccess:
		case ConditionConditional:
			if strings.TrimSpace(c.Expression) == "" {
				return errors.Validation(field+".conditionalExecution.expression", "conditional steps need an expression", `"expression":"succeeded(\"research\")"`)
			}
		default:
			return errors.Validation(field+".conditionalExecution.type", fmt.Sprintf("unknown condition type %q", c.Type), `"type":"always"`)
		}
		if c.Expression != "" {
			if _, err := expr.Compile(c.Expression); err != nil {
				return errors.Parse(field+".conditionalExecution.expression", err.Error(),
					"expressions may use steps.<id>.status|output, outputs.<name>, args.<name>, comparisons, && || ! and the helpers len, contains, startsWith, endsWith, lower, upper, succeeded, failed, skipped, exists")
			}
		}
	}
	return nil
}

// validateSource checks an inputMapping source:
//
//	input | steps.<id> | steps.<id>.<field> | outputs.<name> | args.<name> | =literal
func validateSource(src string, ids map[string]bool) error {
	if strings.HasPrefix(src, "=") || src == "input" {
		return nil
	}
	parts := strings.SplitN(src, ".", 3)
	switch parts[0] {
	case "steps":
		if len(parts) < 2 || !ids[parts[1]] {
			return fmt.Errorf("source %q names no known step", src)
		}
		return nil
	case "args", "outputs":
		if len(parts) < 2 || parts[1] == "" {
			return fmt.Errorf("source %q needs a name", src)
		}
		return nil
	}
	return fmt.Errorf("unknown source %q: use input, steps.<id>, steps.<id>.<field>, outputs.<name>, args.<name> or =literal", src)
}
