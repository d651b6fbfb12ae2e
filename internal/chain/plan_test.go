package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

func TestPlan_Order(t *testing.T) {
	tests := []struct {
		name  string
		steps []StepDefinition
		want  []string
	}{
		{"linear", linear("a", "b", "c"), []string{"a", "b", "c"}},
		{
			"order breaks ties",
			[]StepDefinition{
				{ID: "late", PromptID: "p", Order: 2},
				{ID: "early", PromptID: "p", Order: 1},
				{ID: "join", PromptID: "p", Dependencies: []string{"late", "early"}},
			},
			[]string{"early", "late", "join"},
		},
		{
			"declaration breaks equal order",
			[]StepDefinition{
				{ID: "x", PromptID: "p"},
				{ID: "y", PromptID: "p"},
			},
			[]string{"x", "y"},
		},
		{
			"dependency beats order",
			[]StepDefinition{
				{ID: "child", PromptID: "p", Order: 0, Dependencies: []string{"parent"}},
				{ID: "parent", PromptID: "p", Order: 5},
			},
			[]string{"parent", "child"},
		},
		{
			"duplicate dependency",
			[]StepDefinition{
				{ID: "a", PromptID: "p"},
				{ID: "b", PromptID: "p", Dependencies: []string{"a", "a"}},
			},
			[]string{"a", "b"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Plan(tt.steps)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestPlan_Cycle(t *testing.T) {
	steps := []StepDefinition{
		{ID: "a", PromptID: "p"},
		{ID: "b", PromptID: "p", Dependencies: []string{"a", "d"}},
		{ID: "c", PromptID: "p", Dependencies: []string{"b"}},
		{ID: "d", PromptID: "p", Dependencies: []string{"c"}},
	}
	_, err := Plan(steps)
	require.Error(t, err)
	assert.Equal(t, errors.KindDependencyCycle, errors.KindOf(err))
	assert.Contains(t, err.Error(), "b -> d -> c -> b")
}

func TestPlan_SelfCycle(t *testing.T) {
	_, err := Plan([]StepDefinition{{ID: "a", PromptID: "p", Dependencies: []string{"a"}}})
	assert.Equal(t, errors.KindDependencyCycle, errors.KindOf(err))
}

func TestValidateSteps_Errors(t *testing.T) {
	cond := func(typ ConditionType, e string) *Condition { return &Condition{Type: typ, Expression: e} }
	tests := []struct {
		name  string
		steps []StepDefinition
		field string
		kind  errors.Kind
	}{
		{"empty", nil, "chain_steps", errors.KindValidation},
		{"missing id", []StepDefinition{{PromptID: "p"}}, "chain_steps[0].id", errors.KindValidation},
		{"duplicate id", []StepDefinition{{ID: "a", PromptID: "p"}, {ID: "a", PromptID: "p"}}, "chain_steps[1].id", errors.KindValidation},
		{"missing prompt", []StepDefinition{{ID: "a"}}, "chain_steps[0].promptId", errors.KindValidation},
		{"negative timeout", []StepDefinition{{ID: "a", PromptID: "p", TimeoutMS: -1}}, "chain_steps[0].timeout", errors.KindValidation},
		{"unknown dependency", []StepDefinition{{ID: "a", PromptID: "p", Dependencies: []string{"zz"}}}, "chain_steps[0].dependencies", errors.KindValidation},
		{"bad source", []StepDefinition{{ID: "a", PromptID: "p", InputMapping: map[string]string{"x": "env.HOME"}}}, "chain_steps[0].inputMapping.x", errors.KindValidation},
		{"unknown step source", []StepDefinition{{ID: "a", PromptID: "p", InputMapping: map[string]string{"x": "steps.nope"}}}, "chain_steps[0].inputMapping.x", errors.KindValidation},
		{"conditional without expression", []StepDefinition{{ID: "a", PromptID: "p", ConditionalExecution: cond(ConditionConditional, "")}}, "chain_steps[0].conditionalExecution.expression", errors.KindValidation},
		{"unknown condition", []StepDefinition{{ID: "a", PromptID: "p", ConditionalExecution: cond("sometimes", "")}}, "chain_steps[0].conditionalExecution.type", errors.KindValidation},
		{"bad expression", []StepDefinition{{ID: "a", PromptID: "p", ConditionalExecution: cond(ConditionConditional, "os.exit(1)")}}, "chain_steps[0].conditionalExecution.expression", errors.KindParse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateSteps(tt.steps)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))
			assert.Equal(t, tt.field, errors.ToPayload(err).Field)
		})
	}
}

func TestStepDefinition_Defaults(t *testing.T) {
	s := StepDefinition{ID: "a", PromptID: "p"}
	assert.Equal(t, ConditionAlways, s.Condition().Type)
	assert.Zero(t, s.Timeout())

	s.TimeoutMS = 1500
	assert.Equal(t, int64(1500), s.Timeout().Milliseconds())
}
