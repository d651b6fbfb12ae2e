package command

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
)

func TestParse_SinglePrompt(t *testing.T) {
	cmd, err := Parse(`>>code_review file="main.go" depth=2 focus on 'error handling'`)
	require.NoError(t, err)

	require.Len(t, cmd.Steps, 1)
	s := cmd.Steps[0]
	assert.Equal(t, "code_review", s.PromptID)
	assert.Equal(t, map[string]string{"file": "main.go", "depth": "2"}, s.Args)
	assert.Equal(t, "focus on error handling", s.Input)
	assert.Equal(t, 1, s.Repeat)
	assert.False(t, cmd.IsChain())
}

func TestParse_BareFirstID(t *testing.T) {
	cmd, err := Parse("summarize the quarterly report")
	require.NoError(t, err)
	assert.Equal(t, "summarize", cmd.Steps[0].PromptID)
	assert.Equal(t, "the quarterly report", cmd.Steps[0].Input)
}

func TestParse_ChainWithOperators(t *testing.T) {
	cmd, err := Parse(`%guided @CAGEERF #concise >>research topic="rust async" --> >>outline --> summarize * 2 :: 'cite sources' :: security-review :: cite:"every claim linked"`)
	require.NoError(t, err)

	assert.Equal(t, framework.ModifierGuided, cmd.Modifier)
	assert.Equal(t, "CAGEERF", cmd.Framework)
	assert.Equal(t, "concise", cmd.Style)

	require.Len(t, cmd.Steps, 3)
	assert.Equal(t, "research", cmd.Steps[0].PromptID)
	assert.Equal(t, "rust async", cmd.Steps[0].Args["topic"])
	assert.Equal(t, "outline", cmd.Steps[1].PromptID)
	assert.Equal(t, 2, cmd.Steps[2].Repeat)
	assert.True(t, cmd.IsChain())
	assert.Len(t, cmd.Expand(), 4)

	require.Len(t, cmd.Gates, 3)
	assert.Equal(t, Gate{Criteria: "cite sources"}, cmd.Gates[0])
	assert.Equal(t, Gate{Ref: "security-review"}, cmd.Gates[1])
	assert.Equal(t, Gate{ID: "cite", Criteria: "every claim linked"}, cmd.Gates[2])
}

func TestParse_GluedOperators(t *testing.T) {
	cmd, err := Parse(`>>a-->>>b *3::'be brief'`)
	require.NoError(t, err)
	require.Len(t, cmd.Steps, 2)
	assert.Equal(t, "a", cmd.Steps[0].PromptID)
	assert.Equal(t, "b", cmd.Steps[1].PromptID)
	assert.Equal(t, 3, cmd.Steps[1].Repeat)
	assert.Equal(t, "be brief", cmd.Gates[0].Criteria)
}

func TestParse_VerifyGate(t *testing.T) {
	tests := []struct {
		text   string
		preset gates.VerifyPreset
	}{
		{`>>fix :: verify:'go test ./...'`, gates.PresetDefault},
		{`>>fix :: verify:'go test ./...' :fast`, gates.PresetFast},
		{`>>fix :: verify:"go test ./...":full`, gates.PresetFull},
		{`>>fix :: verify:'go test ./...':extended`, gates.PresetExtended},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			cmd, err := Parse(tt.text)
			require.NoError(t, err)
			require.Len(t, cmd.ShellGates(), 1)
			assert.Equal(t, "go test ./...", cmd.Gates[0].Shell)
			assert.Equal(t, tt.preset, cmd.Gates[0].Preset)
			assert.Empty(t, cmd.Steps[0].Input, "a trailing preset is not free text")
		})
	}

	cmd, err := Parse(tests[3].text)
	require.NoError(t, err)
	def, ok := cmd.Gates[0].Definition()
	require.True(t, ok)
	require.NotNil(t, def.ShellVerify)
	assert.Equal(t, 25, def.ShellVerify.MaxIterations)
	assert.True(t, def.Blocking())
}

func TestGate_Definition(t *testing.T) {
	def, ok := Gate{Criteria: "cite sources"}.Definition()
	require.True(t, ok)
	assert.Equal(t, "temp-cite-sources", def.ID)
	assert.Equal(t, gates.ScopeExecution, def.Scope)

	_, ok = Gate{Ref: "security-review"}.Definition()
	assert.False(t, ok)
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		text string
		kind errors.Kind
		want string
	}{
		{"empty", "   ", errors.KindParse, "empty"},
		{"unterminated", `>>a topic="rust`, errors.KindParse, "unterminated"},
		{"leading arrow", "--> >>b", errors.KindParse, "between two prompts"},
		{"trailing arrow", ">>a -->", errors.KindParse, "between two prompts"},
		{"missing arrow", ">>a >>b", errors.KindParse, "without '-->'"},
		{"unknown modifier", "%loud >>a", errors.KindParse, "unknown modifier"},
		{"conflicting framework", ">>a @ReACT @CAGEERF", errors.KindParse, "conflicting framework"},
		{"repeat range", ">>a * 21", errors.KindValidation, "out of range"},
		{"repeat zero", ">>a *0", errors.KindValidation, "out of range"},
		{"repeat nothing", ">>a *", errors.KindParse, "followed by a count"},
		{"gate nothing", ">>a ::", errors.KindParse, "followed by a gate"},
		{"gate unquoted criteria", ">>a :: cite:sources", errors.KindParse, "quoted"},
		{"bad preset", ">>a :: verify:'make':slow", errors.KindParse, "preset"},
		{"preset on criteria", ">>a :: cite:'x':fast", errors.KindParse, "only applies to verify"},
		{"modifiers only", "%clean", errors.KindParse, "names no prompt"},
		{"not an id", "what? is this", errors.KindParse, "not a prompt id"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.text)
			require.Error(t, err)
			assert.Equal(t, tt.kind, errors.KindOf(err))
			assert.Contains(t, err.Error(), tt.want)
			assert.NotEmpty(t, errors.NextAction(err), "parse errors carry a corrective hint")
		})
	}
}

func TestParseLenient_RecoversToSinglePrompt(t *testing.T) {
	diags := diagnostics.NewAccumulator()
	cmd, err := ParseLenient(`>>explain don't panic`, diags)
	require.NoError(t, err)

	assert.True(t, cmd.Recovered)
	require.Len(t, cmd.Steps, 1)
	assert.Equal(t, "explain", cmd.Steps[0].PromptID)
	assert.Equal(t, "don't panic", cmd.Steps[0].Input)

	warnings := diags.AtLeast(diagnostics.SeverityWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "command_recovered", warnings[0].Code)
}

func TestParseLenient_NoRecovery(t *testing.T) {
	diags := diagnostics.NewAccumulator()

	_, err := ParseLenient(`"quoted start`, diags)
	require.Error(t, err)

	_, err = ParseLenient(">>a * 50", diags)
	require.Error(t, err, "validation errors are not recovered")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
	assert.Zero(t, diags.Len())
}
