package render

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/registry"
)

func TestTemplate_Render(t *testing.T) {
	tests := []struct {
		name    string
		tmpl    string
		vars    map[string]string
		want    string
		wantErr string
	}{
		{"plain", "no placeholders", nil, "no placeholders", ""},
		{"substitutes", "Review {{file}} for {{ focus }}.", map[string]string{"file": "main.go", "focus": "races"}, "Review main.go for races.", ""},
		{"repeated", "{{a}}-{{a}}", map[string]string{"a": "x"}, "x-x", ""},
		{"default", "Tone: {{tone|neutral}}", nil, "Tone: neutral", ""},
		{"value beats default", "Tone: {{tone | neutral}}", map[string]string{"tone": "dry"}, "Tone: dry", ""},
		{"empty value kept", "[{{a}}]", map[string]string{"a": ""}, "[]", ""},
		{"missing", "Summarize {{topic}} in {{words}} words", map[string]string{"topic": "go"}, "", "words"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Template{}.Render(tt.tmpl, tt.vars)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Equal(t, errors.KindValidation, errors.KindOf(err))
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestVariables(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "tone"}, Variables("{{b}} {{ a }} {{tone|x}} {{a}}"))
	assert.Empty(t, Variables("none"))
}

func TestResolveArgs(t *testing.T) {
	declared := []registry.Argument{
		{Name: "topic", Required: true},
		{Name: "depth", Default: "brief"},
		{Name: "audience"},
	}

	vars, err := ResolveArgs(declared, map[string]string{"topic": "channels"}, "")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"topic": "channels", "depth": "brief"}, vars)

	vars, err = ResolveArgs(declared, nil, "goroutine leaks")
	require.NoError(t, err)
	assert.Equal(t, "goroutine leaks", vars["topic"])
	assert.Equal(t, "goroutine leaks", vars["input"])

	_, err = ResolveArgs(declared, map[string]string{"depth": "deep"}, "")
	require.Error(t, err)
	var e *errors.Error
	require.True(t, errors.As(err, &e))
	assert.Equal(t, "args.topic", e.Field)
	assert.Contains(t, errors.NextAction(err), `topic="..."`)
}
