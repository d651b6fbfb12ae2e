package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapEnv struct {
	values   map[string]any
	statuses map[string]string
}

func (m mapEnv) Lookup(path []string) (any, bool) {
	key := path[0]
	for _, p := range path[1:] {
		key += "." + p
	}
	v, ok := m.values[key]
	return v, ok
}

func (m mapEnv) StepStatus(id string) (string, bool) {
	s, ok := m.statuses[id]
	return s, ok
}

var env = mapEnv{
	values: map[string]any{
		"steps.fetch.output": "Found 3 results",
		"steps.fetch.status": "succeeded",
		"outputs.verdict":    "ship",
		"args.mode":          "DRY-run",
		"args.limit":         "10",
	},
	statuses: map[string]string{"fetch": "succeeded", "lint": "failed", "docs": "skipped"},
}

func TestEval(t *testing.T) {
	tests := []struct {
		src  string
		want bool
	}{
		{`true`, true},
		{`succeeded("fetch")`, true},
		{`failed("lint") && !succeeded("lint")`, true},
		{`skipped("docs")`, true},
		{`succeeded("unknown")`, false},
		{`len(steps.fetch.output) > 0`, true},
		{`len(steps.missing.output) == 0`, true},
		{`contains(lower(args.mode), "dry")`, true},
		{`startsWith(steps.fetch.output, "Found") && endsWith(steps.fetch.output, "results")`, true},
		{`upper(outputs.verdict) == "SHIP"`, true},
		{`args.limit >= 10 && args.limit < 11`, true},
		{`args.limit == 10`, true},
		{`steps.fetch.status != "failed"`, true},
		{`outputs.verdict == "hold" || (exists("verdict") && !exists("outputs.nothing"))`, true},
		{`exists("args.mode")`, true},
		{`outputs.missing == null`, true},
		{`"b" > "a"`, true},
		{`!(1 < 2)`, false},
		{`steps.step-1.output == ""`, true},
		{`exists("steps")`, false},
		{`exists("args")`, false},
		{`exists("outputs.")`, false},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			e, err := Compile(tt.src)
			require.NoError(t, err)
			got, err := e.Eval(env)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_Rejects(t *testing.T) {
	tests := []struct {
		src  string
		want string
	}{
		{``, "empty"},
		{`os.exit(1)`, "unknown helper"},
		{`process.env`, "unknown identifier"},
		{`steps`, "needs a name"},
		{`1 + 2`, "unexpected character"},
		{`a = 1`, "unexpected character"},
		{`len("a", "b")`, "takes 1 argument"},
		{`(true`, "missing ')'"},
		{`"open`, "unterminated"},
		{`true true`, "unexpected"},
		{`1 == 1 == 1`, "unexpected"},
		{`steps.a.output[0]`, "unexpected character"},
	}
	for _, tt := range tests {
		t.Run(tt.src, func(t *testing.T) {
			_, err := Compile(tt.src)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestCompile_Limits(t *testing.T) {
	deep := ""
	for i := 0; i < MaxDepth+2; i++ {
		deep += "!"
	}
	_, err := Compile(deep + "true")
	assert.Error(t, err)

	long := make([]byte, MaxLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err = Compile(string(long))
	assert.Error(t, err)
}

func TestEval_StatusHelperNeedsString(t *testing.T) {
	e, err := Compile(`succeeded(1)`)
	require.NoError(t, err)
	_, err = e.Eval(env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "succeeded(1)")
}

func TestEval_NilEnv(t *testing.T) {
	e, err := Compile(`exists("x") || succeeded("a") || len(args.x) > 0`)
	require.NoError(t, err)
	got, err := e.Eval(nil)
	require.NoError(t, err)
	assert.False(t, got)
	assert.Equal(t, `exists("x") || succeeded("a") || len(args.x) > 0`, e.String())
}
