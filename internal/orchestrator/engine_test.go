package orchestrator

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/command"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/pipeline"
	"github.com/fyrsmithlabs/promptd/internal/registry"
	"github.com/fyrsmithlabs/promptd/internal/verify"
)

// MockVerifier is a mock implementation of Verifier
type MockVerifier struct {
	mock.Mock
}

func (m *MockVerifier) Run(ctx context.Context, spec gates.ShellVerify) (verify.Result, error) {
	args := m.Called(ctx, spec)
	return args.Get(0).(verify.Result), args.Error(1)
}

func testPrompts() []registry.Prompt {
	return []registry.Prompt{
		{
			ID:        "greet",
			Template:  "Hello {{name}}!",
			Arguments: []registry.Argument{{Name: "name", Required: true}},
		},
		{
			ID:        "research",
			Category:  "analysis",
			Template:  "Research {{topic}}",
			Arguments: []registry.Argument{{Name: "topic", Required: true}},
		},
		{ID: "draft", Template: "Draft based on:\n{{input}}"},
		{ID: "publish", Template: "Publish {{input}}"},
		{ID: "fix", Template: "Fix {{input}}"},
		{
			ID:        "needs-arg",
			Template:  "Use {{missing}}",
			Arguments: []registry.Argument{{Name: "missing", Required: true}},
		},
		{
			ID: "review-chain",
			ChainSteps: []chain.StepDefinition{
				{ID: "A", PromptID: "research", Order: 0, InputMapping: map[string]string{"topic": "args.topic"}},
				{ID: "B", PromptID: "draft", Order: 1, Dependencies: []string{"A"},
					InputMapping: map[string]string{"input": "steps.A"}, InlineGateIDs: []string{"tests-present"}},
				{ID: "C", PromptID: "publish", Order: 2, Dependencies: []string{"B"},
					InputMapping: map[string]string{"input": "steps.B"}},
			},
		},
		{
			ID: "loop",
			ChainSteps: []chain.StepDefinition{
				{ID: "x", PromptID: "draft", Dependencies: []string{"y"}},
				{ID: "y", PromptID: "draft", Dependencies: []string{"x"}},
			},
		},
		{
			ID: "optional-chain",
			ChainSteps: []chain.StepDefinition{
				{ID: "first", PromptID: "needs-arg", Optional: true},
				{ID: "second", PromptID: "greet", Order: 1, InputMapping: map[string]string{"name": "=World"}},
			},
		},
		{
			ID: "strict-chain",
			ChainSteps: []chain.StepDefinition{
				{ID: "first", PromptID: "needs-arg"},
				{ID: "second", PromptID: "greet", Order: 1, InputMapping: map[string]string{"name": "=World"}},
			},
		},
		{
			ID: "build-chain",
			ChainSteps: []chain.StepDefinition{
				{ID: "build", PromptID: "fix", TimeoutMS: 50, InlineGateIDs: []string{"build-check"}},
			},
		},
	}
}

func testGates() []gates.Definition {
	return []gates.Definition{
		{ID: "tests-present", Severity: gates.SeverityHigh, Criteria: []string{"includes tests"}},
		{
			ID:          "build-check",
			Severity:    gates.SeverityHigh,
			ShellVerify: &gates.ShellVerify{Command: "make test", MaxIterations: 2},
		},
		{
			ID:         "analysis-depth",
			Kind:       gates.KindCategory,
			Severity:   gates.SeverityLow,
			Criteria:   []string{"covers trade-offs"},
			Activation: gates.Activation{Categories: []string{"analysis"}},
		},
	}
}

func testMethodologies() []framework.Methodology {
	return []framework.Methodology{
		{ID: "CAGEERF", Name: "CAGEERF", SystemPrompt: "Apply {{framework}} step by step.", Phases: []string{"context", "analysis", "goals"}},
	}
}

type fixture struct {
	engine   *Engine
	manager  *chain.Manager
	verifier *MockVerifier
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	snap, err := registry.NewSnapshot(testPrompts(), testGates(), testMethodologies())
	require.NoError(t, err)

	manager := chain.NewManager(chain.NewFileStore(filepath.Join(t.TempDir(), "sessions.json")))
	v := &MockVerifier{}
	opts = append([]Option{WithVerifier(v)}, opts...)
	return &fixture{
		engine:   New(registry.NewStatic(snap), manager, opts...),
		manager:  manager,
		verifier: v,
	}
}

func (f *fixture) run(t *testing.T, req pipeline.Request) *pipeline.Response {
	t.Helper()
	resp := f.engine.Execute(context.Background(), req)
	require.NotNil(t, resp)
	return resp
}

func (f *fixture) session(t *testing.T, ref string) *chain.Session {
	t.Helper()
	s, err := f.manager.Load(context.Background(), ref)
	require.NoError(t, err)
	return s
}

func intp(i int) *int { return &i }

func kindOf(resp *pipeline.Response) errors.Kind {
	if resp.Error == nil {
		return ""
	}
	return resp.Error.Kind
}

func TestEngine_Stages(t *testing.T) {
	f := newFixture(t)
	assert.Equal(t, []string{"normalize", "parse", "attach", "plan", "framework", "gates", "begin", "execute", "format"}, f.engine.Stages())
}

func TestExecute_SinglePrompt(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: `>>greet name="Ada"`})
	require.False(t, resp.IsError, resp.Text)

	assert.Contains(t, resp.Text, "Hello Ada!")
	assert.Contains(t, resp.Text, "## Inline Gates")
	assert.Equal(t, []string{"content-structure"}, resp.Gates)
	assert.Empty(t, resp.ChainID, "advisory gates do not need a session")

	sessions, err := f.manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestExecute_RequestArgsFillCommand(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: ">>greet", Args: map[string]string{"name": "Lin"}})
	require.False(t, resp.IsError, resp.Text)
	assert.Contains(t, resp.Text, "Hello Lin!")
}

func TestExecute_ExcludeFallbackLeavesNoGates(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: `>>greet name="Ada"`, Exclude: []string{"content-structure"}})
	require.False(t, resp.IsError, resp.Text)

	assert.Empty(t, resp.Gates)
	assert.NotContains(t, resp.Text, "Inline Gates")
	assert.Equal(t, "Hello Ada!\n", resp.Text)
}

func TestExecute_Errors(t *testing.T) {
	tests := []struct {
		name  string
		req   pipeline.Request
		kind  errors.Kind
		field string
	}{
		{"missing argument", pipeline.Request{Command: ">>greet"}, errors.KindValidation, "args.name"},
		{"unknown prompt", pipeline.Request{Command: ">>nope"}, errors.KindNotFound, "command"},
		{"empty request", pipeline.Request{}, errors.KindValidation, "command"},
		{"response without chain", pipeline.Request{Command: `>>greet name=x`, UserResponse: "done"}, errors.KindValidation, "chain_id"},
		{"bad gate action", pipeline.Request{ChainID: "chain-x#1", GateAction: "explode"}, errors.KindValidation, "gate_action"},
		{"bad verdict", pipeline.Request{ChainID: "chain-x#1", GateVerdict: "maybe"}, errors.KindValidation, "gate_verdict"},
		{"unknown chain", pipeline.Request{ChainID: "chain-missing#1", UserResponse: "x"}, errors.KindNotFound, ""},
		{"dependency cycle", pipeline.Request{Command: ">>loop"}, errors.KindDependencyCycle, ""},
		{"chain inside inline chain", pipeline.Request{Command: ">>greet name=x --> >>loop"}, errors.KindValidation, "command.steps[1]"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp := f.run(t, tt.req)
			require.True(t, resp.IsError, resp.Text)
			assert.Equal(t, tt.kind, kindOf(resp), resp.Text)
			if tt.field != "" {
				assert.Equal(t, tt.field, resp.Error.Field)
			}
			assert.Contains(t, resp.Text, "Error: ")
		})
	}
}

func TestExecute_DependencyCycleStartsNothing(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: ">>loop"})
	require.Equal(t, errors.KindDependencyCycle, kindOf(resp))

	sessions, err := f.manager.List(context.Background())
	require.NoError(t, err)
	assert.Empty(t, sessions)
	f.verifier.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestExecute_ChainGateFailKeepsStepPending(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: `>>review-chain topic="rust"`})
	require.False(t, resp.IsError, resp.Text)
	require.True(t, strings.HasPrefix(resp.ChainID, "chain-review-chain-"), resp.ChainID)
	assert.True(t, strings.HasSuffix(resp.ChainID, "#1"))
	assert.Equal(t, chain.StateStepActive, resp.State)
	assert.Contains(t, resp.Text, "Research rust")
	assert.Contains(t, resp.Text, "Step 1 of 3\n")
	assert.True(t, strings.HasSuffix(resp.Text, `prompt_engine(chain_id:"`+resp.ChainID+`", step_index:0) to continue`+"\n"), resp.Text)
	assert.Equal(t, []string{"analysis-depth"}, resp.Gates)
	ref := resp.ChainID

	resp = f.run(t, pipeline.Request{ChainID: ref, StepIndex: intp(0), UserResponse: "notes on rust"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, 2, resp.Step)
	assert.Equal(t, "B", resp.StepID)
	assert.Contains(t, resp.Text, "Draft based on:\nnotes on rust")
	assert.Equal(t, []string{"tests-present"}, resp.Gates)

	resp = f.run(t, pipeline.Request{
		ChainID:      ref,
		StepIndex:    intp(1),
		UserResponse: "draft text",
		GateVerdict:  "GATE_REVIEW: FAIL - missing tests",
	})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, chain.StateGatePending, resp.State)
	assert.Contains(t, resp.Text, "Gate review failed for step B (attempt 1 of 3): missing tests")
	assert.True(t, strings.HasSuffix(resp.Text, gates.ReviewInstruction+"\n"), resp.Text)

	s := f.session(t, ref)
	assert.Equal(t, chain.StateGatePending, s.State)
	assert.Equal(t, 1, s.CurrentIndex)
	assert.Equal(t, 1, s.RetryCounters["B"])
	require.NotNil(t, s.PendingGateReview)
	assert.Equal(t, "draft text", s.PendingGateReview.Output)

	// A verdict alone passes the held output.
	resp = f.run(t, pipeline.Request{ChainID: ref, UserResponse: "GATE_REVIEW: PASS - tests added"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, "C", resp.StepID)
	assert.Contains(t, resp.Text, "Gate review passed for step B: tests added")
	assert.Contains(t, resp.Text, "Publish draft text")
	assert.Contains(t, resp.Text, "Step 3 of 3\n")

	resp = f.run(t, pipeline.Request{ChainID: ref, UserResponse: "published"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, chain.StateComplete, resp.State)
	assert.Contains(t, resp.Text, "complete")
	assert.Contains(t, resp.Text, "## Final output\n\npublished")

	assert.Equal(t, chain.StateComplete, f.session(t, ref).State, "terminal runs stay until swept")

	resp = f.run(t, pipeline.Request{ChainID: ref, StepIndex: intp(2), UserResponse: "published again"})
	require.True(t, resp.IsError)
	assert.Equal(t, errors.KindStaleResume, kindOf(resp))
}

func TestExecute_StaleResumeChangesNothing(t *testing.T) {
	f := newFixture(t)

	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID
	resp := f.run(t, pipeline.Request{ChainID: ref, StepIndex: intp(0), UserResponse: "first"})
	require.False(t, resp.IsError, resp.Text)
	before := f.session(t, ref)

	resp = f.run(t, pipeline.Request{ChainID: ref, StepIndex: intp(0), UserResponse: "duplicate"})
	require.True(t, resp.IsError)
	assert.Equal(t, errors.KindStaleResume, kindOf(resp))
	assert.Equal(t, ref, resp.ChainID)
	assert.Contains(t, resp.Text, "Chain: "+ref)

	after := f.session(t, ref)
	assert.Equal(t, before.CurrentIndex, after.CurrentIndex)
	assert.Equal(t, before.StepResults, after.StepResults)
	assert.Equal(t, before.LastActivity, after.LastActivity)
}

func TestExecute_ConcurrentDuplicateResume(t *testing.T) {
	f := newFixture(t)
	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID

	const n = 8
	var wg sync.WaitGroup
	results := make([]*pipeline.Response, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = f.engine.Execute(context.Background(), pipeline.Request{ChainID: ref, StepIndex: intp(0), UserResponse: "same"})
		}(i)
	}
	wg.Wait()

	applied := 0
	for _, r := range results {
		if !r.IsError {
			applied++
			continue
		}
		assert.Equal(t, errors.KindStaleResume, kindOf(r))
	}
	assert.Equal(t, 1, applied)
	assert.Len(t, f.session(t, ref).StepResults, 1)
}

func TestExecute_GateRetryExhausted(t *testing.T) {
	f := newFixture(t, WithOptions(Options{FallbackGateID: "content-structure", MaxGateRetries: 1, MaxVerifyIterations: 1}))

	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID
	f.run(t, pipeline.Request{ChainID: ref, UserResponse: "notes"})

	resp := f.run(t, pipeline.Request{ChainID: ref, UserResponse: "draft", GateVerdict: "FAIL - no tests"})
	require.True(t, resp.IsError, resp.Text)
	assert.Equal(t, errors.KindGateRetryExhausted, kindOf(resp))
	assert.Equal(t, "B", resp.Error.StepID)
	assert.Equal(t, chain.StateGatePending, resp.State)
	assert.NotEmpty(t, resp.Error.NextAction)
	assert.True(t, f.session(t, ref).PendingGateReview.Exhausted)

	for _, req := range []pipeline.Request{
		{ChainID: ref, GateVerdict: "PASS - fine now"},
		{ChainID: ref, UserResponse: "GATE_REVIEW: PASS - fine now"},
		{ChainID: ref, UserResponse: "another draft"},
	} {
		resp = f.run(t, req)
		require.True(t, resp.IsError, resp.Text)
		assert.Equal(t, errors.KindGateRetryExhausted, kindOf(resp))
		s := f.session(t, ref)
		assert.Equal(t, chain.StateGatePending, s.State)
		assert.Equal(t, 1, s.CurrentIndex)
		assert.Equal(t, "draft", s.PendingGateReview.Output)
	}

	resp = f.run(t, pipeline.Request{ChainID: ref, GateAction: "retry"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, chain.StateStepActive, resp.State)
	assert.Contains(t, resp.Text, "Retrying step B")
	assert.Equal(t, 0, f.session(t, ref).RetryCounters["B"])

	resp = f.run(t, pipeline.Request{ChainID: ref, GateAction: "skip"})
	require.True(t, resp.IsError)
	assert.Equal(t, errors.KindValidation, kindOf(resp))

	resp = f.run(t, pipeline.Request{ChainID: ref, UserResponse: "draft with tests\nGATE_REVIEW: PASS - tests included"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, "C", resp.StepID)
	assert.Contains(t, resp.Text, "Publish draft with tests")
}

func TestExecute_GateActionSkipAndAbort(t *testing.T) {
	f := newFixture(t)

	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID
	f.run(t, pipeline.Request{ChainID: ref, UserResponse: "notes"})
	resp := f.run(t, pipeline.Request{ChainID: ref, UserResponse: "draft"})
	require.Equal(t, chain.StateGatePending, resp.State, resp.Text)

	resp = f.run(t, pipeline.Request{ChainID: ref, GateAction: "skip"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, "C", resp.StepID)
	b, ok := f.session(t, ref).Result("B")
	require.True(t, ok)
	assert.True(t, b.GateBypassed)

	resp = f.run(t, pipeline.Request{ChainID: ref, GateAction: "abort"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, chain.StateAborted, resp.State)
	assert.Contains(t, resp.Text, "aborted by client")
}

func TestExecute_VerdictWithoutOutputIsRejected(t *testing.T) {
	f := newFixture(t)
	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID

	resp := f.run(t, pipeline.Request{ChainID: ref, GateVerdict: "PASS - fine"})
	require.True(t, resp.IsError)
	assert.Equal(t, "user_response", resp.Error.Field)
}

func TestExecute_OptionalStepFailureContinues(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: ">>optional-chain"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, "second", resp.StepID)
	assert.Contains(t, resp.Text, "Optional step first failed and was skipped")
	assert.Contains(t, resp.Text, "Hello World!")
	assert.Contains(t, resp.Text, "Step 2 of 2\n")

	var codes []string
	for _, d := range resp.Diagnostics {
		codes = append(codes, d.Code)
	}
	assert.Contains(t, codes, "optional_step_failed")

	first, ok := f.session(t, resp.ChainID).Result("first")
	require.True(t, ok)
	assert.Equal(t, chain.StepFailed, first.Status)
}

func TestExecute_RequiredStepFailureAborts(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: ">>strict-chain"})
	require.True(t, resp.IsError)
	assert.Equal(t, errors.KindValidation, kindOf(resp))
	assert.Equal(t, "args.missing", resp.Error.Field)
	assert.Equal(t, chain.StateAborted, resp.State)

	sessions, err := f.manager.List(context.Background())
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, chain.StateAborted, sessions[0].State)
}

func TestExecute_ShellVerificationRetries(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Run", mock.Anything, mock.MatchedBy(func(s gates.ShellVerify) bool { return s.Command == "make test" })).
		Return(verify.Result{Command: "make test", ExitCode: 2, Output: "FAIL: TestBuild"}, nil).Once()
	f.verifier.On("Run", mock.Anything, mock.Anything).
		Return(verify.Result{Command: "make test", Passed: true}, nil).Once()

	ref := f.run(t, pipeline.Request{Command: ">>build-chain the parser"}).ChainID
	require.NotEmpty(t, ref)

	resp := f.run(t, pipeline.Request{ChainID: ref, UserResponse: "patched"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, chain.StateGatePending, resp.State)
	assert.Contains(t, resp.Text, "Shell verification failed (attempt 1 of 2)")
	assert.Contains(t, resp.Text, "FAIL: TestBuild")
	assert.True(t, strings.HasSuffix(resp.Text, Continuation(f.session(t, ref).Key(), 0)+"\n"), resp.Text)

	resp = f.run(t, pipeline.Request{ChainID: ref, GateVerdict: "PASS - trust me"})
	require.True(t, resp.IsError, "a verdict cannot pass a failed shell gate")

	resp = f.run(t, pipeline.Request{ChainID: ref, UserResponse: "patched again"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, chain.StateComplete, resp.State)
	assert.Contains(t, resp.Text, "Shell verification passed for step build.")
	assert.Contains(t, resp.Text, "patched again")

	f.verifier.AssertNumberOfCalls(t, "Run", 2)
}

func TestExecute_InlineShellGatePromotesSinglePrompt(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Run", mock.Anything, mock.Anything).
		Return(verify.Result{Command: "exit 1", ExitCode: 1}, nil)

	resp := f.run(t, pipeline.Request{Command: ">>fix the bug :: verify:'exit 1' :fast"})
	require.False(t, resp.IsError, resp.Text)
	require.NotEmpty(t, resp.ChainID)
	assert.Contains(t, resp.Text, "Fix the bug")
	assert.Contains(t, resp.Text, "Step 1 of 1\n")

	resp = f.run(t, pipeline.Request{ChainID: resp.ChainID, UserResponse: "done"})
	require.True(t, resp.IsError, resp.Text)
	assert.Equal(t, errors.KindGateRetryExhausted, kindOf(resp), "the fast preset allows one attempt")
}

func TestExecute_VerificationDisabledSkipsShellGates(t *testing.T) {
	opts := DefaultOptions()
	opts.VerifyEnabled = false
	f := newFixture(t, WithOptions(opts))

	resp := f.run(t, pipeline.Request{Command: ">>fix the bug :: verify:'exit 1'"})
	require.False(t, resp.IsError, resp.Text)
	assert.Empty(t, resp.ChainID)
	f.verifier.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

func TestExecute_StepTimeoutAborts(t *testing.T) {
	f := newFixture(t)
	f.verifier.On("Run", mock.Anything, mock.Anything).
		Run(func(args mock.Arguments) {
			<-args.Get(0).(context.Context).Done()
		}).
		Return(verify.Result{}, context.DeadlineExceeded)

	ref := f.run(t, pipeline.Request{Command: ">>build-chain the parser"}).ChainID
	resp := f.run(t, pipeline.Request{ChainID: ref, UserResponse: "patched"})
	require.True(t, resp.IsError, resp.Text)
	assert.Equal(t, errors.KindTimeout, kindOf(resp))
	assert.Equal(t, "build", resp.Error.StepID)
	assert.Equal(t, chain.StateAborted, resp.State)
}

func TestExecute_ChainIDAsCommand(t *testing.T) {
	f := newFixture(t)
	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID

	resp := f.run(t, pipeline.Request{Command: ref})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, ref, resp.ChainID)
	assert.Contains(t, resp.Text, "Research go")

	resp = f.run(t, pipeline.Request{Command: ">>" + ref, ChainID: "chain-other#1"})
	require.True(t, resp.IsError)
	assert.Equal(t, "command", resp.Error.Field)
}

func TestExecute_ForceRestartStartsNextRun(t *testing.T) {
	f := newFixture(t)
	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID
	f.run(t, pipeline.Request{ChainID: ref, UserResponse: "notes"})

	id, _, err := chain.ParseRef(ref)
	require.NoError(t, err)

	resp := f.run(t, pipeline.Request{ChainID: id, ForceRestart: true})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, id+"#2", resp.ChainID)
	assert.Equal(t, 1, resp.Step)
	assert.Contains(t, resp.Text, "Research go", "the restart reuses the previous arguments")

	first := f.session(t, id+"#1")
	assert.Equal(t, 1, first.CurrentIndex, "earlier runs are left intact")
}

func TestExecute_ForceRestartAfterTerminalRun(t *testing.T) {
	f := newFixture(t)
	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID
	id, _, err := chain.ParseRef(ref)
	require.NoError(t, err)

	resp := f.run(t, pipeline.Request{ChainID: id, ForceRestart: true})
	require.False(t, resp.IsError, resp.Text)
	require.Equal(t, id+"#2", resp.ChainID)

	resp = f.run(t, pipeline.Request{ChainID: id + "#2", GateAction: "abort"})
	require.False(t, resp.IsError, resp.Text)
	require.Equal(t, chain.StateAborted, resp.State)

	resp = f.run(t, pipeline.Request{ChainID: id, ForceRestart: true})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, id+"#3", resp.ChainID, "aborted run numbers are not reissued")

	// a late resume for the aborted run never reaches the new one
	resp = f.run(t, pipeline.Request{ChainID: id + "#2", StepIndex: intp(0), UserResponse: "late output for run 2"})
	require.True(t, resp.IsError)
	assert.Equal(t, errors.KindStaleResume, kindOf(resp))
	assert.Empty(t, f.session(t, id+"#3").StepResults)
}

func TestExecute_InlineChain(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: `>>research topic="go" --> >>draft`})
	require.False(t, resp.IsError, resp.Text)
	assert.True(t, strings.HasPrefix(resp.ChainID, "chain-research-"))
	assert.Equal(t, 2, resp.Steps)

	resp = f.run(t, pipeline.Request{ChainID: resp.ChainID, UserResponse: "findings"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, "draft", resp.StepID)
	assert.Contains(t, resp.Text, "Draft based on:\nfindings")
}

func TestExecute_RepeatedStepsGetUniqueIDs(t *testing.T) {
	steps := inlineChain([]command.Step{
		{PromptID: "draft", Repeat: 1},
		{PromptID: "draft", Repeat: 1},
		{PromptID: "draft", Input: "tighten it", Repeat: 1},
	})
	require.Len(t, steps, 3)
	assert.Equal(t, []string{"draft", "draft-2", "draft-3"}, []string{steps[0].ID, steps[1].ID, steps[2].ID})
	assert.Equal(t, "steps.draft", steps[1].InputMapping["input"])
	assert.Equal(t, "=tighten it", steps[2].InputMapping["input"])
	assert.Equal(t, []string{"draft-2"}, steps[2].Dependencies)
	require.NoError(t, chain.ValidateSteps(steps))
}

func TestExecute_FrameworkModifiers(t *testing.T) {
	t.Run("guided applies the methodology", func(t *testing.T) {
		f := newFixture(t)
		resp := f.run(t, pipeline.Request{Command: `%guided @cageerf >>greet name="Ada"`})
		require.False(t, resp.IsError, resp.Text)
		assert.Equal(t, "CAGEERF", resp.Framework)
		assert.True(t, strings.HasPrefix(resp.Text, "## Methodology: CAGEERF\nApply CAGEERF step by step."), resp.Text)
	})

	t.Run("clean disables gates", func(t *testing.T) {
		f := newFixture(t)
		resp := f.run(t, pipeline.Request{Command: `%clean >>greet name="Ada" :: 'be brief'`})
		require.False(t, resp.IsError, resp.Text)
		assert.Empty(t, resp.Gates)
		assert.Empty(t, resp.ChainID)
		assert.Equal(t, "Hello Ada!\n", resp.Text)
	})

	t.Run("global framework from state", func(t *testing.T) {
		state := framework.NewStateManager("", framework.State{
			ActiveFramework:        "CAGEERF",
			FrameworkSystemEnabled: true,
			GateSystemEnabled:      true,
		})
		f := newFixture(t, WithStateManager(state))
		resp := f.run(t, pipeline.Request{Command: `>>greet name="Ada"`})
		require.False(t, resp.IsError, resp.Text)
		assert.Equal(t, "CAGEERF", resp.Framework)

		resp = f.run(t, pipeline.Request{Command: `%lean >>greet name="Ada"`})
		assert.Empty(t, resp.Framework)
	})
}

func TestExecute_InlineCriteriaGateHoldsSinglePrompt(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{Command: `>>greet name="Ada" :: 'be brief'`})
	require.False(t, resp.IsError, resp.Text)
	require.NotEmpty(t, resp.ChainID, "blocking gates need a round trip")
	assert.Contains(t, resp.Gates, gates.QuickID("be brief"))

	resp = f.run(t, pipeline.Request{ChainID: resp.ChainID, UserResponse: "Hi.\nGATE_REVIEW: PASS - short"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, chain.StateComplete, resp.State)
}

func TestExecute_DeclaredGatesPersistAcrossSteps(t *testing.T) {
	f := newFixture(t)

	resp := f.run(t, pipeline.Request{
		Command: `>>review-chain topic="go"`,
		Gates:   []any{map[string]any{"name": "Cite sources", "description": "cite every source"}},
	})
	require.False(t, resp.IsError, resp.Text)
	want := gates.QuickID("Cite sources")
	assert.Contains(t, resp.Gates, want)

	resp = f.run(t, pipeline.Request{ChainID: resp.ChainID, UserResponse: "notes\nGATE_REVIEW: PASS - cited"})
	require.False(t, resp.IsError, resp.Text)
	assert.Equal(t, "B", resp.StepID)
	assert.Contains(t, resp.Gates, want)
	assert.Contains(t, resp.Gates, "tests-present")
}

func TestExecute_ReshowCurrentStep(t *testing.T) {
	f := newFixture(t)
	ref := f.run(t, pipeline.Request{Command: `>>review-chain topic="go"`}).ChainID
	before := f.session(t, ref)

	resp := f.run(t, pipeline.Request{ChainID: ref})
	require.False(t, resp.IsError, resp.Text)
	assert.Contains(t, resp.Text, "Research go")
	assert.Equal(t, before.LastActivity, f.session(t, ref).LastActivity, "showing a step does not touch the session")
}
