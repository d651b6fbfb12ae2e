package chain

import (
	"fmt"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/gates"
)

// State of a chain session.
type State string

const (
	StatePlanning    State = "PLANNING"
	StateStepActive  State = "STEP_ACTIVE"
	StateGatePending State = "GATE_PENDING"
	StateComplete    State = "COMPLETE"
	StateAborted     State = "ABORTED"
)

// validTransitions lists the states each state may move to. A step can
// follow a step directly, and a gate review always resolves into another
// step, the end of the chain or an abort.
var validTransitions = map[State][]State{
	StatePlanning:    {StateStepActive, StateComplete, StateAborted},
	StateStepActive:  {StateStepActive, StateGatePending, StateComplete, StateAborted},
	StateGatePending: {StateStepActive, StateComplete, StateAborted},
	StateComplete:    {},
	StateAborted:     {},
}

// CanTransitionTo reports whether a session in s may move to target.
func (s State) CanTransitionTo(target State) bool {
	for _, t := range validTransitions[s] {
		if t == target {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateAborted
}

// StepStatus is the outcome recorded for a finished step.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// GateAction is the client's decision on a pending gate.
type GateAction string

const (
	ActionRetry GateAction = "retry"
	ActionSkip  GateAction = "skip"
	ActionAbort GateAction = "abort"
)

// ParseGateAction validates a gate_action value.
func ParseGateAction(s string) (GateAction, error) {
	switch a := GateAction(s); a {
	case ActionRetry, ActionSkip, ActionAbort:
		return a, nil
	}
	return "", errors.Validation("gate_action", fmt.Sprintf("unknown gate_action %q", s), `"gate_action":"retry"`)
}

// StepResult records a finished step.
type StepResult struct {
	StepID       string            `json:"stepId"`
	Index        int               `json:"index"`
	Status       StepStatus        `json:"status"`
	Output       string            `json:"output,omitempty"`
	Outputs      map[string]string `json:"outputs,omitempty"`
	Error        string            `json:"error,omitempty"`
	GateBypassed bool              `json:"gateBypassed,omitempty"`
	CompletedAt  time.Time         `json:"completedAt"`
}

// PendingGateReview holds a step's output while blocking gates await a
// verdict.
type PendingGateReview struct {
	StepID      string         `json:"stepId"`
	Index       int            `json:"index"`
	GateIDs     []string       `json:"gateIds"`
	Output      string         `json:"output"`
	Attempts    int            `json:"attempts"`
	MaxAttempts int            `json:"maxAttempts"`
	LastVerdict *gates.Verdict `json:"lastVerdict,omitempty"`
	LastFailure string         `json:"lastFailure,omitempty"`
	Exhausted   bool           `json:"exhausted,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
}

// Transition is one entry of a session's state history.
type Transition struct {
	From   State     `json:"from"`
	To     State     `json:"to"`
	StepID string    `json:"stepId,omitempty"`
	At     time.Time `json:"at"`
}

const maxHistory = 200

// Session is the persisted record of one chain run. Methods implement the
// state machine; they do no I/O.
type Session struct {
	ChainID           string               `json:"chainId"`
	RunNumber         int                  `json:"run_number"`
	PromptID          string               `json:"promptId,omitempty"`
	State             State                `json:"state"`
	StepGraph         []StepDefinition     `json:"stepGraph"`
	Plan              []string             `json:"plan"`
	CurrentIndex      int                  `json:"currentIndex"`
	StepResults       []StepResult         `json:"stepResults"`
	PendingGateReview *PendingGateReview   `json:"pendingGateReview"`
	RetryCounters     map[string]int       `json:"retryCounters"`
	Gates             []gates.ResolvedGate `json:"gates,omitempty"`
	Args              map[string]string    `json:"args,omitempty"`
	Input             string               `json:"input,omitempty"`
	Outputs           map[string]string    `json:"outputs,omitempty"`
	AbortReason       string               `json:"abortReason,omitempty"`
	History           []Transition         `json:"history,omitempty"`
	CreatedAt         time.Time            `json:"createdAt"`
	LastActivity      time.Time            `json:"lastActivity"`
}

// NewSession plans steps and returns a session in PLANNING. The step graph
// is deep-copied so later edits to the source prompt do not reach it.
func NewSession(chainID string, run int, steps []StepDefinition, now time.Time) (*Session, error) {
	order, err := Plan(steps)
	if err != nil {
		return nil, err
	}
	return &Session{
		ChainID:       chainID,
		RunNumber:     run,
		State:         StatePlanning,
		StepGraph:     cloneSteps(steps),
		Plan:          order,
		RetryCounters: make(map[string]int),
		Outputs:       make(map[string]string),
		CreatedAt:     now,
		LastActivity:  now,
	}, nil
}

// Key returns the session's store key.
func (s *Session) Key() Key { return Key{ChainID: s.ChainID, Run: s.RunNumber} }

// Step returns the step definition by id.
func (s *Session) Step(id string) (StepDefinition, bool) {
	for _, st := range s.StepGraph {
		if st.ID == id {
			return st, true
		}
	}
	return StepDefinition{}, false
}

// Current returns the step awaiting client output or a verdict.
func (s *Session) Current() (StepDefinition, bool) {
	if s.State != StateStepActive && s.State != StateGatePending {
		return StepDefinition{}, false
	}
	if s.CurrentIndex < 0 || s.CurrentIndex >= len(s.Plan) {
		return StepDefinition{}, false
	}
	return s.Step(s.Plan[s.CurrentIndex])
}

// Result returns the recorded result for a step id.
func (s *Session) Result(id string) (StepResult, bool) {
	for _, r := range s.StepResults {
		if r.StepID == id {
			return r, true
		}
	}
	return StepResult{}, false
}

func (s *Session) hasResultAt(index int) bool {
	for _, r := range s.StepResults {
		if r.Index == index {
			return true
		}
	}
	return false
}

// Start dispatches the first eligible step.
func (s *Session) Start(now time.Time) error {
	if s.State != StatePlanning {
		return errors.Validation("chain_id", fmt.Sprintf("session %s is %s, not PLANNING", s.Key(), s.State), "")
	}
	return s.dispatchNext(now)
}

// requireDispatched refuses step mutations unless a step is in flight.
func (s *Session) requireDispatched() error {
	switch {
	case s.State.Terminal():
		return errors.RunFinished(s.Key().String(), string(s.State))
	case s.State == StatePlanning:
		return errors.Validation("chain_id", fmt.Sprintf("session %s has not dispatched a step yet", s.Key()), "")
	}
	return nil
}

// CheckResume validates the step index a resume applies to and returns
// it. A nil index means the current one. An index below the current one,
// or one that already has a result, is stale.
func (s *Session) CheckResume(stepIndex *int) (int, error) {
	if s.State.Terminal() {
		return 0, errors.RunFinished(s.Key().String(), string(s.State))
	}
	if s.State == StatePlanning {
		return 0, errors.Validation("chain_id", fmt.Sprintf("session %s has not dispatched a step yet", s.Key()), "")
	}
	idx := s.CurrentIndex
	if stepIndex != nil {
		idx = *stepIndex
	}
	if idx < s.CurrentIndex || s.hasResultAt(idx) {
		return 0, errors.StaleResume(s.Key().String(), idx, s.CurrentIndex)
	}
	if idx > s.CurrentIndex {
		return 0, errors.Validation("step_index",
			fmt.Sprintf("step_index %d is ahead of the current step %d", idx, s.CurrentIndex),
			fmt.Sprintf(`"step_index":%d`, s.CurrentIndex))
	}
	return idx, nil
}

// Succeed records output for the step at index and dispatches the next
// eligible step.
func (s *Session) Succeed(index int, output string, now time.Time) error {
	if err := s.requireDispatched(); err != nil {
		return err
	}
	step, err := s.stepAt(index)
	if err != nil {
		return err
	}
	res := StepResult{StepID: step.ID, Index: index, Status: StepSucceeded, Output: output, CompletedAt: now}
	s.applyOutputMapping(step, &res)
	return s.complete(res, now)
}

// Fail records a failure for the step at index. Optional steps let the
// chain continue; any other failure aborts it. It reports whether the
// session aborted.
func (s *Session) Fail(index int, cause string, now time.Time) (bool, error) {
	if err := s.requireDispatched(); err != nil {
		return false, err
	}
	step, err := s.stepAt(index)
	if err != nil {
		return false, err
	}
	res := StepResult{StepID: step.ID, Index: index, Status: StepFailed, Error: cause, CompletedAt: now}
	if step.Optional {
		return false, s.complete(res, now)
	}
	s.StepResults = append(s.StepResults, res)
	s.PendingGateReview = nil
	s.AbortReason = fmt.Sprintf("step %s failed: %s", step.ID, cause)
	if err := s.transition(StateAborted, step.ID, now); err != nil {
		return false, err
	}
	return true, nil
}

// HoldForReview parks the step's output while the blocking gates await a
// verdict. maxAttempts bounds FAIL outcomes before GateRetryExhausted.
func (s *Session) HoldForReview(index int, output string, gateIDs []string, maxAttempts int, now time.Time) error {
	if err := s.requireDispatched(); err != nil {
		return err
	}
	step, err := s.stepAt(index)
	if err != nil {
		return err
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if p := s.PendingGateReview; p != nil && p.Index == index {
		p.Output = output
		p.GateIDs = append([]string(nil), gateIDs...)
		p.MaxAttempts = maxAttempts
		s.touch(now)
		return nil
	}
	if !s.State.CanTransitionTo(StateGatePending) {
		return errors.Validation("step_index",
			fmt.Sprintf("step %d of %s already has a review pending", s.CurrentIndex, s.Key()),
			fmt.Sprintf(`"step_index":%d`, s.CurrentIndex))
	}
	s.PendingGateReview = &PendingGateReview{
		StepID:      step.ID,
		Index:       index,
		GateIDs:     append([]string(nil), gateIDs...),
		Output:      output,
		Attempts:    s.RetryCounters[step.ID],
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
	}
	return s.transition(StateGatePending, step.ID, now)
}

// ApplyVerdict resolves the pending review. PASS completes the step with
// the held output. FAIL increments the step's retry counter and keeps the
// session in GATE_PENDING; once the counter reaches the maximum the
// returned error is GateRetryExhausted and the client must choose retry,
// skip or abort. Until it does, every verdict is refused the same way.
func (s *Session) ApplyVerdict(v gates.Verdict, now time.Time) error {
	p := s.PendingGateReview
	if s.State != StateGatePending || p == nil {
		return errors.Validation("gate_verdict", fmt.Sprintf("session %s has no pending gate review", s.Key()), "omit gate_verdict or resume the step first")
	}
	if p.Exhausted {
		return errors.GateRetryExhausted(p.StepID, p.Attempts, p.MaxAttempts)
	}
	if v.Passed() {
		return s.Succeed(p.Index, p.Output, now)
	}
	p.LastVerdict = &v
	return s.recordFailure(p, now)
}

// ApplyShellFailure records a failed shell verification against the
// pending review. It counts like a FAIL verdict.
func (s *Session) ApplyShellFailure(summary string, now time.Time) error {
	p := s.PendingGateReview
	if s.State != StateGatePending || p == nil {
		return errors.Validation("chain_id", fmt.Sprintf("session %s has no pending gate review", s.Key()), "")
	}
	if p.Exhausted {
		return errors.GateRetryExhausted(p.StepID, p.Attempts, p.MaxAttempts)
	}
	p.LastFailure = summary
	return s.recordFailure(p, now)
}

func (s *Session) recordFailure(p *PendingGateReview, now time.Time) error {
	s.RetryCounters[p.StepID]++
	p.Attempts = s.RetryCounters[p.StepID]
	s.touch(now)
	if p.Attempts >= p.MaxAttempts {
		p.Exhausted = true
		return errors.GateRetryExhausted(p.StepID, p.Attempts, p.MaxAttempts)
	}
	return nil
}

// ApplyAction applies an explicit gate decision.
//
//	retry  resets the step's retry counter and re-dispatches the step
//	skip   completes the step with the gate bypassed
//	abort  ends the session
func (s *Session) ApplyAction(action GateAction, now time.Time) error {
	if s.State.Terminal() {
		return errors.RunFinished(s.Key().String(), string(s.State))
	}
	switch action {
	case ActionAbort:
		stepID := ""
		if cur, ok := s.Current(); ok {
			stepID = cur.ID
		}
		s.PendingGateReview = nil
		s.AbortReason = "aborted by client"
		return s.transition(StateAborted, stepID, now)
	case ActionRetry, ActionSkip:
	default:
		return errors.Validation("gate_action", fmt.Sprintf("unknown gate_action %q", action), `"gate_action":"retry"`)
	}

	p := s.PendingGateReview
	if s.State != StateGatePending || p == nil {
		return errors.Validation("gate_action", fmt.Sprintf("%s needs a pending gate review; session %s is %s", action, s.Key(), s.State), "send the step output as user_response first")
	}

	if action == ActionRetry {
		s.RetryCounters[p.StepID] = 0
		s.PendingGateReview = nil
		return s.transition(StateStepActive, p.StepID, now)
	}

	step, err := s.stepAt(p.Index)
	if err != nil {
		return err
	}
	res := StepResult{StepID: p.StepID, Index: p.Index, Status: StepSucceeded, Output: p.Output, GateBypassed: true, CompletedAt: now}
	s.applyOutputMapping(step, &res)
	return s.complete(res, now)
}

// Progress returns the 1-based position of the current step and the step
// count.
func (s *Session) Progress() (int, int) {
	return s.CurrentIndex + 1, len(s.Plan)
}

func (s *Session) stepAt(index int) (StepDefinition, error) {
	if index < 0 || index >= len(s.Plan) {
		return StepDefinition{}, errors.Validation("step_index", fmt.Sprintf("step_index %d out of range 0..%d", index, len(s.Plan)-1), "")
	}
	step, ok := s.Step(s.Plan[index])
	if !ok {
		return StepDefinition{}, errors.SessionCorrupt(s.Key().String(), fmt.Errorf("plan names unknown step %q", s.Plan[index]))
	}
	return step, nil
}

func (s *Session) complete(res StepResult, now time.Time) error {
	s.StepResults = append(s.StepResults, res)
	s.PendingGateReview = nil
	s.CurrentIndex = res.Index + 1
	return s.dispatchNext(now)
}

// dispatchNext walks forward from CurrentIndex, recording ineligible steps
// as skipped, until a step is dispatched or the plan is exhausted.
func (s *Session) dispatchNext(now time.Time) error {
	for s.CurrentIndex < len(s.Plan) {
		step, ok := s.Step(s.Plan[s.CurrentIndex])
		if !ok {
			s.AbortReason = fmt.Sprintf("plan names unknown step %q", s.Plan[s.CurrentIndex])
			return s.transition(StateAborted, "", now)
		}
		run, reason := s.eligible(step)
		if run {
			return s.transition(StateStepActive, step.ID, now)
		}
		s.StepResults = append(s.StepResults, StepResult{
			StepID: step.ID, Index: s.CurrentIndex, Status: StepSkipped, Error: reason, CompletedAt: now,
		})
		s.CurrentIndex++
	}
	return s.transition(StateComplete, "", now)
}

// transition records a move to another state. Edges outside
// validTransitions are refused and leave State unchanged.
func (s *Session) transition(to State, stepID string, now time.Time) error {
	if !s.State.CanTransitionTo(to) {
		if s.State.Terminal() {
			return errors.RunFinished(s.Key().String(), string(s.State))
		}
		return errors.Internal(nil, fmt.Sprintf("session %s cannot move from %s to %s", s.Key(), s.State, to))
	}
	s.History = append(s.History, Transition{From: s.State, To: to, StepID: stepID, At: now})
	if len(s.History) > maxHistory {
		s.History = s.History[len(s.History)-maxHistory:]
	}
	s.State = to
	s.touch(now)
	return nil
}

func (s *Session) touch(now time.Time) {
	if now.After(s.LastActivity) {
		s.LastActivity = now
	}
}

func cloneSteps(steps []StepDefinition) []StepDefinition {
	out := make([]StepDefinition, len(steps))
	for i, st := range steps {
		c := st
		c.Dependencies = append([]string(nil), st.Dependencies...)
		c.InlineGateIDs = append([]string(nil), st.InlineGateIDs...)
		c.InputMapping = cloneMap(st.InputMapping)
		c.OutputMapping = cloneMap(st.OutputMapping)
		if st.ConditionalExecution != nil {
			cond := *st.ConditionalExecution
			c.ConditionalExecution = &cond
		}
		out[i] = c
	}
	return out
}

func cloneMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Validate checks a decoded record for structural consistency.
func (s *Session) Validate() error {
	if s.ChainID == "" {
		return fmt.Errorf("chain id missing")
	}
	if s.RunNumber < 1 {
		return fmt.Errorf("run number %d invalid", s.RunNumber)
	}
	switch s.State {
	case StatePlanning, StateStepActive, StateGatePending, StateComplete, StateAborted:
	default:
		return fmt.Errorf("unknown state %q", s.State)
	}
	if len(s.Plan) != len(s.StepGraph) {
		return fmt.Errorf("plan has %d steps, graph has %d", len(s.Plan), len(s.StepGraph))
	}
	for _, id := range s.Plan {
		if _, ok := s.Step(id); !ok {
			return fmt.Errorf("plan names unknown step %q", id)
		}
	}
	if s.CurrentIndex < 0 || s.CurrentIndex > len(s.Plan) {
		return fmt.Errorf("current index %d out of range", s.CurrentIndex)
	}
	if (s.State == StateStepActive || s.State == StateGatePending) && s.CurrentIndex == len(s.Plan) {
		return fmt.Errorf("state %s with no current step", s.State)
	}
	if s.State == StateGatePending && s.PendingGateReview == nil {
		return fmt.Errorf("GATE_PENDING without a pending review")
	}
	if s.RetryCounters == nil {
		s.RetryCounters = make(map[string]int)
	}
	if s.Outputs == nil {
		s.Outputs = make(map[string]string)
	}
	return nil
}
