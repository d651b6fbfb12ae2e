// internal/errors/kinds.go
package errors

import (
	"fmt"
	"strings"
	"time"
)

// Kind classifies an execution failure.
type Kind string

const (
	// KindParse is malformed command syntax. Recovered locally with a hint.
	KindParse Kind = "parse_error"
	// KindValidation is an argument or schema mismatch.
	KindValidation Kind = "validation_error"
	// KindDependencyCycle is a cyclic chain step graph. Fatal at planning.
	KindDependencyCycle Kind = "dependency_cycle"
	// KindGateRetryExhausted requires an explicit retry, skip or abort.
	KindGateRetryExhausted Kind = "gate_retry_exhausted"
	// KindSessionCorrupt is an unreadable or structurally invalid session record.
	KindSessionCorrupt Kind = "session_corrupt"
	// KindTimeout is an elapsed step timeout, treated as that step's failure.
	KindTimeout Kind = "timeout"
	// KindStaleResume is a resume for a step index that was already applied.
	KindStaleResume Kind = "stale_resume"
	// KindNotFound is an unknown prompt, gate, methodology or session.
	KindNotFound Kind = "not_found"
	// KindInternal is anything unclassified.
	KindInternal Kind = "internal"
)

// Error is a classified execution failure. Field or StepID names what the
// client must change; the next action travels as a hint.
type Error struct {
	Kind    Kind
	Field   string
	StepID  string
	Message string
	cause   error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Kind))
	switch {
	case e.StepID != "":
		b.WriteString(": step ")
		b.WriteString(e.StepID)
	case e.Field != "":
		b.WriteString(": ")
		b.WriteString(e.Field)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.cause != nil {
		b.WriteString(": ")
		b.WriteString(e.cause.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches sentinel errors of the same kind, so errors.Is(err, ErrTimeout)
// holds for every timeout regardless of step.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Field == "" && t.StepID == "" && t.Message == ""
}

// Sentinels for errors.Is checks.
var (
	ErrParse              = &Error{Kind: KindParse}
	ErrValidation         = &Error{Kind: KindValidation}
	ErrDependencyCycle    = &Error{Kind: KindDependencyCycle}
	ErrGateRetryExhausted = &Error{Kind: KindGateRetryExhausted}
	ErrSessionCorrupt     = &Error{Kind: KindSessionCorrupt}
	ErrTimeout            = &Error{Kind: KindTimeout}
	ErrStaleResume        = &Error{Kind: KindStaleResume}
	ErrNotFound           = &Error{Kind: KindNotFound}
)

func build(e *Error, hint string) error {
	err := WithStack(e)
	if hint != "" {
		err = WithHint(err, hint)
	}
	return err
}

// Parse reports malformed command syntax at the given field.
func Parse(field, msg, hint string) error {
	return build(&Error{Kind: KindParse, Field: field, Message: msg}, hint)
}

// Validation reports a field value the client must correct. example is a
// retry example shown as the next action.
func Validation(field, msg, example string) error {
	hint := ""
	if example != "" {
		hint = "retry with " + example
	}
	return build(&Error{Kind: KindValidation, Field: field, Message: msg}, hint)
}

// DependencyCycle reports the steps participating in a cycle.
func DependencyCycle(steps []string) error {
	return build(&Error{
		Kind:    KindDependencyCycle,
		Field:   "chain_steps",
		Message: "dependency cycle through " + strings.Join(steps, " -> "),
	}, fmt.Sprintf("remove one of the dependencies between %s so the steps form a DAG", strings.Join(steps, ", ")))
}

// GateRetryExhausted reports a step whose gate failed too many times.
func GateRetryExhausted(stepID string, attempts, max int) error {
	return build(&Error{
		Kind:    KindGateRetryExhausted,
		StepID:  stepID,
		Message: fmt.Sprintf("gate failed %d of %d allowed attempts", attempts, max),
	}, `resume with gate_action "retry" to reset the counter, "skip" to bypass the gate, or "abort" to stop the chain`)
}

// SessionCorrupt reports an unreadable persisted session.
func SessionCorrupt(chainID string, cause error) error {
	return build(&Error{
		Kind:    KindSessionCorrupt,
		Field:   "chain_id",
		Message: fmt.Sprintf("session record for %s is unreadable", chainID),
		cause:   cause,
	}, fmt.Sprintf(`resume with chain_id "%s" and force_restart true to start a new run`, chainID))
}

// Timeout reports a step whose declared timeout elapsed.
func Timeout(stepID string, d time.Duration) error {
	return build(&Error{
		Kind:    KindTimeout,
		StepID:  stepID,
		Message: fmt.Sprintf("step exceeded its %s timeout", d),
	}, "raise the step timeout or simplify the step, then resume with gate_action \"retry\"")
}

// StaleResume reports a duplicate resume for an already applied step index.
func StaleResume(chainID string, index, current int) error {
	return build(&Error{
		Kind:    KindStaleResume,
		Field:   "step_index",
		Message: fmt.Sprintf("step %d of %s was already applied (current step is %d)", index, chainID, current),
	}, fmt.Sprintf(`resume with chain_id "%s" and step_index %d`, chainID, current))
}

// RunFinished reports a resume addressed to a run that already ended.
func RunFinished(chainRef, state string) error {
	return build(&Error{
		Kind:    KindStaleResume,
		Field:   "chain_id",
		Message: fmt.Sprintf("run %s is already %s", chainRef, state),
	}, `start a new run with "force_restart":true`)
}

// NotFound reports an unknown identifier in field.
func NotFound(field, what, id, hint string) error {
	return build(&Error{Kind: KindNotFound, Field: field, Message: fmt.Sprintf("%s %q not found", what, id)}, hint)
}

// Internal wraps an unclassified failure.
func Internal(cause error, msg string) error {
	return build(&Error{Kind: KindInternal, Message: msg, cause: cause}, "")
}

// KindOf returns the kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// NextAction returns the user-facing next action attached to err.
func NextAction(err error) string {
	if err == nil {
		return ""
	}
	return FlattenHints(err)
}

// Payload is the client-facing shape of an execution error.
type Payload struct {
	Kind       Kind   `json:"kind"`
	Message    string `json:"message"`
	Field      string `json:"field,omitempty"`
	StepID     string `json:"step_id,omitempty"`
	NextAction string `json:"next_action,omitempty"`
}

// ToPayload converts err into its client-facing shape.
func ToPayload(err error) Payload {
	p := Payload{Kind: KindOf(err), Message: err.Error(), NextAction: NextAction(err)}
	var e *Error
	if As(err, &e) {
		p.Field = e.Field
		p.StepID = e.StepID
	}
	if p.NextAction == "" && p.Kind == KindInternal {
		p.NextAction = "retry the request; if it keeps failing, check the server logs for the request id"
	}
	return p
}
