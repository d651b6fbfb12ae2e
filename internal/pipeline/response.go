package pipeline

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/diagnostics"
	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Response is what the entry point returns to the transport.
type Response struct {
	Text    string          `json:"text"`
	IsError bool            `json:"is_error,omitempty"`
	Error   *errors.Payload `json:"error,omitempty"`

	// Chain fields are set when a session is involved.
	ChainID   string      `json:"chain_id,omitempty"`
	StepIndex *int        `json:"step_index,omitempty"`
	StepID    string      `json:"step_id,omitempty"`
	State     chain.State `json:"state,omitempty"`
	Step      int         `json:"step,omitempty"`
	Steps     int         `json:"steps,omitempty"`

	Gates       []string                 `json:"gates,omitempty"`
	Framework   string                   `json:"framework,omitempty"`
	Diagnostics []diagnostics.Diagnostic `json:"diagnostics,omitempty"`
}

// ErrorResponse converts err into a structured error response. The text
// always names the offending field or step and the next action.
func ErrorResponse(err error) *Response {
	p := errors.ToPayload(err)
	var b strings.Builder
	fmt.Fprintf(&b, "Error: %s\n", p.Message)
	if p.Field != "" {
		fmt.Fprintf(&b, "Field: %s\n", p.Field)
	}
	if p.StepID != "" {
		fmt.Fprintf(&b, "Step: %s\n", p.StepID)
	}
	if p.NextAction != "" {
		fmt.Fprintf(&b, "Next: %s\n", p.NextAction)
	}
	return &Response{Text: b.String(), IsError: true, Error: &p}
}

// AttachSession copies the session position onto r. Error responses also
// name the run so the client can address it with gate_action.
func (r *Response) AttachSession(s *chain.Session) {
	r.ChainID = s.Key().String()
	r.State = s.State
	r.Step, r.Steps = s.Progress()
	if s.State.Terminal() {
		r.Step = r.Steps
		return
	}
	idx := s.CurrentIndex
	r.StepIndex = &idx
	if cur, ok := s.Current(); ok {
		r.StepID = cur.ID
	}
	if r.IsError {
		r.Text += fmt.Sprintf("Chain: %s (step %d of %d, %s)\n", r.ChainID, r.Step, r.Steps, s.State)
	}
}
