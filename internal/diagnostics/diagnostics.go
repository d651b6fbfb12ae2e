// Package diagnostics collects non-fatal findings produced while a single
// request moves through the pipeline.
package diagnostics

import (
	"fmt"
	"sort"
	"time"
)

// Severity of a diagnostic.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

func (s Severity) rank() int {
	switch s {
	case SeverityError:
		return 2
	case SeverityWarning:
		return 1
	default:
		return 0
	}
}

// Diagnostic is one finding. Stage names the pipeline stage that raised it.
type Diagnostic struct {
	Severity Severity  `json:"severity"`
	Stage    string    `json:"stage"`
	Code     string    `json:"code"`
	Message  string    `json:"message"`
	Hint     string    `json:"hint,omitempty"`
	At       time.Time `json:"at"`
}

func (d Diagnostic) String() string {
	s := fmt.Sprintf("[%s] %s/%s: %s", d.Severity, d.Stage, d.Code, d.Message)
	if d.Hint != "" {
		s += " (" + d.Hint + ")"
	}
	return s
}

// Accumulator is the per-request diagnostic list. It is owned by one
// execution context and is not safe for concurrent use.
type Accumulator struct {
	entries []Diagnostic
	now     func() time.Time
}

// NewAccumulator returns an empty accumulator.
func NewAccumulator() *Accumulator {
	return &Accumulator{now: time.Now}
}

// Add appends a diagnostic.
func (a *Accumulator) Add(d Diagnostic) {
	if d.At.IsZero() {
		d.At = a.now()
	}
	if d.Severity == "" {
		d.Severity = SeverityInfo
	}
	a.entries = append(a.entries, d)
}

// Info appends an info diagnostic.
func (a *Accumulator) Info(stage, code, msg string) {
	a.Add(Diagnostic{Severity: SeverityInfo, Stage: stage, Code: code, Message: msg})
}

// Warn appends a warning with an optional corrective hint.
func (a *Accumulator) Warn(stage, code, msg, hint string) {
	a.Add(Diagnostic{Severity: SeverityWarning, Stage: stage, Code: code, Message: msg, Hint: hint})
}

// Error appends an error diagnostic.
func (a *Accumulator) Error(stage, code, msg, hint string) {
	a.Add(Diagnostic{Severity: SeverityError, Stage: stage, Code: code, Message: msg, Hint: hint})
}

// Len returns the number of diagnostics collected.
func (a *Accumulator) Len() int { return len(a.entries) }

// All returns a copy of the diagnostics in insertion order.
func (a *Accumulator) All() []Diagnostic {
	out := make([]Diagnostic, len(a.entries))
	copy(out, a.entries)
	return out
}

// Since returns the diagnostics added after the first n.
func (a *Accumulator) Since(n int) []Diagnostic {
	if n >= len(a.entries) {
		return nil
	}
	out := make([]Diagnostic, len(a.entries)-n)
	copy(out, a.entries[n:])
	return out
}

// AtLeast returns diagnostics at or above min, most severe first, keeping
// insertion order among equals.
func (a *Accumulator) AtLeast(min Severity) []Diagnostic {
	var out []Diagnostic
	for _, d := range a.entries {
		if d.Severity.rank() >= min.rank() {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Severity.rank() > out[j].Severity.rank()
	})
	return out
}

// HasErrors reports whether any error diagnostic was recorded.
func (a *Accumulator) HasErrors() bool {
	for _, d := range a.entries {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}
