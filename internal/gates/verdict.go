// internal/gates/verdict.go
package gates

import (
	"regexp"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Outcome of a gate review.
type Outcome string

const (
	OutcomePass Outcome = "PASS"
	OutcomeFail Outcome = "FAIL"
)

// Verdict is a client-supplied gate review.
type Verdict struct {
	Outcome Outcome `json:"outcome"`
	Reason  string  `json:"reason"`
}

// Passed reports whether the verdict is PASS.
func (v Verdict) Passed() bool { return v.Outcome == OutcomePass }

// The grammar is case-insensitive, takes '-' or ':' before the reason, and
// always requires a reason.
var (
	reviewPattern  = regexp.MustCompile(`(?i)^\s*GATE_REVIEW\s*:\s*(PASS|FAIL)\s*[-:]\s*(\S.*?)\s*$`)
	gatePattern    = regexp.MustCompile(`(?i)^\s*GATE\s+(PASS|FAIL)\s*[-:]\s*(\S.*?)\s*$`)
	minimalPattern = regexp.MustCompile(`(?i)^\s*(PASS|FAIL)\s*[-:]\s*(\S.*?)\s*$`)

	// outcomeOnly catches a verdict with the reason missing so the error can
	// say exactly that.
	outcomeOnly = regexp.MustCompile(`(?i)^\s*(?:GATE_REVIEW\s*:\s*|GATE\s+)?(PASS|FAIL)\s*[-:]?\s*$`)
)

const verdictExample = `gate_verdict: "GATE_REVIEW: PASS - all criteria met"`

// ParseVerdict parses text supplied through the dedicated verdict field.
// All three forms are accepted, including the minimal "PASS - reason".
func ParseVerdict(text string) (Verdict, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Verdict{}, errors.Validation("gate_verdict", "verdict is empty", verdictExample)
	}
	for _, re := range []*regexp.Regexp{reviewPattern, gatePattern, minimalPattern} {
		if v, ok := match(re, text); ok {
			return v, nil
		}
	}
	if outcomeOnly.MatchString(text) {
		return Verdict{}, errors.Validation("gate_verdict", "verdict must include a reason after '-' or ':'", verdictExample)
	}
	return Verdict{}, errors.Validation("gate_verdict",
		"verdict must look like GATE_REVIEW: PASS|FAIL - reason", verdictExample)
}

// ExtractVerdict scans free-form step output for an embedded verdict line.
// Only the GATE_REVIEW and GATE forms are recognized here; a bare
// "PASS - ..." inside output is never treated as a verdict.
func ExtractVerdict(output string) (Verdict, bool) {
	for _, line := range strings.Split(output, "\n") {
		for _, re := range []*regexp.Regexp{reviewPattern, gatePattern} {
			if v, ok := match(re, line); ok {
				return v, true
			}
		}
	}
	return Verdict{}, false
}

func match(re *regexp.Regexp, text string) (Verdict, bool) {
	m := re.FindStringSubmatch(text)
	if m == nil {
		return Verdict{}, false
	}
	reason := strings.TrimSpace(m[2])
	if reason == "" {
		return Verdict{}, false
	}
	return Verdict{Outcome: Outcome(strings.ToUpper(m[1])), Reason: reason}, true
}
