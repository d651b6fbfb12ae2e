// internal/gates/guidance.go
package gates

import (
	"fmt"
	"strings"
)

// ReviewInstruction is the line clients answer to report a verdict.
const ReviewInstruction = "GATE_REVIEW: PASS|FAIL - <reason>"

// Guidance renders the gate section appended to a rendered prompt.
// Informational gates are listed without asking for a verdict.
func Guidance(gates []ResolvedGate) string {
	if len(gates) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("## Inline Gates\n")

	needsVerdict := false
	for _, g := range gates {
		d := g.Definition
		mode := d.Enforcement()
		fmt.Fprintf(&b, "\n### %s\n", displayName(d))
		fmt.Fprintf(&b, "_%s, %s_\n", d.Severity, mode)
		if d.Description != "" && !sameAsCriteria(d) {
			b.WriteString(d.Description)
			b.WriteByte('\n')
		}
		for _, c := range d.Criteria {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		if d.ShellVerify != nil {
			fmt.Fprintf(&b, "Shell verification: %s\n", d.ShellVerify.Command)
		}
		if d.Guidance != "" {
			b.WriteString(strings.TrimSpace(d.Guidance))
			b.WriteByte('\n')
		}
		if mode != EnforcementInformational && d.ShellVerify == nil {
			needsVerdict = true
		}
	}

	if needsVerdict {
		fmt.Fprintf(&b, "\nReview your output against the gates above, then respond with:\n%s\n", ReviewInstruction)
	}
	return b.String()
}

// NeedsVerdict reports whether any gate expects a client verdict.
func NeedsVerdict(gates []ResolvedGate) bool {
	for _, g := range gates {
		if g.Definition.Enforcement() != EnforcementInformational && g.Definition.ShellVerify == nil {
			return true
		}
	}
	return false
}

func displayName(d Definition) string {
	if d.Name != "" {
		return d.Name
	}
	return d.ID
}

func sameAsCriteria(d Definition) bool {
	return len(d.Criteria) == 1 && d.Criteria[0] == d.Description
}
