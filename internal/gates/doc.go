// Package gates resolves the quality gates that apply to one execution and
// parses the verdicts clients report back.
//
// Definitions come from the registry (Catalog) or are declared inline on a
// request. The Resolver walks the precedence ladder
//
//	temporary > template > category > framework > fallback
//
// into a per-request Accumulator that holds at most one ResolvedGate per id.
//
// Verdicts follow a case-insensitive grammar with a mandatory reason:
//
//	GATE_REVIEW: PASS - reason
//	GATE FAIL: reason
//	PASS - reason            (verdict field only)
package gates
