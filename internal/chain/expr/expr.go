// Package expr implements the conditional-execution expression language
// for chain steps.
//
// It is deliberately small: literals, a read-only view of step results and
// arguments, comparison and boolean operators, and a fixed helper set.
// There is no assignment, no member call on values, and no way to reach
// anything outside the Env the caller supplies.
//
//	succeeded("fetch") && len(steps.fetch.output) > 0
//	!contains(lower(args.mode), "dry") || outputs.verdict == "ship"
package expr

import (
	"fmt"
	"strconv"
	"strings"
)

// Limits on source size and nesting keep evaluation cheap.
const (
	MaxLength = 1024
	MaxDepth  = 32
)

// Roots are the identifier namespaces an expression may read.
var Roots = map[string]bool{
	"steps":   true,
	"outputs": true,
	"args":    true,
}

// Env is the read-only data an expression is evaluated against.
type Env interface {
	// Lookup resolves a dotted path whose first element is one of Roots.
	Lookup(path []string) (any, bool)
	// StepStatus returns a step's status: pending, succeeded, failed or
	// skipped.
	StepStatus(id string) (string, bool)
}

// Expr is a compiled expression.
type Expr struct {
	src  string
	root node
}

// String returns the source text.
func (e *Expr) String() string { return e.src }

// Compile parses src. Unknown identifiers, helpers and operators are
// rejected here, before any step runs.
func Compile(src string) (*Expr, error) {
	src = strings.TrimSpace(src)
	if src == "" {
		return nil, fmt.Errorf("expression is empty")
	}
	if len(src) > MaxLength {
		return nil, fmt.Errorf("expression longer than %d bytes", MaxLength)
	}
	toks, err := tokenize(src)
	if err != nil {
		return nil, err
	}
	p := &parser{toks: toks}
	root, err := p.parseOr(0)
	if err != nil {
		return nil, err
	}
	if p.peek().kind != tEOF {
		return nil, fmt.Errorf("unexpected %q at offset %d", p.peek().text, p.peek().pos)
	}
	return &Expr{src: src, root: root}, nil
}

// Eval evaluates the expression and reports its truthiness.
func (e *Expr) Eval(env Env) (bool, error) {
	v, err := e.root.eval(env)
	if err != nil {
		return false, fmt.Errorf("evaluating %q: %w", e.src, err)
	}
	return truthy(v), nil
}

// Value evaluates the expression and returns the raw value.
func (e *Expr) Value(env Env) (any, error) {
	return e.root.eval(env)
}

func truthy(v any) bool {
	switch x := v.(type) {
	case nil:
		return false
	case bool:
		return x
	case float64:
		return x != 0
	case string:
		return x != ""
	default:
		return true
	}
}

func toNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case int:
		return float64(x), true
	case bool:
		if x {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	}
	return 0, false
}

func toString(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	default:
		return fmt.Sprint(x)
	}
}
