package expr

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

type node interface {
	eval(env Env) (any, error)
}

type literal struct{ v any }

func (l literal) eval(Env) (any, error) { return l.v, nil }

type ref struct{ path []string }

func (r ref) eval(env Env) (any, error) {
	if env == nil {
		return nil, nil
	}
	v, _ := env.Lookup(r.path)
	return v, nil
}

type not struct{ operand node }

func (n *not) eval(env Env) (any, error) {
	v, err := n.operand.eval(env)
	if err != nil {
		return nil, err
	}
	return !truthy(v), nil
}

type logical struct {
	op          string
	left, right node
}

func (l *logical) eval(env Env) (any, error) {
	lv, err := l.left.eval(env)
	if err != nil {
		return nil, err
	}
	if l.op == "&&" && !truthy(lv) {
		return false, nil
	}
	if l.op == "||" && truthy(lv) {
		return true, nil
	}
	rv, err := l.right.eval(env)
	if err != nil {
		return nil, err
	}
	return truthy(rv), nil
}

type compare struct {
	op          string
	left, right node
}

func (c *compare) eval(env Env) (any, error) {
	lv, err := c.left.eval(env)
	if err != nil {
		return nil, err
	}
	rv, err := c.right.eval(env)
	if err != nil {
		return nil, err
	}

	switch c.op {
	case "==":
		return equal(lv, rv), nil
	case "!=":
		return !equal(lv, rv), nil
	}

	ln, lok := toNumber(lv)
	rn, rok := toNumber(rv)
	if lok && rok {
		switch c.op {
		case "<":
			return ln < rn, nil
		case "<=":
			return ln <= rn, nil
		case ">":
			return ln > rn, nil
		default:
			return ln >= rn, nil
		}
	}
	ls, rs := toString(lv), toString(rv)
	switch c.op {
	case "<":
		return ls < rs, nil
	case "<=":
		return ls <= rs, nil
	case ">":
		return ls > rs, nil
	default:
		return ls >= rs, nil
	}
}

func equal(a, b any) bool {
	// a missing value equals null and the empty string
	if a == nil || b == nil {
		other := a
		if a == nil {
			other = b
		}
		return other == nil || other == ""
	}
	if an, ok := a.(float64); ok {
		if bn, ok := toNumber(b); ok {
			return an == bn
		}
	}
	if bn, ok := b.(float64); ok {
		if an, ok := toNumber(a); ok {
			return an == bn
		}
	}
	if ab, ok := a.(bool); ok {
		if bb, ok := b.(bool); ok {
			return ab == bb
		}
	}
	return toString(a) == toString(b)
}

type call struct {
	name string
	fn   func(env Env, args []any) (any, error)
	args []node
}

func (c *call) eval(env Env) (any, error) {
	vals := make([]any, len(c.args))
	for i, a := range c.args {
		v, err := a.eval(env)
		if err != nil {
			return nil, err
		}
		vals[i] = v
	}
	return c.fn(env, vals)
}

type helper struct {
	arity int
	fn    func(env Env, args []any) (any, error)
}

var helpers = map[string]helper{
	"len": {1, func(_ Env, a []any) (any, error) {
		switch v := a[0].(type) {
		case nil:
			return float64(0), nil
		case []any:
			return float64(len(v)), nil
		default:
			return float64(utf8.RuneCountInString(toString(v))), nil
		}
	}},
	"contains": {2, func(_ Env, a []any) (any, error) {
		return strings.Contains(toString(a[0]), toString(a[1])), nil
	}},
	"startsWith": {2, func(_ Env, a []any) (any, error) {
		return strings.HasPrefix(toString(a[0]), toString(a[1])), nil
	}},
	"endsWith": {2, func(_ Env, a []any) (any, error) {
		return strings.HasSuffix(toString(a[0]), toString(a[1])), nil
	}},
	"lower": {1, func(_ Env, a []any) (any, error) {
		return strings.ToLower(toString(a[0])), nil
	}},
	"upper": {1, func(_ Env, a []any) (any, error) {
		return strings.ToUpper(toString(a[0])), nil
	}},
	"succeeded": {1, statusIs("succeeded")},
	"failed":    {1, statusIs("failed")},
	"skipped":   {1, statusIs("skipped")},
	"exists": {1, func(env Env, a []any) (any, error) {
		name := toString(a[0])
		if env == nil || name == "" {
			return false, nil
		}
		path := strings.Split(name, ".")
		if !Roots[path[0]] {
			path = append([]string{"outputs"}, path...)
		}
		// a bare root names no value
		if len(path) < 2 || path[len(path)-1] == "" {
			return false, nil
		}
		v, ok := env.Lookup(path)
		return ok && v != nil, nil
	}},
}

func statusIs(want string) func(Env, []any) (any, error) {
	return func(env Env, a []any) (any, error) {
		id, ok := a[0].(string)
		if !ok {
			return nil, fmt.Errorf("step id must be a string, got %T", a[0])
		}
		if env == nil {
			return false, nil
		}
		got, ok := env.StepStatus(id)
		return ok && got == want, nil
	}
}
