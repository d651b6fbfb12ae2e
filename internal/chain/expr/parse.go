package expr

import (
	"fmt"
	"strconv"
	"strings"
)

type parser struct {
	toks []tok
	i    int
}

func (p *parser) peek() tok { return p.toks[p.i] }

func (p *parser) next() tok {
	t := p.toks[p.i]
	if t.kind != tEOF {
		p.i++
	}
	return t
}

func (p *parser) depth(d int) error {
	if d > MaxDepth {
		return fmt.Errorf("expression nested deeper than %d", MaxDepth)
	}
	return nil
}

func (p *parser) parseOr(d int) (node, error) {
	if err := p.depth(d); err != nil {
		return nil, err
	}
	left, err := p.parseAnd(d + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tOp && p.peek().text == "||" {
		p.next()
		right, err := p.parseAnd(d + 1)
		if err != nil {
			return nil, err
		}
		left = &logical{op: "||", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd(d int) (node, error) {
	left, err := p.parseCompare(d + 1)
	if err != nil {
		return nil, err
	}
	for p.peek().kind == tOp && p.peek().text == "&&" {
		p.next()
		right, err := p.parseCompare(d + 1)
		if err != nil {
			return nil, err
		}
		left = &logical{op: "&&", left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseCompare(d int) (node, error) {
	left, err := p.parseUnary(d + 1)
	if err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tOp {
		switch t.text {
		case "==", "!=", "<", "<=", ">", ">=":
			p.next()
			right, err := p.parseUnary(d + 1)
			if err != nil {
				return nil, err
			}
			return &compare{op: t.text, left: left, right: right}, nil
		}
	}
	return left, nil
}

func (p *parser) parseUnary(d int) (node, error) {
	if err := p.depth(d); err != nil {
		return nil, err
	}
	if t := p.peek(); t.kind == tOp && t.text == "!" {
		p.next()
		operand, err := p.parseUnary(d + 1)
		if err != nil {
			return nil, err
		}
		return &not{operand: operand}, nil
	}
	return p.parsePrimary(d + 1)
}

func (p *parser) parsePrimary(d int) (node, error) {
	t := p.next()
	switch t.kind {
	case tNumber:
		f, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return nil, fmt.Errorf("bad number %q at offset %d", t.text, t.pos)
		}
		return literal{v: f}, nil
	case tString:
		return literal{v: t.text}, nil
	case tLParen:
		inner, err := p.parseOr(d + 1)
		if err != nil {
			return nil, err
		}
		if p.next().kind != tRParen {
			return nil, fmt.Errorf("missing ')' for '(' at offset %d", t.pos)
		}
		return inner, nil
	case tIdent:
		return p.ident(t, d)
	case tEOF:
		return nil, fmt.Errorf("unexpected end of expression")
	default:
		return nil, fmt.Errorf("unexpected %q at offset %d", t.text, t.pos)
	}
}

func (p *parser) ident(t tok, d int) (node, error) {
	switch t.text {
	case "true":
		return literal{v: true}, nil
	case "false":
		return literal{v: false}, nil
	case "null", "nil":
		return literal{v: nil}, nil
	}

	if p.peek().kind == tLParen {
		h, ok := helpers[t.text]
		if !ok {
			return nil, fmt.Errorf("unknown helper %q at offset %d", t.text, t.pos)
		}
		p.next()
		var args []node
		if p.peek().kind != tRParen {
			for {
				arg, err := p.parseOr(d + 1)
				if err != nil {
					return nil, err
				}
				args = append(args, arg)
				if p.peek().kind != tComma {
					break
				}
				p.next()
			}
		}
		if p.next().kind != tRParen {
			return nil, fmt.Errorf("missing ')' after arguments to %s", t.text)
		}
		if len(args) != h.arity {
			return nil, fmt.Errorf("%s takes %d argument(s), got %d", t.text, h.arity, len(args))
		}
		return &call{name: t.text, fn: h.fn, args: args}, nil
	}

	path := strings.Split(t.text, ".")
	if !Roots[path[0]] {
		return nil, fmt.Errorf("unknown identifier %q at offset %d: use steps.<id>, outputs.<name> or args.<name>", t.text, t.pos)
	}
	if len(path) < 2 {
		return nil, fmt.Errorf("identifier %q needs a name after %s.", t.text, path[0])
	}
	return ref{path: path}, nil
}
