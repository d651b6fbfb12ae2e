package command

import (
	"strconv"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

type tokenKind int

const (
	tokWord tokenKind = iota
	tokArrow
	tokGate
)

// token is one whitespace-delimited unit. Quoted sections keep their
// quotes in raw so later passes can tell key="v" from free text.
type token struct {
	kind tokenKind
	raw  string
	pos  int
}

// lex splits text on whitespace outside quotes. "-->" and "::" are
// operators even when glued to neighbouring text.
func lex(text string) ([]token, error) {
	var (
		toks  []token
		cur   strings.Builder
		start = -1
		quote rune
		qpos  int
	)
	flush := func() {
		if cur.Len() > 0 {
			toks = append(toks, token{kind: tokWord, raw: cur.String(), pos: start})
			cur.Reset()
		}
		start = -1
	}

	runes := []rune(text)
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		if quote != 0 {
			cur.WriteRune(r)
			if r == quote {
				quote = 0
			}
			continue
		}
		switch {
		case r == '"' || r == '\'':
			if start < 0 {
				start = i
			}
			quote, qpos = r, i
			cur.WriteRune(r)
		case r == ' ' || r == '\t' || r == '\n' || r == '\r':
			flush()
		case r == '-' && i+2 < len(runes) && runes[i+1] == '-' && runes[i+2] == '>':
			flush()
			toks = append(toks, token{kind: tokArrow, raw: "-->", pos: i})
			i += 2
		case r == ':' && i+1 < len(runes) && runes[i+1] == ':':
			flush()
			toks = append(toks, token{kind: tokGate, raw: "::", pos: i})
			i++
		default:
			if start < 0 {
				start = i
			}
			cur.WriteRune(r)
		}
	}
	if quote != 0 {
		return nil, errors.Parse("command",
			"unterminated "+string(quote)+" quote starting at position "+strconv.Itoa(qpos),
			"close the quote or escape it, for example key=\"value\"")
	}
	flush()
	return toks, nil
}

// unquote strips one pair of matching surrounding quotes.
func unquote(s string) (string, bool) {
	if len(s) >= 2 && (s[0] == '"' || s[0] == '\'') && s[len(s)-1] == s[0] {
		return s[1 : len(s)-1], true
	}
	return s, false
}

// stripQuotes removes every quote pair from free text.
func stripQuotes(s string) string {
	var b strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote == 0 && (r == '"' || r == '\''):
			quote = r
		case r == quote:
			quote = 0
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
