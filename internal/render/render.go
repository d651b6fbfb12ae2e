// Package render expands prompt templates.
//
// Templates use {{name}} placeholders, with optional surrounding spaces.
// {{name|default}} supplies a fallback for a missing variable. Any other
// missing variable is an error so a step never dispatches with a hole in
// its prompt.
package render

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/valyala/fasttemplate"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/registry"
)

const (
	startTag = "{{"
	endTag   = "}}"
)

// Renderer expands a template against variables.
type Renderer interface {
	Render(template string, vars map[string]string) (string, error)
}

// Template is the default Renderer.
type Template struct{}

// Render implements Renderer.
func (Template) Render(tmpl string, vars map[string]string) (string, error) {
	var missing []string
	out, err := fasttemplate.ExecuteFuncStringWithErr(tmpl, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		name, def, hasDefault := strings.Cut(strings.TrimSpace(tag), "|")
		name = strings.TrimSpace(name)
		if v, ok := vars[name]; ok {
			return w.Write([]byte(v))
		}
		if hasDefault {
			return w.Write([]byte(strings.TrimSpace(def)))
		}
		missing = append(missing, name)
		return 0, nil
	})
	if err != nil {
		return "", errors.Wrap(err, "rendering template")
	}
	if len(missing) > 0 {
		return "", errors.Validation("args."+missing[0],
			fmt.Sprintf("template variable %s has no value", strings.Join(missing, ", ")),
			fmt.Sprintf(`%s="..."`, missing[0]))
	}
	return out, nil
}

// Variables lists the placeholder names in tmpl, sorted and deduplicated.
func Variables(tmpl string) []string {
	seen := map[string]bool{}
	_, _ = fasttemplate.ExecuteFuncStringWithErr(tmpl, startTag, endTag, func(w io.Writer, tag string) (int, error) {
		name, _, _ := strings.Cut(strings.TrimSpace(tag), "|")
		if name = strings.TrimSpace(name); name != "" {
			seen[name] = true
		}
		return 0, nil
	})
	out := make([]string, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// ResolveArgs merges supplied values with the prompt's declared
// arguments. Declared defaults fill gaps; a required argument with neither
// a value nor a default is a ValidationError naming it. The free-text
// input, when given, is available as {{input}} and fills the first
// required argument that is still empty.
func ResolveArgs(declared []registry.Argument, supplied map[string]string, input string) (map[string]string, error) {
	vars := make(map[string]string, len(declared)+len(supplied)+1)
	for k, v := range supplied {
		vars[k] = v
	}
	if input != "" {
		if _, ok := vars["input"]; !ok {
			vars["input"] = input
		}
	}

	inputUsed := false
	for _, arg := range declared {
		if v, ok := vars[arg.Name]; ok && v != "" {
			continue
		}
		if arg.Default != "" {
			vars[arg.Name] = arg.Default
			continue
		}
		if !arg.Required {
			continue
		}
		if input != "" && !inputUsed {
			vars[arg.Name] = input
			inputUsed = true
			continue
		}
		return nil, errors.Validation("args."+arg.Name,
			fmt.Sprintf("required argument %s is missing", arg.Name),
			fmt.Sprintf(`%s="..."`, arg.Name))
	}
	return vars, nil
}
