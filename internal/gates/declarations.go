// internal/gates/declarations.go
package gates

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Declarations is a parsed request-level gate list.
type Declarations struct {
	// IDs are bare references to registered gates.
	IDs []string
	// Definitions are quick gates and full definitions declared inline.
	Definitions []Definition
}

// rawDeclaration covers both quick gates and full definitions.
type rawDeclaration struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	Description     string          `json:"description"`
	Criteria        []string        `json:"criteria"`
	Severity        Severity        `json:"severity"`
	Scope           Scope           `json:"scope"`
	EnforcementMode EnforcementMode `json:"enforcement_mode"`
	Type            string          `json:"type"`
	Guidance        string          `json:"guidance"`
	ApplyToSteps    []string        `json:"apply_to_steps"`
	ShellVerify     *ShellVerify    `json:"shell_verify"`
}

// ParseDeclarations accepts the request's gate list, where each element is
// a bare id string, a {name, description} quick gate, or a full definition.
// Errors name the offending element.
func ParseDeclarations(items []any) (Declarations, error) {
	var out Declarations
	seen := make(map[string]bool)

	for i, item := range items {
		field := fmt.Sprintf("gates[%d]", i)
		switch v := item.(type) {
		case string:
			id := strings.TrimSpace(v)
			if id == "" {
				return Declarations{}, errors.Validation(field, "gate id is empty", `"gates":["security-review"]`)
			}
			if !seen[id] {
				out.IDs = append(out.IDs, id)
				seen[id] = true
			}
		case map[string]any:
			def, err := parseObject(field, v)
			if err != nil {
				return Declarations{}, err
			}
			out.Definitions = append(out.Definitions, def)
		default:
			return Declarations{}, errors.Validation(field,
				fmt.Sprintf("gate declaration must be a string or object, got %T", item),
				`"gates":["security-review", {"name":"Cite","description":"cite sources"}]`)
		}
	}
	return out, nil
}

func parseObject(field string, obj map[string]any) (Definition, error) {
	raw, err := json.Marshal(obj)
	if err != nil {
		return Definition{}, errors.Validation(field, "gate declaration is not valid JSON", "")
	}
	var d rawDeclaration
	if err := json.Unmarshal(raw, &d); err != nil {
		return Definition{}, errors.Validation(field, fmt.Sprintf("gate declaration has a wrong field type: %v", err),
			`{"id":"cite-sources","criteria":["cite every source"],"severity":"high"}`)
	}

	if d.ID == "" {
		// quick gate
		if strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Description) == "" {
			return Definition{}, errors.Validation(field, "quick gate needs both name and description",
				`{"name":"Cite sources","description":"every claim links a source"}`)
		}
		def := Definition{
			ID:          QuickID(d.Name),
			Name:        strings.TrimSpace(d.Name),
			Description: strings.TrimSpace(d.Description),
			Criteria:    []string{strings.TrimSpace(d.Description)},
			Kind:        KindCustom,
			Type:        "validation",
			Severity:    SeverityMedium,
			Scope:       ScopeExecution,
		}.WithDefaults()
		return def, def.Validate(field)
	}

	def := Definition{
		ID:              d.ID,
		Name:            d.Name,
		Description:     d.Description,
		Criteria:        d.Criteria,
		Severity:        d.Severity,
		Scope:           d.Scope,
		EnforcementMode: d.EnforcementMode,
		Type:            d.Type,
		Guidance:        d.Guidance,
		ApplyToSteps:    d.ApplyToSteps,
		ShellVerify:     d.ShellVerify,
		Kind:            KindCustom,
	}.WithDefaults()
	return def, def.Validate(field)
}

// QuickID derives a stable temporary gate id from a display name.
func QuickID(name string) string {
	var b strings.Builder
	b.WriteString("temp-")
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > len("temp-"):
			b.WriteByte('-')
			dash = true
		}
	}
	id := strings.TrimRight(b.String(), "-")
	if len(id) > 64 {
		id = strings.TrimRight(id[:64], "-")
	}
	if id == "temp" {
		id = "temp-gate"
	}
	return id
}

// Inline builds a temporary gate from a command's :: criteria operator.
// An empty id derives one from the criteria text.
func Inline(id, criteria string) Definition {
	criteria = strings.TrimSpace(criteria)
	if id == "" {
		id = QuickID(criteria)
	}
	return Definition{
		ID:          id,
		Name:        criteria,
		Description: criteria,
		Criteria:    []string{criteria},
		Kind:        KindCustom,
		Severity:    SeverityMedium,
		Scope:       ScopeExecution,
	}.WithDefaults()
}

// VerifyPreset names a shell verification preset from the :fast, :full and
// :extended command suffixes.
type VerifyPreset string

const (
	PresetDefault  VerifyPreset = ""
	PresetFast     VerifyPreset = "fast"
	PresetFull     VerifyPreset = "full"
	PresetExtended VerifyPreset = "extended"
)

// Limits returns the iteration and timeout limits of the preset. Zero
// values mean the configured defaults apply.
func (p VerifyPreset) Limits() (int, time.Duration) {
	switch p {
	case PresetFast:
		return 1, 60 * time.Second
	case PresetFull:
		return 10, 5 * time.Minute
	case PresetExtended:
		return 25, 10 * time.Minute
	default:
		return 0, 0
	}
}

// InlineShell builds a shell verification gate from :: verify:'cmd'.
func InlineShell(command string, preset VerifyPreset) Definition {
	iterations, timeout := preset.Limits()
	command = strings.TrimSpace(command)
	return Definition{
		ID:          QuickID("verify " + command),
		Name:        "Shell verification",
		Description: "Shell verification: " + command,
		Kind:        KindCustom,
		Type:        "verification",
		Severity:    SeverityHigh,
		Scope:       ScopeExecution,
		ShellVerify: &ShellVerify{
			Command:       command,
			TimeoutMS:     timeout.Milliseconds(),
			MaxIterations: iterations,
		},
	}.WithDefaults()
}
