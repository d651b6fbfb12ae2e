package framework

import (
	"fmt"
	"strings"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Methodology is a reasoning framework definition supplied by the
// registry, such as CAGEERF or ReACT.
type Methodology struct {
	ID          string `json:"id" yaml:"id" toml:"id"`
	Name        string `json:"name" yaml:"name" toml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty" toml:"description"`
	// SystemPrompt is prepended to rendered prompts when the methodology
	// applies. {{framework}} inside it expands to Name.
	SystemPrompt string   `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty" toml:"system_prompt"`
	Phases       []string `json:"phases,omitempty" yaml:"phases,omitempty" toml:"phases"`
	Enabled      *bool    `json:"enabled,omitempty" yaml:"enabled,omitempty" toml:"enabled"`
}

// IsEnabled reports whether the methodology can be selected. Unset means
// enabled.
func (m Methodology) IsEnabled() bool {
	return m.Enabled == nil || *m.Enabled
}

// Validate checks required fields. field prefixes error locations.
func (m Methodology) Validate(field string) error {
	if strings.TrimSpace(m.ID) == "" {
		return errors.Validation(field+".id", "methodology id is required", `id: CAGEERF`)
	}
	if strings.ContainsAny(m.ID, " \t@#") {
		return errors.Validation(field+".id", fmt.Sprintf("methodology id %q must not contain spaces, '@' or '#'", m.ID), `id: CAGEERF`)
	}
	return nil
}

// Header renders the block prepended to a prompt when the methodology
// applies.
func (m Methodology) Header() string {
	name := m.Name
	if name == "" {
		name = m.ID
	}
	var b strings.Builder
	fmt.Fprintf(&b, "## Methodology: %s\n", name)
	if m.SystemPrompt != "" {
		b.WriteString(strings.ReplaceAll(strings.TrimSpace(m.SystemPrompt), "{{framework}}", name))
		b.WriteByte('\n')
	}
	if len(m.Phases) > 0 {
		b.WriteString("Work through: ")
		b.WriteString(strings.Join(m.Phases, " -> "))
		b.WriteByte('\n')
	}
	return b.String()
}
