package secrets

import (
	"fmt"
	"regexp"
)

// Config configures a Scrubber.
type Config struct {
	Enabled bool `koanf:"enabled"`

	// Gitleaks adds the gitleaks default rules to the built-in ones.
	Gitleaks bool `koanf:"gitleaks"`

	Rules []Rule `koanf:"rules"`

	// Redaction replaces each detected secret. The rule id is appended as
	// "[REDACTED:rule]" unless Redaction is set.
	Redaction string `koanf:"redaction"`

	Allowlist Allowlist `koanf:"allowlist"`
}

// Rule is one regexp detection rule.
type Rule struct {
	ID       string   `koanf:"id"`
	Pattern  string   `koanf:"pattern"`
	Keywords []string `koanf:"keywords"` // at least one must appear, case-insensitive
	Severity string   `koanf:"severity"`
}

type compiledRule struct {
	Rule
	re       *regexp.Regexp
	keywords []*regexp.Regexp
}

// DefaultConfig enables the built-in rules without gitleaks.
func DefaultConfig() Config {
	return Config{Enabled: true, Rules: DefaultRules()}
}

func (c Config) compile() ([]compiledRule, []*regexp.Regexp, error) {
	rules := make([]compiledRule, 0, len(c.Rules))
	for i, r := range c.Rules {
		if r.ID == "" {
			return nil, nil, fmt.Errorf("rule %d: id is required", i)
		}
		re, err := regexp.Compile(r.Pattern)
		if err != nil || r.Pattern == "" {
			return nil, nil, fmt.Errorf("rule %s: %w: %q", r.ID, ErrInvalidRegex, r.Pattern)
		}
		cr := compiledRule{Rule: r, re: re}
		for _, kw := range r.Keywords {
			cr.keywords = append(cr.keywords, regexp.MustCompile("(?i)"+regexp.QuoteMeta(kw)))
		}
		rules = append(rules, cr)
	}
	allow, err := c.Allowlist.compile()
	if err != nil {
		return nil, nil, err
	}
	return rules, allow, nil
}

// DefaultRules covers the credential shapes most likely to appear in
// build and test output.
func DefaultRules() []Rule {
	return []Rule{
		{ID: "aws-access-key-id", Pattern: `\b(?:AKIA|ASIA|AGPA|AIDA|AROA)[A-Z0-9]{16}\b`, Severity: "high"},
		{ID: "private-key", Pattern: `-----BEGIN (?:RSA |DSA |EC |OPENSSH |PGP )?PRIVATE KEY(?: BLOCK)?-----`, Severity: "high"},
		{ID: "github-token", Pattern: `\bgh[pousr]_[A-Za-z0-9]{36,}\b`, Severity: "high"},
		{ID: "github-fine-grained", Pattern: `\bgithub_pat_[A-Za-z0-9_]{60,}\b`, Severity: "high"},
		{ID: "gitlab-token", Pattern: `\bglpat-[A-Za-z0-9_-]{20,}\b`, Severity: "high"},
		{ID: "slack-token", Pattern: `\bxox[baprs]-[A-Za-z0-9-]{10,}\b`, Severity: "high"},
		{ID: "anthropic-api-key", Pattern: `\bsk-ant-[A-Za-z0-9_-]{20,}\b`, Severity: "high"},
		{ID: "openai-api-key", Pattern: `\bsk-(?:proj-)?[A-Za-z0-9_-]{20,}\b`, Severity: "high"},
		{ID: "jwt", Pattern: `\beyJ[A-Za-z0-9_-]{8,}\.eyJ[A-Za-z0-9_-]{8,}\.[A-Za-z0-9_-]{8,}\b`, Severity: "medium"},
		{ID: "database-url", Pattern: `\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqp)://[^:\s/]+:[^@\s]+@[^\s]+`, Severity: "high"},
		{ID: "bearer-token", Pattern: `(?i)\bbearer\s+[A-Za-z0-9._~+/-]{16,}=*`, Keywords: []string{"bearer"}, Severity: "medium"},
		{
			ID:       "assigned-secret",
			Pattern:  `(?i)\b(?:api[_-]?key|secret|token|password|passwd)\b\s*[:=]\s*['"]?[^\s'"]{8,}['"]?`,
			Keywords: []string{"key", "secret", "token", "pass"},
			Severity: "medium",
		},
	}
}
