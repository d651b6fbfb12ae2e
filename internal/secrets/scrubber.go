package secrets

import (
	"regexp"
	"sort"
	"strings"
	"sync"

	gitleaksConfig "github.com/zricethezav/gitleaks/v8/config"
	"github.com/zricethezav/gitleaks/v8/detect"
	gitleaksRegexp "github.com/zricethezav/gitleaks/v8/regexp"

	"github.com/fyrsmithlabs/promptd/internal/config"
)

// Finding is one detected secret.
type Finding struct {
	RuleID   string
	Severity string
	Start    int // byte offset, inclusive
	End      int // byte offset, exclusive
}

// Result is the outcome of a Scrub.
type Result struct {
	Scrubbed string
	Findings []Finding
}

// Redacted reports whether anything was replaced.
func (r Result) Redacted() bool { return len(r.Findings) > 0 }

// RuleIDs returns the distinct rule ids that fired, sorted.
func (r Result) RuleIDs() []string {
	seen := make(map[string]bool, len(r.Findings))
	ids := make([]string, 0, len(r.Findings))
	for _, f := range r.Findings {
		if !seen[f.RuleID] {
			seen[f.RuleID] = true
			ids = append(ids, f.RuleID)
		}
	}
	sort.Strings(ids)
	return ids
}

// Scrubber redacts secrets from text. It is safe for concurrent use.
type Scrubber struct {
	enabled   bool
	rules     []compiledRule
	allow     []*regexp.Regexp
	stopWords []string
	redaction string

	gitleaks     bool
	allowlist    Allowlist
	detectorOnce sync.Once
	detector     *detect.Detector
	detectorErr  error
	detectorMu   sync.Mutex // detect.Detector is not safe for concurrent scans
}

// New compiles cfg into a Scrubber.
func New(cfg Config) (*Scrubber, error) {
	rules, allow, err := cfg.compile()
	if err != nil {
		return nil, err
	}
	stop := make([]string, 0, len(cfg.Allowlist.StopWords))
	for _, w := range cfg.Allowlist.StopWords {
		stop = append(stop, strings.ToLower(w))
	}
	return &Scrubber{
		enabled:   cfg.Enabled,
		rules:     rules,
		allow:     allow,
		stopWords: stop,
		redaction: cfg.Redaction,
		gitleaks:  cfg.Gitleaks,
		allowlist: cfg.Allowlist,
	}, nil
}

// FromAppConfig builds a Scrubber from the application secrets section.
func FromAppConfig(c config.SecretsConfig) (*Scrubber, error) {
	cfg := DefaultConfig()
	cfg.Enabled = c.Enabled
	cfg.Gitleaks = c.Gitleaks
	if c.AllowlistPath != "" {
		al, err := LoadAllowlist(c.AllowlistPath)
		if err != nil {
			return nil, err
		}
		cfg.Allowlist = cfg.Allowlist.Merge(al)
	}
	return New(cfg)
}

// Disabled returns a Scrubber that passes text through unchanged.
func Disabled() *Scrubber { return &Scrubber{} }

// Enabled reports whether Scrub redacts anything.
func (s *Scrubber) Enabled() bool { return s != nil && s.enabled }

// Scrub returns content with every detected secret replaced.
func (s *Scrubber) Scrub(content string) Result {
	if !s.Enabled() || content == "" {
		return Result{Scrubbed: content}
	}

	var found []Finding
	for _, r := range s.rules {
		if len(r.keywords) > 0 && !anyMatch(r.keywords, content) {
			continue
		}
		for _, loc := range r.re.FindAllStringIndex(content, -1) {
			if s.allowed(content[loc[0]:loc[1]]) {
				continue
			}
			found = append(found, Finding{RuleID: r.ID, Severity: r.Severity, Start: loc[0], End: loc[1]})
		}
	}
	found = append(found, s.detectGitleaks(content)...)
	if len(found) == 0 {
		return Result{Scrubbed: content}
	}

	merged := merge(found)
	var b strings.Builder
	b.Grow(len(content))
	last := 0
	for _, f := range merged {
		b.WriteString(content[last:f.Start])
		b.WriteString(s.marker(f.RuleID))
		last = f.End
	}
	b.WriteString(content[last:])
	return Result{Scrubbed: b.String(), Findings: merged}
}

// String is Scrub returning only the scrubbed text.
func (s *Scrubber) String(content string) string {
	return s.Scrub(content).Scrubbed
}

func (s *Scrubber) marker(ruleID string) string {
	if s.redaction != "" {
		return s.redaction
	}
	return "[REDACTED:" + ruleID + "]"
}

func (s *Scrubber) allowed(secret string) bool {
	for _, re := range s.allow {
		if re.MatchString(secret) {
			return true
		}
	}
	lower := strings.ToLower(secret)
	for _, w := range s.stopWords {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}

// detectGitleaks maps gitleaks findings back to byte offsets by locating
// each reported secret in content. Gitleaks columns are line-relative and
// not reliable across multi-line matches.
func (s *Scrubber) detectGitleaks(content string) []Finding {
	if !s.gitleaks {
		return nil
	}
	d, err := s.loadDetector()
	if err != nil {
		return nil
	}

	s.detectorMu.Lock()
	reported := d.DetectString(content)
	s.detectorMu.Unlock()

	var out []Finding
	for _, f := range reported {
		if f.Secret == "" || s.allowed(f.Secret) {
			continue
		}
		from := 0
		for {
			i := strings.Index(content[from:], f.Secret)
			if i < 0 {
				break
			}
			start := from + i
			out = append(out, Finding{RuleID: f.RuleID, Severity: "high", Start: start, End: start + len(f.Secret)})
			from = start + len(f.Secret)
		}
	}
	return out
}

func (s *Scrubber) loadDetector() (*detect.Detector, error) {
	s.detectorOnce.Do(func() {
		d, err := detect.NewDetectorDefaultConfig()
		if err != nil {
			s.detectorErr = err
			return
		}
		if len(s.allowlist.Regexes) > 0 || len(s.allowlist.StopWords) > 0 {
			extra := &gitleaksConfig.Allowlist{Description: "promptd allowlist"}
			for _, re := range s.allow {
				extra.Regexes = append(extra.Regexes, (*gitleaksRegexp.Regexp)(re))
			}
			extra.StopWords = append(extra.StopWords, s.allowlist.StopWords...)
			d.Config.Allowlists = append(d.Config.Allowlists, extra)
		}
		s.detector = d
	})
	return s.detector, s.detectorErr
}

// merge sorts findings and collapses overlapping spans, keeping the rule of
// the earliest-starting span.
func merge(found []Finding) []Finding {
	sort.Slice(found, func(i, j int) bool {
		if found[i].Start != found[j].Start {
			return found[i].Start < found[j].Start
		}
		return found[i].End > found[j].End
	})
	out := []Finding{found[0]}
	for _, f := range found[1:] {
		last := &out[len(out)-1]
		if f.Start < last.End {
			if f.End > last.End {
				last.End = f.End
			}
			continue
		}
		out = append(out, f)
	}
	return out
}

func anyMatch(res []*regexp.Regexp, s string) bool {
	for _, re := range res {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
