package secrets

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	// ErrInvalidRegex indicates a pattern failed to compile.
	ErrInvalidRegex = errors.New("invalid regex pattern")

	// ErrInvalidTOML indicates an allowlist file could not be parsed.
	ErrInvalidTOML = errors.New("invalid TOML format")
)

// Allowlist exempts matches from redaction. Regexes are matched against
// the detected secret; StopWords exempt any secret containing them.
type Allowlist struct {
	Regexes   []string `koanf:"regexes" toml:"regexes"`
	StopWords []string `koanf:"stopwords" toml:"stopwords"`
}

// LoadAllowlist reads an allowlist file in the gitleaks layout:
//
//	[allowlist]
//	regexes = ['''EXAMPLE[A-Z0-9]+''']
//	stopwords = ["dummy"]
//
// A missing file yields an empty allowlist.
func LoadAllowlist(path string) (Allowlist, error) {
	var doc struct {
		Allowlist Allowlist `toml:"allowlist"`
	}
	if path == "" {
		return Allowlist{}, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return Allowlist{}, nil
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		return Allowlist{}, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	if _, err := doc.Allowlist.compile(); err != nil {
		return Allowlist{}, fmt.Errorf("%s: %w", path, err)
	}
	return doc.Allowlist, nil
}

// Merge returns the union of a and b.
func (a Allowlist) Merge(b Allowlist) Allowlist {
	return Allowlist{
		Regexes:   append(append([]string(nil), a.Regexes...), b.Regexes...),
		StopWords: append(append([]string(nil), a.StopWords...), b.StopWords...),
	}
}

func (a Allowlist) compile() ([]*regexp.Regexp, error) {
	out := make([]*regexp.Regexp, 0, len(a.Regexes))
	for _, p := range a.Regexes {
		re, err := regexp.Compile(p)
		if err != nil {
			return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRegex, p, err)
		}
		out = append(out, re)
	}
	return out, nil
}
