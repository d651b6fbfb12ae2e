package registry

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
)

const maxDefinitionSize = 1024 * 1024 // 1MB

// LoadDir reads a resource directory into a new snapshot. Every file is
// processed; the returned error joins all failures so one reload reports
// everything that needs fixing.
func LoadDir(dir string) (*Snapshot, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to open resource directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("resource path %s is not a directory", dir)
	}

	snap := newSnapshot(dir)
	var errs []error
	collect := func(path string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", relPath(dir, path), err))
		}
	}

	for _, path := range list(dir, "prompts", ".md", ".yaml", ".yml") {
		p, err := readPrompt(path)
		if err == nil {
			err = snap.addPrompt(p)
		}
		collect(path, err)
	}
	for _, path := range list(dir, "gates", ".yaml", ".yml", ".toml") {
		var g gates.Definition
		err := decodeFile(path, &g)
		if err == nil {
			if g.ID == "" {
				g.ID = stem(path)
			}
			err = snap.addGate(g)
		}
		collect(path, err)
	}
	for _, path := range list(dir, "methodologies", ".yaml", ".yml", ".toml") {
		var m framework.Methodology
		err := decodeFile(path, &m)
		if err == nil {
			if m.ID == "" {
				m.ID = stem(path)
			}
			err = snap.addMethodology(m)
		}
		collect(path, err)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return snap, nil
}

// list returns the files directly under dir/sub with one of exts, sorted.
// A missing subdirectory is empty.
func list(dir, sub string, exts ...string) []string {
	entries, err := os.ReadDir(filepath.Join(dir, sub))
	if err != nil {
		return nil
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		for _, want := range exts {
			if ext == want {
				out = append(out, filepath.Join(dir, sub, e.Name()))
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func stem(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func relPath(dir, path string) string {
	if rel, err := filepath.Rel(dir, path); err == nil {
		return rel
	}
	return path
}

func readFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, maxDefinitionSize+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxDefinitionSize {
		return nil, fmt.Errorf("definition larger than %d bytes", maxDefinitionSize)
	}
	return data, nil
}

// decodeFile decodes a YAML or TOML file into v, rejecting unknown keys.
func decodeFile(path string, v any) error {
	data, err := readFile(path)
	if err != nil {
		return err
	}
	if strings.ToLower(filepath.Ext(path)) == ".toml" {
		md, err := toml.Decode(string(data), v)
		if err != nil {
			return errors.Parse("toml", err.Error(), "check the TOML syntax")
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return errors.Validation(undecoded[0].String(), fmt.Sprintf("unknown key %q", undecoded[0].String()), "")
		}
		return nil
	}
	return decodeYAML(data, v)
}

func decodeYAML(data []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(v); err != nil && err != io.EOF {
		return errors.Parse("yaml", err.Error(), "check the YAML syntax and field names")
	}
	return nil
}

// readPrompt reads a prompt file. Markdown files carry YAML frontmatter
// between --- fences and use the body as the template:
//
//	---
//	id: code-review
//	category: development
//	arguments:
//	  - name: code
//	    required: true
//	---
//	Review this code: {{code}}
func readPrompt(path string) (Prompt, error) {
	data, err := readFile(path)
	if err != nil {
		return Prompt{}, err
	}
	var p Prompt
	if strings.ToLower(filepath.Ext(path)) == ".md" {
		front, body, err := splitFrontmatter(data)
		if err != nil {
			return Prompt{}, err
		}
		if err := decodeYAML(front, &p); err != nil {
			return Prompt{}, err
		}
		if strings.TrimSpace(body) != "" {
			if p.Template != "" {
				return Prompt{}, errors.Validation("template", "template set in both frontmatter and body", "keep the template in the body only")
			}
			p.Template = body
		}
	} else if err := decodeYAML(data, &p); err != nil {
		return Prompt{}, err
	}
	if p.ID == "" {
		p.ID = stem(path)
	}
	p.Source = path
	return p, nil
}

func splitFrontmatter(data []byte) (front []byte, body string, err error) {
	text := strings.ReplaceAll(string(data), "\r\n", "\n")
	if !strings.HasPrefix(text, "---\n") {
		// plain markdown: the whole file is the template
		return nil, text, nil
	}
	rest := text[len("---\n"):]
	end := strings.Index(rest, "\n---")
	if end < 0 {
		return nil, "", errors.Parse("frontmatter", "frontmatter is not closed", "end the frontmatter with a line containing only ---")
	}
	front = []byte(rest[:end+1])
	body = rest[end+len("\n---"):]
	body = strings.TrimPrefix(body, "\n")
	return front, strings.TrimRight(body, "\n") + "\n", nil
}
