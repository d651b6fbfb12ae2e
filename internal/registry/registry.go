// Package registry loads prompt, gate and methodology definitions from a
// resource directory and serves them from an immutable snapshot.
//
// Directory structure:
//
//	resources/
//	├── prompts/         ← *.md (YAML frontmatter + template body) or *.yaml
//	├── gates/           ← *.yaml | *.toml, one definition per file
//	└── methodologies/   ← *.yaml | *.toml, one methodology per file
//
// A reload builds a complete new snapshot and swaps it in atomically. When
// a reload fails the previous snapshot stays in service.
package registry

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/chain"
	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/events"
	"github.com/fyrsmithlabs/promptd/internal/framework"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/logging"
)

// Errors for registry operations.
var (
	ErrPromptNotFound      = errors.New("prompt not found")
	ErrMethodologyNotFound = errors.New("methodology not found")
	ErrInvalidName         = errors.New("invalid name: must be alphanumeric with hyphens/underscores")
	ErrPathTraversal       = errors.New("path traversal detected")
	ErrDuplicateID         = errors.New("duplicate definition id")
)

// namePattern validates prompt ids.
var namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateName checks that a definition id is safe to use as a file stem
// and as a command token.
func ValidateName(name string) error {
	if name == "" {
		return ErrInvalidName
	}
	if len(name) > 128 {
		return errors.Wrap(ErrInvalidName, "name too long (max 128)")
	}
	if name == "." || name == ".." {
		return ErrPathTraversal
	}
	for _, c := range name {
		if c == '/' || c == '\\' || c == '\x00' {
			return ErrPathTraversal
		}
	}
	if !namePattern.MatchString(name) {
		return ErrInvalidName
	}
	if filepath.Clean(name) != name {
		return ErrPathTraversal
	}
	return nil
}

// Argument is a declared prompt argument.
type Argument struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Required    bool   `json:"required,omitempty" yaml:"required,omitempty"`
	Default     string `json:"default,omitempty" yaml:"default,omitempty"`
}

// Prompt is a prompt or chain definition.
type Prompt struct {
	ID            string                 `json:"id" yaml:"id"`
	Name          string                 `json:"name,omitempty" yaml:"name,omitempty"`
	Category      string                 `json:"category,omitempty" yaml:"category,omitempty"`
	Description   string                 `json:"description,omitempty" yaml:"description,omitempty"`
	SystemMessage string                 `json:"system_message,omitempty" yaml:"system_message,omitempty"`
	Template      string                 `json:"template,omitempty" yaml:"template,omitempty"`
	Arguments     []Argument             `json:"arguments,omitempty" yaml:"arguments,omitempty"`
	Gates         []string               `json:"gates,omitempty" yaml:"gates,omitempty"`
	ChainSteps    []chain.StepDefinition `json:"chain_steps,omitempty" yaml:"chain_steps,omitempty"`

	// Source is the file the prompt was loaded from.
	Source string `json:"source,omitempty" yaml:"-"`
}

// IsChain reports whether the prompt declares a chain workflow.
func (p Prompt) IsChain() bool { return len(p.ChainSteps) > 0 }

// Validate checks the prompt. Chain steps are validated but not planned;
// cycles surface when a chain is started or by `promptd validate`.
func (p Prompt) Validate() error {
	if err := ValidateName(p.ID); err != nil {
		return errors.Validation("id", fmt.Sprintf("prompt id %q: %v", p.ID, err), `id: code-review`)
	}
	if !p.IsChain() && strings.TrimSpace(p.Template) == "" {
		return errors.Validation("template", fmt.Sprintf("prompt %s has neither a template nor chain_steps", p.ID), "add a template body below the frontmatter")
	}
	seen := make(map[string]bool, len(p.Arguments))
	for i, a := range p.Arguments {
		if a.Name == "" {
			return errors.Validation(fmt.Sprintf("arguments[%d].name", i), "argument name is required", `- name: topic`)
		}
		if seen[a.Name] {
			return errors.Validation(fmt.Sprintf("arguments[%d].name", i), fmt.Sprintf("duplicate argument %q", a.Name), "")
		}
		seen[a.Name] = true
	}
	if p.IsChain() {
		return chain.ValidateSteps(p.ChainSteps)
	}
	return nil
}

// Snapshot is an immutable view of every loaded definition.
type Snapshot struct {
	Dir           string
	LoadedAt      time.Time
	prompts       map[string]Prompt
	gates         map[string]gates.Definition
	methodologies map[string]framework.Methodology
}

func newSnapshot(dir string) *Snapshot {
	return &Snapshot{
		Dir:           dir,
		LoadedAt:      time.Now().UTC(),
		prompts:       make(map[string]Prompt),
		gates:         make(map[string]gates.Definition),
		methodologies: make(map[string]framework.Methodology),
	}
}

// NewSnapshot builds a snapshot from in-memory definitions after
// validating them. It is how embedders and tests supply definitions
// without a resource directory.
func NewSnapshot(prompts []Prompt, gateDefs []gates.Definition, methodologies []framework.Methodology) (*Snapshot, error) {
	s := newSnapshot("")
	for _, p := range prompts {
		if err := s.addPrompt(p); err != nil {
			return nil, err
		}
	}
	for _, g := range gateDefs {
		if err := s.addGate(g); err != nil {
			return nil, err
		}
	}
	for _, m := range methodologies {
		if err := s.addMethodology(m); err != nil {
			return nil, err
		}
	}
	return s, nil
}

func (s *Snapshot) addPrompt(p Prompt) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if prev, ok := s.prompts[p.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "prompt %q in %s and %s", p.ID, prev.Source, p.Source)
	}
	if p.Name == "" {
		p.Name = p.ID
	}
	s.prompts[p.ID] = p
	return nil
}

func (s *Snapshot) addGate(g gates.Definition) error {
	g = g.WithDefaults()
	if err := g.Validate("gate"); err != nil {
		return err
	}
	if _, ok := s.gates[g.ID]; ok {
		return errors.Wrapf(ErrDuplicateID, "gate %q", g.ID)
	}
	s.gates[g.ID] = g
	return nil
}

func (s *Snapshot) addMethodology(m framework.Methodology) error {
	if err := m.Validate("methodology"); err != nil {
		return err
	}
	key := strings.ToLower(m.ID)
	if _, ok := s.methodologies[key]; ok {
		return errors.Wrapf(ErrDuplicateID, "methodology %q", m.ID)
	}
	if m.Name == "" {
		m.Name = m.ID
	}
	s.methodologies[key] = m
	return nil
}

// Prompt returns the prompt by id.
func (s *Snapshot) Prompt(id string) (Prompt, bool) {
	p, ok := s.prompts[id]
	return p, ok
}

// Prompts returns every prompt sorted by id.
func (s *Snapshot) Prompts() []Prompt {
	out := make([]Prompt, 0, len(s.prompts))
	for _, p := range s.prompts {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Gate implements gates.Catalog.
func (s *Snapshot) Gate(id string) (gates.Definition, bool) {
	g, ok := s.gates[id]
	return g, ok
}

// GatesByKind implements gates.Catalog. The result is sorted by id.
func (s *Snapshot) GatesByKind(kind gates.Kind) []gates.Definition {
	var out []gates.Definition
	for _, g := range s.gates {
		if g.Kind == kind {
			out = append(out, g)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Methodology returns the methodology by id, case-insensitively.
func (s *Snapshot) Methodology(id string) (framework.Methodology, bool) {
	m, ok := s.methodologies[strings.ToLower(id)]
	return m, ok
}

// Methodologies returns every methodology sorted by id.
func (s *Snapshot) Methodologies() []framework.Methodology {
	out := make([]framework.Methodology, 0, len(s.methodologies))
	for _, m := range s.methodologies {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// LookupFramework implements framework.Lookup: it returns the canonical id
// of an enabled methodology.
func (s *Snapshot) LookupFramework(id string) (string, bool) {
	m, ok := s.Methodology(id)
	if !ok || !m.IsEnabled() {
		return "", false
	}
	return m.ID, true
}

// Counts returns the number of prompts, gates and methodologies.
func (s *Snapshot) Counts() (prompts, gateDefs, methodologies int) {
	return len(s.prompts), len(s.gates), len(s.methodologies)
}

// Registry serves the current snapshot and reloads it from disk.
type Registry struct {
	mu        sync.RWMutex
	dir       string
	current   *Snapshot
	logger    *logging.Logger
	publisher events.Publisher
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithPublisher sets the publisher notified after each reload.
func WithPublisher(p events.Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// New loads dir and returns a registry serving it.
func New(ctx context.Context, dir string, opts ...Option) (*Registry, error) {
	r := &Registry{dir: dir, logger: logging.NewNop(), publisher: events.Nop{}}
	for _, opt := range opts {
		opt(r)
	}
	snap, err := LoadDir(dir)
	if err != nil {
		return nil, err
	}
	r.swap(ctx, snap)
	return r, nil
}

// NewStatic serves a fixed snapshot. Reload is a no-op.
func NewStatic(snap *Snapshot) *Registry {
	return &Registry{current: snap, logger: logging.NewNop(), publisher: events.Nop{}}
}

// Dir returns the resource directory, empty for a static registry.
func (r *Registry) Dir() string { return r.dir }

// Snapshot returns the snapshot in service.
func (r *Registry) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// Reload rebuilds the snapshot from disk. On failure the previous
// snapshot stays in service and the error is returned.
func (r *Registry) Reload(ctx context.Context) error {
	if r.dir == "" {
		return nil
	}
	snap, err := LoadDir(r.dir)
	if err != nil {
		ReloadsTotal.WithLabelValues("error").Inc()
		r.logger.Warn(ctx, "registry reload failed, keeping previous definitions",
			zap.String("dir", r.dir), zap.Error(err))
		return err
	}
	ReloadsTotal.WithLabelValues("success").Inc()
	r.swap(ctx, snap)
	return nil
}

func (r *Registry) swap(ctx context.Context, snap *Snapshot) {
	r.mu.Lock()
	r.current = snap
	r.mu.Unlock()

	p, g, m := snap.Counts()
	r.logger.Info(ctx, "registry loaded",
		zap.String("dir", snap.Dir), zap.Int("prompts", p), zap.Int("gates", g), zap.Int("methodologies", m))
	ev := events.Event{Type: events.RegistryReloaded, Data: map[string]any{"prompts": p, "gates": g, "methodologies": m}}
	if err := r.publisher.Publish(ctx, ev); err != nil {
		r.logger.Warn(ctx, "registry event handler failed", zap.Error(err))
	}
}

// Prompt returns a prompt from the current snapshot.
func (r *Registry) Prompt(id string) (Prompt, error) {
	p, ok := r.Snapshot().Prompt(id)
	if !ok {
		return Prompt{}, errors.NotFound("command", "prompt", id, "list prompts with system_control status, or check the prompt id spelling")
	}
	return p, nil
}

// Gate implements gates.Catalog over the current snapshot.
func (r *Registry) Gate(id string) (gates.Definition, bool) { return r.Snapshot().Gate(id) }

// GatesByKind implements gates.Catalog over the current snapshot.
func (r *Registry) GatesByKind(kind gates.Kind) []gates.Definition {
	return r.Snapshot().GatesByKind(kind)
}

// Methodology returns a methodology from the current snapshot.
func (r *Registry) Methodology(id string) (framework.Methodology, bool) {
	return r.Snapshot().Methodology(id)
}

// Methodologies lists the current snapshot's methodologies.
func (r *Registry) Methodologies() []framework.Methodology { return r.Snapshot().Methodologies() }

// LookupFramework implements framework.Lookup over the current snapshot.
func (r *Registry) LookupFramework(id string) (string, bool) {
	return r.Snapshot().LookupFramework(id)
}

var (
	_ gates.Catalog    = (*Registry)(nil)
	_ gates.Catalog    = (*Snapshot)(nil)
	_ framework.Lookup = (*Registry)(nil).LookupFramework
)
