package framework

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/events"
	"github.com/fyrsmithlabs/promptd/internal/fsutil"
	"github.com/fyrsmithlabs/promptd/internal/logging"
)

// Phase is the state manager lifecycle position.
type Phase string

const (
	PhaseInit      Phase = "init"
	PhaseLoaded    Phase = "loaded"
	PhaseMutated   Phase = "mutated"
	PhasePersisted Phase = "persisted"
)

// State is the persisted methodology state.
type State struct {
	ActiveFramework        string    `json:"active_framework"`
	FrameworkSystemEnabled bool      `json:"framework_system_enabled"`
	GateSystemEnabled      bool      `json:"gate_system_enabled"`
	SwitchReason           string    `json:"switch_reason,omitempty"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Snapshot is State plus the non-persisted admin override and lifecycle
// phase.
type Snapshot struct {
	State
	AdminOverride string `json:"admin_override,omitempty"`
	Phase         Phase  `json:"phase"`
}

// StateManager owns the process-wide methodology flags. Every mutation is
// persisted with an atomic replace and then published to subscribers in
// registration order.
type StateManager struct {
	mu       sync.RWMutex
	path     string
	state    State
	override string
	phase    Phase
	lookup   Lookup
	bus      events.Publisher
	logger   *logging.Logger
	now      func() time.Time
}

// StateOption configures a StateManager.
type StateOption func(*StateManager)

// WithLookup validates framework names on switch.
func WithLookup(lookup Lookup) StateOption {
	return func(m *StateManager) { m.lookup = lookup }
}

// WithPublisher sets where change events go.
func WithPublisher(p events.Publisher) StateOption {
	return func(m *StateManager) { m.bus = p }
}

// WithLogger sets the logger.
func WithLogger(l *logging.Logger) StateOption {
	return func(m *StateManager) { m.logger = l }
}

// NewStateManager returns a manager in the init phase. defaults is used
// when no state file exists. An empty path keeps state in memory only.
func NewStateManager(path string, defaults State, opts ...StateOption) *StateManager {
	m := &StateManager{
		path:   path,
		state:  defaults,
		phase:  PhaseInit,
		bus:    events.Nop{},
		logger: logging.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Load reads the state file. A missing file keeps the defaults. A corrupt
// file is an error; it is never overwritten silently.
func (m *StateManager) Load(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.path != "" {
		data, err := os.ReadFile(m.path)
		switch {
		case err == nil:
			var st State
			if err := json.Unmarshal(data, &st); err != nil {
				return errors.Wrapf(err, "framework state file %s is corrupt", m.path)
			}
			m.state = st
		case os.IsNotExist(err):
			m.logger.Debug(ctx, "no framework state file, using defaults", zap.String("path", m.path))
		default:
			return fmt.Errorf("failed to read framework state: %w", err)
		}
	}
	m.phase = PhaseLoaded
	m.logger.Info(ctx, "framework state loaded",
		zap.String("active", m.state.ActiveFramework),
		zap.Bool("framework_enabled", m.state.FrameworkSystemEnabled),
		zap.Bool("gates_enabled", m.state.GateSystemEnabled),
	)
	return nil
}

// Snapshot returns the current state.
func (m *StateManager) Snapshot() Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Snapshot{State: m.state, AdminOverride: m.override, Phase: m.phase}
}

// Phase returns the lifecycle phase.
func (m *StateManager) Phase() Phase {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.phase
}

// Sources builds decision inputs from the current state and the
// request-level values.
func (m *StateManager) Sources(mod Modifier, operator string) Sources {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return Sources{
		Modifier:      mod,
		Operator:      operator,
		Admin:         m.override,
		Global:        m.state.ActiveFramework,
		SystemEnabled: m.state.FrameworkSystemEnabled,
		GatesEnabled:  m.state.GateSystemEnabled,
	}
}

// Switch makes id the active methodology.
func (m *StateManager) Switch(ctx context.Context, id, reason string) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return errors.Validation("id", "framework id is required", `{"action":"framework.switch","id":"CAGEERF"}`)
	}
	canonical, err := m.canonical(id)
	if err != nil {
		return err
	}
	return m.mutate(ctx, events.FrameworkChanged, func(st *State) {
		st.ActiveFramework = canonical
		st.SwitchReason = reason
	})
}

// SetFrameworkEnabled toggles the framework system.
func (m *StateManager) SetFrameworkEnabled(ctx context.Context, enabled bool) error {
	return m.mutate(ctx, events.FrameworkChanged, func(st *State) {
		st.FrameworkSystemEnabled = enabled
	})
}

// SetGatesEnabled toggles the gate system.
func (m *StateManager) SetGatesEnabled(ctx context.Context, enabled bool) error {
	return m.mutate(ctx, events.GatesToggled, func(st *State) {
		st.GateSystemEnabled = enabled
	})
}

// SetOverride sets the process-wide admin override. It is not persisted
// and is lost on restart.
func (m *StateManager) SetOverride(ctx context.Context, id string) error {
	canonical, err := m.canonical(strings.TrimSpace(id))
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.override = canonical
	m.mu.Unlock()
	return m.publish(ctx, events.FrameworkChanged, map[string]any{"admin_override": canonical})
}

// ClearOverride removes the admin override.
func (m *StateManager) ClearOverride(ctx context.Context) error {
	m.mu.Lock()
	m.override = ""
	m.mu.Unlock()
	return m.publish(ctx, events.FrameworkChanged, map[string]any{"admin_override": ""})
}

func (m *StateManager) canonical(id string) (string, error) {
	if id == "" || m.lookup == nil {
		return id, nil
	}
	canonical, ok := m.lookup(id)
	if !ok {
		return "", errors.NotFound("id", "framework", id, "use system_control framework.list to see available frameworks")
	}
	return canonical, nil
}

func (m *StateManager) mutate(ctx context.Context, typ events.Type, fn func(*State)) error {
	m.mu.Lock()
	if m.phase == PhaseInit {
		m.mu.Unlock()
		return errors.New("framework state used before Load")
	}
	prev := m.state
	fn(&m.state)
	m.state.UpdatedAt = m.now().UTC()
	m.phase = PhaseMutated

	if err := m.persistLocked(); err != nil {
		m.state = prev
		m.mu.Unlock()
		return err
	}
	st := m.state
	m.mu.Unlock()

	m.logger.Info(ctx, "framework state changed",
		zap.String("event", string(typ)),
		zap.String("active", st.ActiveFramework),
		zap.Bool("framework_enabled", st.FrameworkSystemEnabled),
		zap.Bool("gates_enabled", st.GateSystemEnabled),
	)
	return m.publish(ctx, typ, map[string]any{
		"active_framework":         st.ActiveFramework,
		"framework_system_enabled": st.FrameworkSystemEnabled,
		"gate_system_enabled":      st.GateSystemEnabled,
	})
}

func (m *StateManager) persistLocked() error {
	if m.path == "" {
		m.phase = PhasePersisted
		return nil
	}
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal framework state: %w", err)
	}
	if err := fsutil.WriteFileAtomic(m.path, data, 0o600); err != nil {
		return fmt.Errorf("failed to persist framework state: %w", err)
	}
	m.phase = PhasePersisted
	return nil
}

func (m *StateManager) publish(ctx context.Context, typ events.Type, data map[string]any) error {
	if err := m.bus.Publish(ctx, events.Event{Type: typ, Data: data}); err != nil {
		m.logger.Warn(ctx, "framework event subscriber failed", zap.Error(err))
		return err
	}
	return nil
}
