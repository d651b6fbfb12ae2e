package framework

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/events"
)

func newManager(t *testing.T, opts ...StateOption) (*StateManager, string, *events.Bus) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "framework-state.json")
	bus := events.NewBus()
	opts = append([]StateOption{WithPublisher(bus), WithLookup(lookupOf("CAGEERF", "ReACT"))}, opts...)
	m := NewStateManager(path, State{FrameworkSystemEnabled: true, GateSystemEnabled: true}, opts...)
	return m, path, bus
}

func TestStateManager_Lifecycle(t *testing.T) {
	ctx := context.Background()
	m, path, _ := newManager(t)
	assert.Equal(t, PhaseInit, m.Phase())

	err := m.Switch(ctx, "ReACT", "")
	require.Error(t, err, "mutations before Load are rejected")

	require.NoError(t, m.Load(ctx))
	assert.Equal(t, PhaseLoaded, m.Phase())

	require.NoError(t, m.Switch(ctx, "react", "testing"))
	assert.Equal(t, PhasePersisted, m.Phase())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var st State
	require.NoError(t, json.Unmarshal(data, &st))
	assert.Equal(t, "ReACT", st.ActiveFramework)
	assert.Equal(t, "testing", st.SwitchReason)

	reloaded := NewStateManager(path, State{})
	require.NoError(t, reloaded.Load(ctx))
	snap := reloaded.Snapshot()
	assert.Equal(t, "ReACT", snap.ActiveFramework)
	assert.True(t, snap.GateSystemEnabled)
	assert.Equal(t, PhaseLoaded, snap.Phase)
}

func TestStateManager_UnknownFramework(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newManager(t)
	require.NoError(t, m.Load(ctx))

	err := m.Switch(ctx, "nope", "")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrNotFound))
	assert.Equal(t, "", m.Snapshot().ActiveFramework)

	err = m.Switch(ctx, " ", "")
	assert.True(t, errors.Is(err, errors.ErrValidation))
}

func TestStateManager_CorruptFileNotOverwritten(t *testing.T) {
	ctx := context.Background()
	m, path, _ := newManager(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o600))

	require.Error(t, m.Load(ctx))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "{not json", string(data))
}

func TestStateManager_SubscribersNotifiedInOrder(t *testing.T) {
	ctx := context.Background()
	m, _, bus := newManager(t)
	require.NoError(t, m.Load(ctx))

	var seen []string
	bus.Subscribe(events.GatesToggled, func(_ context.Context, ev events.Event) error {
		seen = append(seen, "first")
		assert.Equal(t, false, ev.Data["gate_system_enabled"])
		return nil
	})
	bus.Subscribe(events.GatesToggled, func(context.Context, events.Event) error {
		seen = append(seen, "second")
		return nil
	})

	require.NoError(t, m.SetGatesEnabled(ctx, false))
	assert.Equal(t, []string{"first", "second"}, seen)
	assert.False(t, m.Sources(ModifierNone, "").GatesEnabled)
}

func TestStateManager_OverrideNotPersisted(t *testing.T) {
	ctx := context.Background()
	m, path, bus := newManager(t)
	require.NoError(t, m.Load(ctx))

	ch, _, cancel := bus.Channel(events.FrameworkChanged, 4)
	defer cancel()

	require.NoError(t, m.SetOverride(ctx, "cageerf"))
	src := m.Sources(ModifierNone, "")
	assert.Equal(t, "CAGEERF", src.Admin)
	assert.Equal(t, "CAGEERF", (<-ch).Data["admin_override"])

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err), "override alone never writes the state file")

	require.NoError(t, m.ClearOverride(ctx))
	assert.Empty(t, m.Snapshot().AdminOverride)
}

func TestStateManager_InMemory(t *testing.T) {
	ctx := context.Background()
	m := NewStateManager("", State{GateSystemEnabled: true})
	require.NoError(t, m.Load(ctx))
	require.NoError(t, m.SetFrameworkEnabled(ctx, true))
	require.NoError(t, m.Switch(ctx, "Anything", ""))
	assert.Equal(t, PhasePersisted, m.Phase())

	d := Decide(m.Sources(ModifierNone, ""))
	assert.True(t, d.ShouldApply)
	assert.Equal(t, "Anything", d.FrameworkID)
}
