package chain

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/events"
)

func TestSweeper_RemovesOnlyStale(t *testing.T) {
	ctx := context.Background()
	m, rec, clk := newTestManager(t)

	old, err := m.Begin(ctx, NewRun{PromptID: "old", Steps: linear("A")})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)
	fresh, err := m.Begin(ctx, NewRun{PromptID: "fresh", Steps: linear("A")})
	require.NoError(t, err)

	sw := NewSweeper(m, time.Hour, 0)
	removed, err := sw.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Key{old.Key()}, removed)

	_, err = m.Load(ctx, old.ChainID)
	assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
	_, err = m.Load(ctx, fresh.ChainID)
	assert.NoError(t, err)
	assert.Contains(t, rec.types(), events.SessionSwept)
}

func TestSweeper_SkipsLockedChains(t *testing.T) {
	ctx := context.Background()
	m, _, clk := newTestManager(t)
	s, err := m.Begin(ctx, NewRun{PromptID: "busy", Steps: linear("A")})
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	unlock, err := m.Lock(ctx, s.ChainID)
	require.NoError(t, err)
	removed, err := NewSweeper(m, time.Hour, 0).Sweep(ctx)
	require.NoError(t, err)
	assert.Empty(t, removed)
	unlock()

	removed, err = NewSweeper(m, time.Hour, 0).Sweep(ctx)
	require.NoError(t, err)
	assert.Len(t, removed, 1)
}

func TestSweeper_RunStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t)

	m, _, _ := newTestManager(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- NewSweeper(m, time.Hour, 5*time.Millisecond).Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
