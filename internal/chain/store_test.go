package chain

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"file": func(t *testing.T) Store {
			return NewFileStore(filepath.Join(t.TempDir(), "chain-sessions.json"))
		},
		"sqlite": func(t *testing.T) Store {
			s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
			require.NoError(t, err)
			t.Cleanup(func() { s.Close() })
			return s
		},
	}
}

func sessionFor(t *testing.T, chainID string, run int, at time.Time) *Session {
	t.Helper()
	s, err := NewSession(chainID, run, linear("A", "B"), at)
	require.NoError(t, err)
	require.NoError(t, s.Start(at))
	return s
}

func TestStore_Contract(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)

			_, err := st.Get(ctx, Key{ChainID: "chain-a", Run: 1})
			assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
			_, err = st.Latest(ctx, "chain-a")
			assert.Equal(t, errors.KindNotFound, errors.KindOf(err))

			next, err := st.NextRun(ctx, "chain-a")
			require.NoError(t, err)
			assert.Equal(t, 1, next)

			first := sessionFor(t, "chain-a", 1, t0)
			require.NoError(t, first.Succeed(0, "alpha", t0.Add(time.Minute)))
			require.NoError(t, st.Put(ctx, first))

			got, err := st.Get(ctx, first.Key())
			require.NoError(t, err)
			if diff := cmp.Diff(first, got); diff != "" {
				t.Errorf("persisted session mismatch (-want +got):\n%s", diff)
			}

			second := sessionFor(t, "chain-a", 2, t0.Add(time.Hour))
			require.NoError(t, st.Put(ctx, second))
			next, err = st.NextRun(ctx, "chain-a")
			require.NoError(t, err)
			assert.Equal(t, 3, next)

			latest, err := st.Latest(ctx, "chain-a")
			require.NoError(t, err)
			assert.Equal(t, 2, latest.RunNumber)

			// update in place
			require.NoError(t, second.Succeed(0, "beta", t0.Add(2*time.Hour)))
			require.NoError(t, st.Put(ctx, second))
			got, err = st.Get(ctx, second.Key())
			require.NoError(t, err)
			assert.Equal(t, 1, got.CurrentIndex)

			other := sessionFor(t, "chain-b", 1, t0.Add(3*time.Hour))
			require.NoError(t, st.Put(ctx, other))

			list, err := st.List(ctx)
			require.NoError(t, err)
			require.Len(t, list, 3)
			assert.Equal(t, "chain-a", list[0].ChainID)
			assert.Equal(t, 1, list[0].Run)
			assert.Equal(t, "B", list[0].CurrentStep)
			assert.Equal(t, "chain-b", list[2].ChainID)

			stale, err := st.Stale(ctx, t0.Add(90*time.Minute))
			require.NoError(t, err)
			assert.Equal(t, []Key{{ChainID: "chain-a", Run: 1}}, stale)

			require.NoError(t, st.Delete(ctx, first.Key()))
			require.NoError(t, st.Delete(ctx, first.Key()), "deleting twice is not an error")
			_, err = st.Get(ctx, first.Key())
			assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
			_, err = st.Get(ctx, second.Key())
			assert.NoError(t, err, "other runs survive")
		})
	}
}

func TestStore_RunNumbersNeverReused(t *testing.T) {
	ctx := context.Background()
	for name, open := range backends(t) {
		t.Run(name, func(t *testing.T) {
			st := open(t)
			require.NoError(t, st.Put(ctx, sessionFor(t, "chain-a", 1, t0)))
			require.NoError(t, st.Put(ctx, sessionFor(t, "chain-a", 2, t0)))

			require.NoError(t, st.Delete(ctx, Key{ChainID: "chain-a", Run: 2}))
			next, err := st.NextRun(ctx, "chain-a")
			require.NoError(t, err)
			assert.Equal(t, 3, next)

			require.NoError(t, st.Delete(ctx, Key{ChainID: "chain-a", Run: 1}))
			next, err = st.NextRun(ctx, "chain-a")
			require.NoError(t, err)
			assert.Equal(t, 3, next, "deleting every run keeps the high-water mark")

			_, err = st.Latest(ctx, "chain-a")
			assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
			_, err = st.Get(ctx, Key{ChainID: "chain-a", Run: 2})
			assert.Equal(t, errors.KindNotFound, errors.KindOf(err))
			list, err := st.List(ctx)
			require.NoError(t, err)
			assert.Empty(t, list)
			stale, err := st.Stale(ctx, t0.Add(time.Hour))
			require.NoError(t, err)
			assert.Empty(t, stale)

			require.NoError(t, st.Put(ctx, sessionFor(t, "chain-a", next, t0)))
			latest, err := st.Latest(ctx, "chain-a")
			require.NoError(t, err)
			assert.Equal(t, 3, latest.RunNumber)
			next, err = st.NextRun(ctx, "chain-a")
			require.NoError(t, err)
			assert.Equal(t, 4, next)
		})
	}
}

func TestFileStore_TombstoneLayout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain-sessions.json")
	st := NewFileStore(path)
	require.NoError(t, st.Put(ctx, sessionFor(t, "chain-a", 1, t0)))
	require.NoError(t, st.Delete(ctx, Key{ChainID: "chain-a", Run: 1}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"chain-a": [`)
	assert.Contains(t, string(data), `"deleted": true`)
	assert.NotContains(t, string(data), `"stepGraph"`)

	// a newer run supersedes the tombstone
	require.NoError(t, st.Put(ctx, sessionFor(t, "chain-a", 2, t0)))
	data, err = os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), `"deleted"`)
}

func TestFileStore_Layout(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain-sessions.json")
	st := NewFileStore(path)
	require.NoError(t, st.Put(ctx, sessionFor(t, "chain-a", 1, t0)))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	for _, key := range []string{`"chain-a": [`, `"run_number": 1`, `"stepGraph"`, `"currentIndex"`, `"stepResults"`, `"pendingGateReview"`, `"retryCounters"`, `"createdAt"`, `"lastActivity"`} {
		assert.Contains(t, string(data), key)
	}

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestFileStore_CorruptRunIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain-sessions.json")
	st := NewFileStore(path)
	good := sessionFor(t, "chain-good", 1, t0)
	require.NoError(t, st.Put(ctx, good))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	broken := strings.Replace(string(data), "{\n", `{
  "chain-bad": [{"run_number": 1, "state": "DANCING", "lastActivity": "2026-03-01T12:00:00Z"}],`+"\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(broken), 0o600))

	_, err = st.Get(ctx, Key{ChainID: "chain-bad", Run: 1})
	require.Error(t, err)
	assert.Equal(t, errors.KindSessionCorrupt, errors.KindOf(err))
	assert.Contains(t, errors.NextAction(err), "force_restart")

	got, err := st.Get(ctx, good.Key())
	require.NoError(t, err)
	assert.Equal(t, good.ChainID, got.ChainID)

	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Corrupt)
	assert.False(t, list[1].Corrupt)

	// force_restart path: a new run lands next to the corrupt one, which
	// is preserved for inspection
	next, err := st.NextRun(ctx, "chain-bad")
	require.NoError(t, err)
	assert.Equal(t, 2, next)
	require.NoError(t, st.Put(ctx, sessionFor(t, "chain-bad", next, t0)))
	_, err = st.Get(ctx, Key{ChainID: "chain-bad", Run: 1})
	assert.Equal(t, errors.KindSessionCorrupt, errors.KindOf(err))
}

func TestFileStore_CorruptFileBlocksWrites(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain-sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"chain-a": [`), 0o600))
	st := NewFileStore(path)

	err := st.Put(ctx, sessionFor(t, "chain-a", 1, t0))
	require.Error(t, err)
	assert.Equal(t, errors.KindSessionCorrupt, errors.KindOf(err))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, `{"chain-a": [`, string(data), "corrupt file must never be rewritten")
}

func TestFileStore_UnaddressableRun(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "chain-sessions.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"chain-a": ["garbage"]}`), 0o600))
	st := NewFileStore(path)

	_, err := st.Latest(ctx, "chain-a")
	assert.Equal(t, errors.KindSessionCorrupt, errors.KindOf(err))

	next, err := st.NextRun(ctx, "chain-a")
	require.NoError(t, err)
	assert.Equal(t, 2, next)

	require.NoError(t, st.Put(ctx, sessionFor(t, "chain-a", 2, t0)))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"garbage"`)
}

func TestSQLiteStore_CorruptRow(t *testing.T) {
	ctx := context.Background()
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"))
	require.NoError(t, err)
	defer st.Close()

	_, err = st.db.Exec(`INSERT INTO chain_sessions (chain_id, run_number, state, last_activity, data) VALUES ('chain-x', 1, 'STEP_ACTIVE', 0, '{not json')`)
	require.NoError(t, err)

	_, err = st.Latest(ctx, "chain-x")
	assert.Equal(t, errors.KindSessionCorrupt, errors.KindOf(err))
	list, err := st.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Corrupt)
}

func TestParseRef(t *testing.T) {
	tests := []struct {
		in      string
		id      string
		run     int
		wantErr bool
	}{
		{"chain-review-0a1b2c3d", "chain-review-0a1b2c3d", 0, false},
		{" chain-review-0a1b2c3d#2 ", "chain-review-0a1b2c3d", 2, false},
		{"chain-x#0", "", 0, true},
		{"chain-x#latest", "", 0, true},
		{"chain x", "", 0, true},
		{"../etc", "", 0, true},
		{"", "", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			id, run, err := ParseRef(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				assert.Equal(t, errors.KindValidation, errors.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.id, id)
			assert.Equal(t, tt.run, run)
		})
	}
}

func TestNewChainID(t *testing.T) {
	id := NewChainID("Code Review!")
	assert.True(t, strings.HasPrefix(id, "chain-code-review-"), id)
	assert.Len(t, strings.TrimPrefix(id, "chain-code-review-"), 8)
	assert.True(t, IsChainID(id))
	assert.True(t, IsChainID(id+"#3"))
	assert.NotEqual(t, id, NewChainID("Code Review!"))

	assert.True(t, strings.HasPrefix(NewChainID("!!!"), "chain-adhoc-"))
	assert.False(t, IsChainID("research"))
}

func TestOpenStore(t *testing.T) {
	st, err := OpenStore("file", filepath.Join(t.TempDir(), "s.json"))
	require.NoError(t, err)
	assert.IsType(t, &FileStore{}, st)

	_, err = OpenStore("redis", "")
	assert.Equal(t, errors.KindValidation, errors.KindOf(err))
}
