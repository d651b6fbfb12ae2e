package chain

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/errors"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS chain_sessions (
	chain_id      TEXT    NOT NULL,
	run_number    INTEGER NOT NULL,
	state         TEXT    NOT NULL,
	last_activity INTEGER NOT NULL,
	data          TEXT    NOT NULL,
	PRIMARY KEY (chain_id, run_number)
);
CREATE INDEX IF NOT EXISTS idx_chain_sessions_activity ON chain_sessions(last_activity);
CREATE TABLE IF NOT EXISTS chain_runs (
	chain_id TEXT    NOT NULL PRIMARY KEY,
	last_run INTEGER NOT NULL
);
`

// SQLiteStore keeps one row per run. Rows are decoded independently, so a
// corrupt row only affects the key that addresses it. chain_runs records
// the highest run ever written per chain and outlives deleted rows.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens or creates the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create directory: %w", err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// one writer; sqlite serializes anyway and this avoids SQLITE_BUSY
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{"PRAGMA journal_mode=WAL", "PRAGMA busy_timeout=5000", sqliteSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to initialize session database: %w", err)
		}
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, key Key) (*Session, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM chain_sessions WHERE chain_id = ? AND run_number = ?`,
		key.ChainID, key.Run).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, notFound(key)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session %s: %w", key, err)
	}
	return decodeRun(key, json.RawMessage(data))
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, chainID string) (*Session, error) {
	var run int
	err := s.db.QueryRowContext(ctx,
		`SELECT run_number FROM chain_sessions WHERE chain_id = ? ORDER BY run_number DESC LIMIT 1`,
		chainID).Scan(&run)
	if err == sql.ErrNoRows {
		return nil, notFound(Key{ChainID: chainID})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest run of %s: %w", chainID, err)
	}
	return s.Get(ctx, Key{ChainID: chainID, Run: run})
}

// NextRun implements Store.
func (s *SQLiteStore) NextRun(ctx context.Context, chainID string) (int, error) {
	var maxRun sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(r) FROM (
			SELECT MAX(run_number) AS r FROM chain_sessions WHERE chain_id = ?
			UNION ALL
			SELECT last_run FROM chain_runs WHERE chain_id = ?
		)`, chainID, chainID).Scan(&maxRun); err != nil {
		return 0, fmt.Errorf("failed to find latest run of %s: %w", chainID, err)
	}
	return int(maxRun.Int64) + 1, nil
}

// Put implements Store.
func (s *SQLiteStore) Put(ctx context.Context, sess *Session) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", sess.Key(), err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chain_sessions (chain_id, run_number, state, last_activity, data)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(chain_id, run_number) DO UPDATE SET
			state = excluded.state,
			last_activity = excluded.last_activity,
			data = excluded.data`,
		sess.ChainID, sess.RunNumber, string(sess.State), sess.LastActivity.UnixNano(), string(data)); err != nil {
		return fmt.Errorf("failed to write session %s: %w", sess.Key(), err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO chain_runs (chain_id, last_run) VALUES (?, ?)
		ON CONFLICT(chain_id) DO UPDATE SET last_run = MAX(last_run, excluded.last_run)`,
		sess.ChainID, sess.RunNumber); err != nil {
		return fmt.Errorf("failed to record run %s: %w", sess.Key(), err)
	}
	return tx.Commit()
}

// Delete implements Store.
func (s *SQLiteStore) Delete(ctx context.Context, key Key) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM chain_sessions WHERE chain_id = ? AND run_number = ?`, key.ChainID, key.Run); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", key, err)
	}
	return nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context) ([]Summary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chain_id, run_number, last_activity, data FROM chain_sessions ORDER BY chain_id, run_number`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			chainID string
			run     int
			last    int64
			data    string
		)
		if err := rows.Scan(&chainID, &run, &last, &data); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		key := Key{ChainID: chainID, Run: run}
		sess, err := decodeRun(key, json.RawMessage(data))
		if err != nil {
			out = append(out, Summary{ChainID: chainID, Run: run, LastActivity: time.Unix(0, last).UTC(), Corrupt: true})
			continue
		}
		out = append(out, Summarize(sess))
	}
	return out, rows.Err()
}

// Stale implements Store.
func (s *SQLiteStore) Stale(ctx context.Context, cutoff time.Time) ([]Key, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chain_id, run_number FROM chain_sessions WHERE last_activity < ? ORDER BY chain_id, run_number`,
		cutoff.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("failed to query stale sessions: %w", err)
	}
	defer rows.Close()

	var keys []Key
	for rows.Next() {
		var k Key
		if err := rows.Scan(&k.ChainID, &k.Run); err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*FileStore)(nil)
)

// OpenStore opens the configured backend.
func OpenStore(backend, path string) (Store, error) {
	switch backend {
	case "", "file":
		return NewFileStore(path), nil
	case "sqlite":
		return NewSQLiteStore(path)
	default:
		return nil, errors.Validation("sessions.backend", fmt.Sprintf("unknown session backend %q", backend), `backend: file`)
	}
}
