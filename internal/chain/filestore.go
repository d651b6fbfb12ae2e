package chain

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/fsutil"
)

// FileStore keeps every session in one JSON document keyed by chain id,
// each value an array of runs:
//
//	{"chain-review-0a1b2c3d": [{"run_number": 1, "stepGraph": [...], ...}]}
//
// Entries are decoded lazily, so one unreadable run only affects the
// requests addressing it. Writes replace the file atomically.
//
// Deleting a chain's highest run leaves a tombstone in its place,
// {"run_number": 3, "deleted": true}, so run numbers are never reissued.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// runHeader is the part of a run record needed to address it.
type runHeader struct {
	RunNumber    int       `json:"run_number"`
	LastActivity time.Time `json:"lastActivity"`
	Deleted      bool      `json:"deleted,omitempty"`
}

// tombstone marks the highest deleted run of a chain.
type tombstone struct {
	RunNumber int  `json:"run_number"`
	Deleted   bool `json:"deleted"`
}

// NewFileStore returns a store backed by path. The file is created on the
// first write.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the backing file.
func (f *FileStore) Path() string { return f.path }

func (f *FileStore) readAll() (map[string]json.RawMessage, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return map[string]json.RawMessage{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}
	if len(data) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	var doc map[string]json.RawMessage
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.SessionCorrupt(f.path, err)
	}
	if doc == nil {
		doc = map[string]json.RawMessage{}
	}
	return doc, nil
}

func (f *FileStore) runs(doc map[string]json.RawMessage, chainID string) ([]json.RawMessage, error) {
	raw, ok := doc[chainID]
	if !ok {
		return nil, nil
	}
	var runs []json.RawMessage
	if err := json.Unmarshal(raw, &runs); err != nil {
		return nil, errors.SessionCorrupt(chainID, err)
	}
	return runs, nil
}

func header(raw json.RawMessage) (runHeader, bool) {
	var h runHeader
	if err := json.Unmarshal(raw, &h); err != nil || h.RunNumber < 1 {
		return runHeader{}, false
	}
	return h, true
}

func decodeRun(key Key, raw json.RawMessage) (*Session, error) {
	var s Session
	if err := json.Unmarshal(raw, &s); err != nil {
		return nil, errors.SessionCorrupt(key.String(), err)
	}
	if s.ChainID == "" {
		s.ChainID = key.ChainID
	}
	if err := s.Validate(); err != nil {
		return nil, errors.SessionCorrupt(key.String(), err)
	}
	return &s, nil
}

// Get implements Store.
func (f *FileStore) Get(_ context.Context, key Key) (*Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readAll()
	if err != nil {
		return nil, err
	}
	runs, err := f.runs(doc, key.ChainID)
	if err != nil {
		return nil, err
	}
	for _, raw := range runs {
		if h, ok := header(raw); ok && h.RunNumber == key.Run {
			if h.Deleted {
				return nil, notFound(key)
			}
			return decodeRun(key, raw)
		}
	}
	return nil, notFound(key)
}

// Latest implements Store.
func (f *FileStore) Latest(ctx context.Context, chainID string) (*Session, error) {
	f.mu.Lock()
	doc, err := f.readAll()
	if err != nil {
		f.mu.Unlock()
		return nil, err
	}
	runs, err := f.runs(doc, chainID)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}

	latest, records := 0, 0
	for _, raw := range runs {
		h, ok := header(raw)
		if ok && h.Deleted {
			continue
		}
		records++
		if ok && h.RunNumber > latest {
			latest = h.RunNumber
		}
	}
	if latest == 0 {
		if records > 0 {
			return nil, errors.SessionCorrupt(chainID, fmt.Errorf("no run record carries a run_number"))
		}
		return nil, notFound(Key{ChainID: chainID})
	}
	return f.Get(ctx, Key{ChainID: chainID, Run: latest})
}

// NextRun implements Store. Unaddressable records and tombstones still
// occupy a number.
func (f *FileStore) NextRun(_ context.Context, chainID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readAll()
	if err != nil {
		return 0, err
	}
	runs, err := f.runs(doc, chainID)
	if err != nil {
		return 0, err
	}
	next := len(runs)
	for _, raw := range runs {
		if h, ok := header(raw); ok && h.RunNumber > next {
			next = h.RunNumber
		}
	}
	return next + 1, nil
}

// Put implements Store.
func (f *FileStore) Put(_ context.Context, s *Session) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal session %s: %w", s.Key(), err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readAll()
	if err != nil {
		return err
	}
	runs, err := f.runs(doc, s.ChainID)
	if err != nil {
		return err
	}

	replaced := false
	kept := runs[:0]
	for _, raw := range runs {
		h, ok := header(raw)
		switch {
		case ok && h.RunNumber == s.RunNumber:
			kept = append(kept, encoded)
			replaced = true
		case ok && h.Deleted && h.RunNumber < s.RunNumber:
			// superseded by the new run
		default:
			kept = append(kept, raw)
		}
	}
	if !replaced {
		kept = append(kept, encoded)
	}
	return f.writeChain(doc, s.ChainID, kept)
}

// Delete implements Store.
func (f *FileStore) Delete(_ context.Context, key Key) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readAll()
	if err != nil {
		return err
	}
	runs, err := f.runs(doc, key.ChainID)
	if err != nil {
		return err
	}
	var (
		kept    []json.RawMessage
		found   bool
		highest int
	)
	for _, raw := range runs {
		h, ok := header(raw)
		if ok && h.RunNumber == key.Run && !h.Deleted {
			found = true
			continue
		}
		if ok && h.Deleted {
			// folded into the tombstone written below
			highest = max(highest, h.RunNumber)
			continue
		}
		highest = max(highest, h.RunNumber)
		kept = append(kept, raw)
	}
	if !found {
		return nil
	}
	if mark := max(highest, key.Run); !f.covers(kept, mark) {
		raw, err := json.Marshal(tombstone{RunNumber: mark, Deleted: true})
		if err != nil {
			return fmt.Errorf("failed to marshal tombstone of %s: %w", key, err)
		}
		kept = append(kept, raw)
	}
	return f.writeChain(doc, key.ChainID, kept)
}

// covers reports whether a live record already holds run number mark.
func (f *FileStore) covers(runs []json.RawMessage, mark int) bool {
	for _, raw := range runs {
		if h, ok := header(raw); ok && !h.Deleted && h.RunNumber >= mark {
			return true
		}
	}
	return false
}

func (f *FileStore) writeChain(doc map[string]json.RawMessage, chainID string, runs []json.RawMessage) error {
	if len(runs) == 0 {
		delete(doc, chainID)
	} else {
		raw, err := json.Marshal(runs)
		if err != nil {
			return fmt.Errorf("failed to marshal runs of %s: %w", chainID, err)
		}
		doc[chainID] = raw
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session file: %w", err)
	}
	return fsutil.WriteFileAtomic(f.path, data, 0o600)
}

// List implements Store. Undecodable runs are listed with Corrupt set.
func (f *FileStore) List(_ context.Context) ([]Summary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readAll()
	if err != nil {
		return nil, err
	}
	var out []Summary
	for chainID := range doc {
		runs, err := f.runs(doc, chainID)
		if err != nil {
			out = append(out, Summary{ChainID: chainID, Corrupt: true})
			continue
		}
		for _, raw := range runs {
			h, _ := header(raw)
			if h.Deleted {
				continue
			}
			s, err := decodeRun(Key{ChainID: chainID, Run: h.RunNumber}, raw)
			if err != nil {
				out = append(out, Summary{ChainID: chainID, Run: h.RunNumber, LastActivity: h.LastActivity, Corrupt: true})
				continue
			}
			out = append(out, Summarize(s))
		}
	}
	sortSummaries(out)
	return out, nil
}

// Stale implements Store. Records without a readable header are never
// reported stale; they stay for inspection.
func (f *FileStore) Stale(_ context.Context, cutoff time.Time) ([]Key, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	doc, err := f.readAll()
	if err != nil {
		return nil, err
	}
	var keys []Key
	for chainID := range doc {
		runs, err := f.runs(doc, chainID)
		if err != nil {
			continue
		}
		for _, raw := range runs {
			if h, ok := header(raw); ok && !h.Deleted && h.LastActivity.Before(cutoff) {
				keys = append(keys, Key{ChainID: chainID, Run: h.RunNumber})
			}
		}
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].ChainID != keys[j].ChainID {
			return keys[i].ChainID < keys[j].ChainID
		}
		return keys[i].Run < keys[j].Run
	})
	return keys, nil
}

// Close implements Store.
func (f *FileStore) Close() error { return nil }

func notFound(key Key) error {
	what := key.ChainID
	if key.Run > 0 {
		what = key.String()
	}
	return errors.NotFound("chain_id", "chain session", what, "start the chain again without chain_id, or list sessions with system_control sessions.list")
}

func sortSummaries(out []Summary) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].ChainID != out[j].ChainID {
			return out[i].ChainID < out[j].ChainID
		}
		return out[i].Run < out[j].Run
	})
}
