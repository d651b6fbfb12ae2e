package chain

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Key addresses one run of a chain.
type Key struct {
	ChainID string
	Run     int
}

func (k Key) String() string {
	return k.ChainID + "#" + strconv.Itoa(k.Run)
}

// NewChainID returns chain-<prompt>-<8 hex>.
func NewChainID(promptID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(promptID) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "adhoc"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return "chain-" + slug + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// IsChainID reports whether s looks like a chain id, with or without a
// #run suffix.
func IsChainID(s string) bool {
	id, _, err := ParseRef(s)
	return err == nil && strings.HasPrefix(id, "chain-") && len(id) > len("chain-")
}

// ParseRef splits "chain-x#2" into the chain id and run. run is 0 when no
// suffix is present, meaning the latest run.
func ParseRef(ref string) (chainID string, run int, err error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return "", 0, errors.Validation("chain_id", "chain_id is empty", `"chain_id":"chain-research-0a1b2c3d"`)
	}
	id, suffix, found := strings.Cut(ref, "#")
	if strings.ContainsAny(id, " \t/\\") {
		return "", 0, errors.Validation("chain_id", fmt.Sprintf("chain_id %q contains invalid characters", ref), `"chain_id":"chain-research-0a1b2c3d"`)
	}
	if !found {
		return id, 0, nil
	}
	n, convErr := strconv.Atoi(suffix)
	if convErr != nil || n < 1 {
		return "", 0, errors.Validation("chain_id", fmt.Sprintf("run suffix %q must be a positive number", suffix), `"chain_id":"chain-research-0a1b2c3d#1"`)
	}
	return id, n, nil
}

// Summary is the listing view of a session.
type Summary struct {
	ChainID      string    `json:"chain_id"`
	Run          int       `json:"run"`
	State        State     `json:"state"`
	CurrentIndex int       `json:"current_index"`
	Steps        int       `json:"steps"`
	CurrentStep  string    `json:"current_step,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	// Corrupt is set when the record could not be decoded.
	Corrupt bool `json:"corrupt,omitempty"`
}

// Summarize builds a Summary from s.
func Summarize(s *Session) Summary {
	sum := Summary{
		ChainID:      s.ChainID,
		Run:          s.RunNumber,
		State:        s.State,
		CurrentIndex: s.CurrentIndex,
		Steps:        len(s.Plan),
		CreatedAt:    s.CreatedAt,
		LastActivity: s.LastActivity,
	}
	if cur, ok := s.Current(); ok {
		sum.CurrentStep = cur.ID
	}
	return sum
}

// Store persists sessions. Implementations serialize their own writes but
// do not provide per-key exclusion across a read-modify-write; callers
// hold a Locker key for that.
type Store interface {
	// Get returns the run, NotFound when absent, or SessionCorrupt when
	// the record cannot be decoded.
	Get(ctx context.Context, key Key) (*Session, error)
	// Latest returns the highest run of chainID.
	Latest(ctx context.Context, chainID string) (*Session, error)
	// NextRun returns the run number a new run of chainID would get. It
	// is one past the highest run ever stored; Delete never lowers it.
	NextRun(ctx context.Context, chainID string) (int, error)
	// Put inserts or replaces the run.
	Put(ctx context.Context, s *Session) error
	// Delete removes the run. Deleting an absent run is not an error.
	Delete(ctx context.Context, key Key) error
	// List summarizes every stored run.
	List(ctx context.Context) ([]Summary, error)
	// Stale returns runs whose last activity is before cutoff.
	Stale(ctx context.Context, cutoff time.Time) ([]Key, error)
	Close() error
}
