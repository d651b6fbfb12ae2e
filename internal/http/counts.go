package http

import (
	"context"

	"github.com/fyrsmithlabs/promptd/internal/chain"
)

// SessionLister lists stored chain runs.
type SessionLister interface {
	List(ctx context.Context) ([]chain.Summary, error)
}

// CountSessions tallies stored chain runs by state.
//
// Returns Total -1 if:
//   - lister is nil
//   - listing fails
//
// Corrupt runs are counted separately and are not part of ByState.
func CountSessions(ctx context.Context, lister SessionLister) SessionCounts {
	if lister == nil {
		return SessionCounts{Total: -1}
	}

	sums, err := lister.List(ctx)
	if err != nil {
		return SessionCounts{Total: -1}
	}

	counts := SessionCounts{Total: len(sums), ByState: make(map[string]int)}
	for _, s := range sums {
		if s.Corrupt {
			counts.Corrupt++
			continue
		}
		counts.ByState[string(s.State)]++
	}
	return counts
}
