package chain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/events"
	"github.com/fyrsmithlabs/promptd/internal/logging"
)

// Sweeper removes runs whose last activity is older than the threshold.
// Corrupt runs are kept for inspection.
type Sweeper struct {
	m          *Manager
	staleAfter time.Duration
	interval   time.Duration
	logger     *logging.Logger
}

// NewSweeper returns a sweeper over m.
func NewSweeper(m *Manager, staleAfter, interval time.Duration) *Sweeper {
	return &Sweeper{m: m, staleAfter: staleAfter, interval: interval, logger: m.logger.Named("sweeper")}
}

// Sweep runs one pass and returns the keys removed. Chains locked by an
// in-flight request are skipped until the next pass.
func (s *Sweeper) Sweep(ctx context.Context) ([]Key, error) {
	cutoff := s.m.now().Add(-s.staleAfter)
	keys, err := s.m.store.Stale(ctx, cutoff)
	if err != nil {
		s.m.storeError(ctx, "stale", err)
		return nil, err
	}

	var removed []Key
	for _, key := range keys {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		ok, err := s.sweepOne(ctx, key, cutoff)
		if err != nil {
			return removed, err
		}
		if ok {
			removed = append(removed, key)
		}
	}
	if len(removed) > 0 {
		s.logger.Info(ctx, "stale chain sessions removed", zap.Int("count", len(removed)))
	}
	return removed, nil
}

func (s *Sweeper) sweepOne(ctx context.Context, key Key, cutoff time.Time) (bool, error) {
	unlock, ok := s.m.locks.TryLock(key.ChainID)
	if !ok {
		return false, nil
	}
	defer unlock()

	sess, err := s.m.store.Get(ctx, key)
	switch {
	case err == nil:
	case errors.KindOf(err) == errors.KindNotFound:
		return false, nil
	case errors.KindOf(err) == errors.KindSessionCorrupt:
		s.logger.Warn(ctx, "stale session is corrupt, leaving it in place",
			zap.String("chain_id", key.ChainID), zap.Int("run", key.Run), zap.Error(err))
		return false, nil
	default:
		return false, err
	}
	// touched since the listing
	if !sess.LastActivity.Before(cutoff) {
		return false, nil
	}

	if err := s.m.store.Delete(ctx, key); err != nil {
		s.m.storeError(ctx, "delete", err)
		return false, err
	}
	SweptTotal.Inc()
	if !sess.State.Terminal() {
		ActiveSessions.Dec()
	}
	s.m.emit(ctx, sess, events.SessionSwept, "swept")
	return true, nil
}

// Run sweeps every interval until ctx is done. It returns nil on
// cancellation so it can run under an errgroup.
func (s *Sweeper) Run(ctx context.Context) error {
	if s.interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil && ctx.Err() == nil {
				s.logger.Warn(ctx, "session sweep failed", zap.Error(err))
			}
		}
	}
}
