package chain

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fyrsmithlabs/promptd/internal/errors"
	"github.com/fyrsmithlabs/promptd/internal/events"
	"github.com/fyrsmithlabs/promptd/internal/gates"
	"github.com/fyrsmithlabs/promptd/internal/logging"
)

// Manager owns the session store and the per-chain locks. Callers lock a
// chain id, load or create its session, mutate it through the Session
// methods and persist it with Save before unlocking.
type Manager struct {
	store     Store
	locks     *Locker
	publisher events.Publisher
	logger    *logging.Logger
	now       func() time.Time
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerPublisher sets the event publisher. Defaults to events.Nop.
func WithManagerPublisher(p events.Publisher) ManagerOption {
	return func(m *Manager) { m.publisher = p }
}

// WithManagerLogger sets the logger.
func WithManagerLogger(l *logging.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

// NewManager returns a manager over store.
func NewManager(store Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:     store,
		locks:     NewLocker(),
		publisher: events.Nop{},
		logger:    logging.NewNop(),
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Store returns the underlying store.
func (m *Manager) Store() Store { return m.store }

// Now returns the manager's clock reading.
func (m *Manager) Now() time.Time { return m.now() }

// Lock serializes every run of chainID. The returned func releases it.
func (m *Manager) Lock(ctx context.Context, chainID string) (func(), error) {
	return m.locks.Lock(ctx, chainID)
}

// Load resolves a chain reference ("chain-x" or "chain-x#2") to a session.
// The caller should hold the chain's lock.
func (m *Manager) Load(ctx context.Context, ref string) (*Session, error) {
	id, run, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	var s *Session
	if run == 0 {
		s, err = m.store.Latest(ctx, id)
	} else {
		s, err = m.store.Get(ctx, Key{ChainID: id, Run: run})
	}
	if err != nil {
		m.storeError(ctx, "get", err)
		return nil, err
	}
	return s, nil
}

// NewRun describes a chain run to create.
type NewRun struct {
	// ChainID reuses an existing chain id (force_restart). Empty generates
	// a new one from PromptID.
	ChainID  string
	PromptID string
	Steps    []StepDefinition
	Args     map[string]string
	Input    string
	// Gates are the chain- and session-scoped gates resolved for the run.
	Gates []gates.ResolvedGate
}

// Begin plans and starts a new run and persists it. For an existing chain
// id the run number is one past the highest ever issued, earlier runs are
// left intact and their session-scoped gates carry forward. The caller should hold the
// chain's lock when ChainID is set.
func (m *Manager) Begin(ctx context.Context, nr NewRun) (*Session, error) {
	chainID := nr.ChainID
	if chainID == "" {
		chainID = NewChainID(nr.PromptID)
	}
	run, err := m.store.NextRun(ctx, chainID)
	if err != nil {
		m.storeError(ctx, "get", err)
		return nil, err
	}

	carried := carryGates(nr.Gates, nil)
	if run > 1 {
		prev, err := m.store.Latest(ctx, chainID)
		switch {
		case err == nil:
			carried = carryGates(carried, prev.Gates)
		case errors.KindOf(err) == errors.KindNotFound:
		default:
			m.logger.Warn(ctx, "previous run unreadable, session gates not carried",
				zap.String("chain_id", chainID), zap.Error(err))
		}
	}

	now := m.now()
	s, err := NewSession(chainID, run, nr.Steps, now)
	if err != nil {
		return nil, err
	}
	s.PromptID = nr.PromptID
	s.Args = cloneMap(nr.Args)
	s.Input = nr.Input
	s.Gates = carried
	if err := s.Start(now); err != nil {
		return nil, err
	}
	if err := m.Save(ctx, s, ""); err != nil {
		return nil, err
	}
	return s, nil
}

// carryGates merges persistent gates. Gates already present win; from
// prev only session-scoped gates are taken.
func carryGates(current, prev []gates.ResolvedGate) []gates.ResolvedGate {
	seen := make(map[string]bool, len(current))
	var out []gates.ResolvedGate
	for _, g := range current {
		if !g.Definition.Scope.Persistent() || seen[g.ID()] {
			continue
		}
		seen[g.ID()] = true
		out = append(out, g)
	}
	for _, g := range prev {
		if g.Definition.Scope != gates.ScopeSession || seen[g.ID()] {
			continue
		}
		seen[g.ID()] = true
		out = append(out, g)
	}
	return out
}

// Save persists s after a mutation from state from ("" for a new run) and
// publishes the matching session event. Terminal runs stay in the store
// until the sweeper removes them, so late resumes are answered as stale.
func (m *Manager) Save(ctx context.Context, s *Session, from State) error {
	if err := m.store.Put(ctx, s); err != nil {
		m.storeError(ctx, "put", err)
		return err
	}

	if from == "" {
		m.emit(ctx, s, events.SessionCreated, "created")
		if !s.State.Terminal() {
			ActiveSessions.Inc()
		}
	}
	switch {
	case s.State == StateComplete:
		m.emit(ctx, s, events.SessionCompleted, "completed")
	case s.State == StateAborted:
		m.emit(ctx, s, events.SessionAborted, "aborted")
	case s.State == StateGatePending && from != StateGatePending:
		m.emit(ctx, s, events.SessionGatePending, "gate_pending")
	case from != "":
		m.emit(ctx, s, events.SessionAdvanced, "advanced")
	}
	if from != "" && !from.Terminal() && s.State.Terminal() {
		ActiveSessions.Dec()
	}

	m.logger.Debug(ctx, "chain session saved",
		zap.String("chain_id", s.ChainID),
		zap.Int("run", s.RunNumber),
		zap.String("state", string(s.State)),
		zap.Int("current_index", s.CurrentIndex))
	return nil
}

// Abort ends the referenced run.
func (m *Manager) Abort(ctx context.Context, ref, reason string) (*Session, error) {
	id, _, err := ParseRef(ref)
	if err != nil {
		return nil, err
	}
	unlock, err := m.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s, err := m.Load(ctx, ref)
	if err != nil {
		return nil, err
	}
	from := s.State
	if err := s.ApplyAction(ActionAbort, m.now()); err != nil {
		return nil, err
	}
	if reason != "" {
		s.AbortReason = reason
	}
	VerdictsTotal.WithLabelValues("abort").Inc()
	if err := m.Save(ctx, s, from); err != nil {
		return nil, err
	}
	return s, nil
}

// List summarizes every stored run.
func (m *Manager) List(ctx context.Context) ([]Summary, error) {
	out, err := m.store.List(ctx)
	if err != nil {
		m.storeError(ctx, "list", err)
	}
	return out, err
}

func (m *Manager) emit(ctx context.Context, s *Session, typ events.Type, label string) {
	SessionEventsTotal.WithLabelValues(label).Inc()
	data := map[string]any{
		"state":         string(s.State),
		"current_index": s.CurrentIndex,
		"steps":         len(s.Plan),
	}
	if cur, ok := s.Current(); ok {
		data["step_id"] = cur.ID
	}
	if s.AbortReason != "" {
		data["reason"] = s.AbortReason
	}
	ev := events.Event{Type: typ, Time: m.now(), ChainID: s.ChainID, Run: s.RunNumber, Data: data}
	if err := m.publisher.Publish(ctx, ev); err != nil {
		m.logger.Warn(ctx, "session event handler failed", zap.String("event", string(typ)), zap.Error(err))
	}
}

func (m *Manager) storeError(ctx context.Context, op string, err error) {
	kind := errors.KindOf(err)
	if kind == errors.KindNotFound {
		return
	}
	StoreErrorsTotal.WithLabelValues(op, string(kind)).Inc()
	m.logger.Warn(ctx, "chain session store failed", zap.String("op", op), zap.Error(err))
}
