package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/promptd/internal/errors"
)

// Type identifies an event.
type Type string

const (
	// FrameworkChanged fires when the active methodology or the framework
	// system flag changes.
	FrameworkChanged Type = "framework.changed"

	// GatesToggled fires when the gate system is enabled or disabled.
	GatesToggled Type = "gates.toggled"

	SessionCreated     Type = "session.created"
	SessionAdvanced    Type = "session.advanced"
	SessionGatePending Type = "session.gate_pending"
	SessionCompleted   Type = "session.completed"
	SessionAborted     Type = "session.aborted"

	// SessionSwept fires once per session removed by the stale sweep.
	SessionSwept Type = "session.swept"

	// RegistryReloaded fires after the definition registry swaps in a new
	// snapshot.
	RegistryReloaded Type = "registry.reloaded"
)

// Event is one notification.
type Event struct {
	Type    Type           `json:"type"`
	Time    time.Time      `json:"time"`
	ChainID string         `json:"chain_id,omitempty"`
	Run     int            `json:"run,omitempty"`
	Data    map[string]any `json:"data,omitempty"`
}

// Handler handles an event.
type Handler func(ctx context.Context, ev Event) error

// Publisher is the send side of a Bus.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

type subscription struct {
	id      uint64
	handler Handler
}

// Bus dispatches events to registered handlers. The zero value is not
// usable; call NewBus.
type Bus struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[Type][]subscription
	all      []subscription
	now      func() time.Time
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{
		handlers: make(map[Type][]subscription),
		now:      time.Now,
	}
}

// Subscribe registers handler for typ and returns a function that removes
// it. Calling the returned function more than once is a no-op.
func (b *Bus) Subscribe(typ Type, handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.handlers[typ] = append(b.handlers[typ], subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.handlers[typ] = remove(b.handlers[typ], id)
	}
}

// SubscribeAll registers handler for every event type. All-type handlers
// run after the handlers registered for the specific type.
func (b *Bus) SubscribeAll(handler Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	id := b.nextID
	b.all = append(b.all, subscription{id: id, handler: handler})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.all = remove(b.all, id)
	}
}

// Publish runs every handler for ev.Type in registration order. A failing
// handler does not stop later handlers; all failures are returned joined.
func (b *Bus) Publish(ctx context.Context, ev Event) error {
	if ev.Time.IsZero() {
		ev.Time = b.now()
	}

	b.mu.RLock()
	subs := make([]subscription, 0, len(b.handlers[ev.Type])+len(b.all))
	subs = append(subs, b.handlers[ev.Type]...)
	subs = append(subs, b.all...)
	b.mu.RUnlock()

	var errs []error
	for _, s := range subs {
		if err := s.handler(ctx, ev); err != nil {
			errs = append(errs, fmt.Errorf("event %s handler failed: %w", ev.Type, err))
		}
	}
	if len(errs) == 0 {
		return nil
	}
	return errors.Join(errs...)
}

// Len returns the number of handlers registered for typ, excluding
// all-type handlers.
func (b *Bus) Len(typ Type) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[typ])
}

func remove(subs []subscription, id uint64) []subscription {
	out := subs[:0:0]
	for _, s := range subs {
		if s.id != id {
			out = append(out, s)
		}
	}
	return out
}

// Channel subscribes to typ and delivers events on a buffered channel.
// When the buffer is full the event is dropped and counted rather than
// blocking the publisher. cancel unsubscribes and closes the channel.
func (b *Bus) Channel(typ Type, buffer int) (events <-chan Event, dropped func() int, cancel func()) {
	ch := make(chan Event, buffer)
	var (
		mu     sync.Mutex
		closed bool
		drops  int
	)

	unsubscribe := b.Subscribe(typ, func(_ context.Context, ev Event) error {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return nil
		}
		select {
		case ch <- ev:
		default:
			drops++
		}
		return nil
	})

	dropped = func() int {
		mu.Lock()
		defer mu.Unlock()
		return drops
	}
	var once sync.Once
	cancel = func() {
		once.Do(func() {
			unsubscribe()
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
	return ch, dropped, cancel
}

// Nop is a Publisher that discards everything.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(context.Context, Event) error { return nil }
