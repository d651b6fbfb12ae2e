package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
)

// NATSSink forwards events to NATS as JSON on <prefix>.<type>.
type NATSSink struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSSink returns a sink publishing through nc. An empty prefix
// publishes on the bare event type.
func NewNATSSink(nc *nats.Conn, prefix string) *NATSSink {
	return &NATSSink{nc: nc, prefix: strings.TrimSuffix(prefix, ".")}
}

// Subject returns the subject an event of typ is published on.
func (s *NATSSink) Subject(typ Type) string {
	if s.prefix == "" {
		return string(typ)
	}
	return s.prefix + "." + string(typ)
}

// Handle publishes ev. It matches Handler so the sink can be passed to
// Bus.SubscribeAll.
func (s *NATSSink) Handle(_ context.Context, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := s.nc.Publish(s.Subject(ev.Type), data); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// Attach subscribes the sink to every event on bus.
func (s *NATSSink) Attach(bus *Bus) (detach func()) {
	return bus.SubscribeAll(s.Handle)
}

// Connect dials url and returns a sink plus a close function that drains
// the connection.
func Connect(url, prefix string) (*NATSSink, func(), error) {
	nc, err := nats.Connect(url, nats.Name("promptd"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	return NewNATSSink(nc, prefix), func() { _ = nc.Drain() }, nil
}
