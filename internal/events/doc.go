// Package events provides explicit subscriber registration for subsystem
// notifications such as framework switches, gate toggles and chain session
// transitions.
//
// Handlers are registered per event type and invoked synchronously in
// registration order. Channel adapts a subscription for consumers that
// prefer to receive on a channel, and NATSSink forwards every event to a
// NATS subject.
package events
