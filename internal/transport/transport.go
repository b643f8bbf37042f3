// Package transport implements the uniform publish API over either a
// broker-backed AMQP topic exchange or an in-memory pass-through
// dispatcher, per SPEC_FULL.md §4.1. Both implementations satisfy the
// same Transport interface so VSM message handlers never know which one
// they're talking to.
package transport

import (
	"context"

	"github.com/cybernetic-system/core/internal/vsmmsg"
)

// Handler processes one delivered message for a single VSM system. It must
// not block the caller for long; long-running work should be handed off
// internally. Handlers never mutate Transport or owner state directly.
type Handler func(ctx context.Context, sys vsmmsg.System, op string, msg vsmmsg.Message)

// Transport is the contract every VSM system publishes through: publish
// synchronously against the caller (it does not await broker ack by
// default, per §5), but never blocks on the downstream handler's work.
type Transport interface {
	// Publish sends payload under routingKey ("sN.operation"), stamping
	// trace id and timestamp into meta if absent. Returns vsmerr.ErrNotConnected
	// if the broker-backed implementation is currently disconnected.
	Publish(ctx context.Context, routingKey string, payload map[string]any, meta map[string]any) error

	// Close releases any resources the Transport holds (connections,
	// worker pools). Safe to call once.
	Close() error
}

// Collector optionally observes every message a Transport processes,
// independent of routing. Used by tests to assert on delivery without
// standing up a real handler for every system.
type Collector interface {
	Observe(vsmmsg.Message)
}

// CollectorFunc adapts a function to a Collector.
type CollectorFunc func(vsmmsg.Message)

// Observe implements Collector.
func (f CollectorFunc) Observe(m vsmmsg.Message) { f(m) }
