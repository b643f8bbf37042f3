// Package telemetry implements the single-process pub/sub hub that every
// component in the core emits events on, and a Prometheus sink that adapts
// those events into metrics. This is the Go rendering of the teacher's
// global telemetry attach/detach pattern: a typed hub instead of a dynamic
// dispatch table, with every handler invocation recovered so one failing
// handler can't take down the emitter or another handler.
package telemetry

import (
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Event is one telemetry occurrence. Measurements holds numeric/boolean
// facts about the occurrence; Metadata holds descriptive tags.
type Event struct {
	Name         string
	Measurements map[string]any
	Metadata     map[string]any
	Ts           time.Time
}

// Handler receives emitted events. It must not block for long and must
// not panic — Bus recovers panics, but a recovered handler is still a bug
// worth fixing.
type Handler func(Event)

// Handle identifies a registered Handler for Detach.
type Handle uint64

// Bus is a dotted-name-keyed pub/sub hub. The zero value is not usable;
// construct with NewBus.
type Bus struct {
	mu       sync.RWMutex
	handlers map[string]map[Handle]Handler
	global   map[Handle]Handler
	next     Handle
	log      *zap.Logger
}

// NewBus constructs an empty Bus.
func NewBus(log *zap.Logger) *Bus {
	if log == nil {
		log = zap.NewNop()
	}
	return &Bus{
		handlers: make(map[string]map[Handle]Handler),
		global:   make(map[Handle]Handler),
		log:      log,
	}
}

// AttachAll registers h for every event emitted on the bus, regardless of
// name — the "global attach" the CentralAggregator uses to observe the
// full event stream without enumerating event names up front.
func (b *Bus) AttachAll(h Handler) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	handle := b.next
	b.global[handle] = h
	return handle
}

// DetachAll removes a handler registered with AttachAll.
func (b *Bus) DetachAll(handle Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.global, handle)
}

// Attach registers h for events named exactly eventName, returning an
// opaque handle usable with Detach.
func (b *Bus) Attach(eventName string, h Handler) Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	handle := b.next
	m := b.handlers[eventName]
	if m == nil {
		m = make(map[Handle]Handler)
		b.handlers[eventName] = m
	}
	m[handle] = h
	return handle
}

// Detach removes a previously Attach-ed handler. Safe to call more than
// once or with an unknown handle (no-op). Every long-lived attachment
// (e.g. the CentralAggregator's) must be detached on shutdown to avoid
// callbacks into vanished state.
func (b *Bus) Detach(eventName string, handle Handle) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if m, ok := b.handlers[eventName]; ok {
		delete(m, handle)
		if len(m) == 0 {
			delete(b.handlers, eventName)
		}
	}
}

// cybNamespaceAlias returns the paired event name under the other of the
// two canonical namespaces documented in SPEC_FULL.md §8: cyb.* is
// canonical, cybernetic.* is the compatibility alias fired from the same
// Emit call.
func cybNamespaceAlias(name string) (string, bool) {
	switch {
	case strings.HasPrefix(name, "cyb."):
		return "cybernetic." + strings.TrimPrefix(name, "cyb."), true
	case strings.HasPrefix(name, "cybernetic."):
		return "cyb." + strings.TrimPrefix(name, "cybernetic."), true
	default:
		return "", false
	}
}

// Emit dispatches an event to every handler attached under name, and to
// every handler attached under name's cyb./cybernetic. alias (if any),
// recovering panics so one bad handler never blocks the rest.
func (b *Bus) Emit(name string, measurements, metadata map[string]any) {
	ts := time.Now().UTC()
	b.dispatch(Event{Name: name, Measurements: measurements, Metadata: metadata, Ts: ts})
	if alias, ok := cybNamespaceAlias(name); ok {
		b.dispatch(Event{Name: alias, Measurements: measurements, Metadata: metadata, Ts: ts})
	}
}

func (b *Bus) dispatch(evt Event) {
	b.mu.RLock()
	hs := b.handlers[evt.Name]
	// copy references while holding the lock; never call handlers under it.
	calls := make([]Handler, 0, len(hs)+len(b.global))
	for _, h := range hs {
		calls = append(calls, h)
	}
	for _, h := range b.global {
		calls = append(calls, h)
	}
	b.mu.RUnlock()

	for _, h := range calls {
		b.safeInvoke(evt, h)
	}
}

func (b *Bus) safeInvoke(evt Event, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("telemetry handler panicked",
				zap.String("event", evt.Name),
				zap.Any("recovered", r),
			)
		}
	}()
	h(evt)
}
