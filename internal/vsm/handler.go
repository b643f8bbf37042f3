// Package vsm implements the per-system message handlers (S1 operations
// through S5 policy) that sit behind the Transport, per SPEC_FULL.md §4.2.
// Each Handler owns a registry of operation functions keyed by the routing
// key's second segment and dispatches to exactly one of them.
package vsm

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/transport"
	"github.com/cybernetic-system/core/internal/vsmmsg"
)

// OperationFunc handles one classified operation for a Handler's system.
// It receives the already-propagated trace id and must never block on
// downstream work — publishing onward is itself asynchronous because it
// goes through Transport.Publish.
type OperationFunc func(ctx context.Context, h *Handler, payload, meta map[string]any, traceID string) error

// Handler is one of the five VSM systems' message handler. It is
// constructed once and registered with a transport.Router under its
// system number; Transport invokes HandleMessage on an ephemeral worker,
// never on the publisher's own goroutine.
type Handler struct {
	sys       vsmmsg.System
	transport transport.Transport
	bus       *telemetry.Bus
	log       *zap.Logger

	ops map[string]OperationFunc
}

// New constructs a Handler for the given system with an empty operation
// registry; call Register for each operation this system understands.
func New(sys vsmmsg.System, t transport.Transport, bus *telemetry.Bus, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sys: sys, transport: t, bus: bus, log: log, ops: make(map[string]OperationFunc)}
}

// System returns the VSM system number this handler serves.
func (h *Handler) System() vsmmsg.System { return h.sys }

// Register binds an operation name to fn. Registering the same name twice
// replaces the previous binding (used by tests to stub operations).
func (h *Handler) Register(op string, fn OperationFunc) {
	h.ops[op] = fn
}

// HandleMessage implements transport.Handler. It extracts/propagates the
// trace id, classifies the operation, and dispatches to the registered
// OperationFunc — or logs and drops if none is registered, matching the
// "ingest-side errors are logged and dropped" policy of §7.
func (h *Handler) HandleMessage(ctx context.Context, sys vsmmsg.System, op string, msg vsmmsg.Message) {
	traceID := vsmmsg.TraceIDFromMeta(msg.Meta)

	fn, ok := h.ops[op]
	if !ok {
		h.log.Warn("vsm: no operation registered, dropping",
			zap.String("system", sys.String()), zap.String("operation", op), zap.String("trace_id", traceID))
		if h.bus != nil {
			h.bus.Emit("cyb.vsm.unhandled", map[string]any{}, map[string]any{
				"system": sys.String(), "operation": op, "trace_id": traceID,
			})
		}
		return
	}

	if err := fn(ctx, h, msg.Payload, msg.Meta, traceID); err != nil {
		h.log.Error("vsm: operation returned an error",
			zap.String("system", sys.String()), zap.String("operation", op),
			zap.String("trace_id", traceID), zap.Error(err))
	}
}

// Publish forwards payload to targetRoutingKey, stamping this handler's
// system as the source and propagating traceID, per step 3 of §4.2.
// Delegates to the injected Transport, which itself never blocks the
// caller on the downstream handler — this is what prevents dispatch
// cycles like S2->S4->S2 from deadlocking through a shared dispatcher.
func (h *Handler) Publish(ctx context.Context, targetRoutingKey string, payload map[string]any, traceID string) error {
	meta := map[string]any{
		vsmmsg.MetaTraceID: traceID,
		vsmmsg.MetaSource:  h.sys.String(),
	}
	return h.transport.Publish(ctx, targetRoutingKey, payload, meta)
}

// AsRouterHandler adapts Handler to the transport.Handler function type.
func (h *Handler) AsRouterHandler() transport.Handler {
	return h.HandleMessage
}

// Set owns all five Handlers and is the value registered with a
// transport.Router (System -> Handler.AsRouterHandler()).
type Set struct {
	handlers map[vsmmsg.System]*Handler
}

// NewSet constructs an empty Set.
func NewSet() *Set {
	return &Set{handlers: make(map[vsmmsg.System]*Handler)}
}

// Add registers h under its own system number. Panics on a duplicate
// system, which would indicate a wiring bug at startup, not a runtime
// condition callers should ever need to recover from.
func (s *Set) Add(h *Handler) {
	if _, exists := s.handlers[h.sys]; exists {
		panic(fmt.Sprintf("vsm: duplicate handler registered for %s", h.sys))
	}
	s.handlers[h.sys] = h
}

// Router renders the Set as a transport.Router for Transport construction.
func (s *Set) Router() transport.Router {
	r := make(transport.Router, len(s.handlers))
	for sys, h := range s.handlers {
		r[sys] = h.AsRouterHandler()
	}
	return r
}

// Get returns the Handler for sys, or nil if none was added.
func (s *Set) Get(sys vsmmsg.System) *Handler {
	return s.handlers[sys]
}
