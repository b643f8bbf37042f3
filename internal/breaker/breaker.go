// Package breaker implements the per-endpoint circuit-breaker state machine
// that gates downstream calls: closed/open/half_open, normalized to a
// single Result-shaped Call return per SPEC_FULL.md §9 (the source's
// 3-tuple-on-success/2-tuple-on-failure asymmetry is collapsed here).
//
// The tagged-state-machine shape is grounded on the reference pack's
// escalation.ProcessState (internal/escalation/state_machine.go): a
// mutex-protected value type with an explicit Current()/transition API,
// rendered here for the closed/open/half_open alphabet instead of the
// six-level isolation ladder.
package breaker

import (
	"context"
	"sync"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/vsmerr"
)

// State is one of the three circuit states.
type State uint8

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker guards calls to one named endpoint. All fields are protected by
// mu; transitions are atomic with respect to Call, per §7.
type Breaker struct {
	name string
	cfg  config.BreakerConfig
	bus  *telemetry.Bus
	m    *telemetry.Metrics

	mu            sync.Mutex
	state         State
	failureCount  int
	successCount  int
	lastFailureTs time.Time
}

// New constructs a Breaker for the named endpoint, starting closed.
func New(name string, cfg config.BreakerConfig, bus *telemetry.Bus, m *telemetry.Metrics) *Breaker {
	return &Breaker{name: name, cfg: cfg, bus: bus, m: m, state: StateClosed}
}

// State returns the breaker's current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// HealthScore renders a crude 0..1 health figure from the failure streak,
// reported by Registry.Snapshot; 0 while open. 1.0 is fully healthy.
func (b *Breaker) HealthScore() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateOpen {
		return 0.0
	}
	if b.cfg.Threshold <= 0 {
		return 1.0
	}
	score := 1.0 - float64(b.failureCount)/float64(b.cfg.Threshold)
	if score < 0 {
		score = 0
	}
	return score
}

// Reset forces the breaker to closed and clears all counters.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transition(StateClosed)
	b.failureCount = 0
	b.successCount = 0
}

// Call executes fn under the breaker's gate. In the open state (before the
// timeout elapses) it rejects with vsmerr.ErrCircuitOpen without invoking
// fn at all. Otherwise returns fn's result and error unchanged.
func Call[T any](ctx context.Context, b *Breaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T

	if !b.admit() {
		return zero, vsmerr.ErrCircuitOpen
	}

	result, err := fn(ctx)
	b.record(err)
	return result, err
}

// admit reports whether a call may proceed, performing the open->half_open
// transition when the timeout has elapsed. It does not itself execute fn.
func (b *Breaker) admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed, StateHalfOpen:
		return true
	case StateOpen:
		if time.Since(b.lastFailureTs) >= time.Duration(b.cfg.TimeoutMs)*time.Millisecond {
			b.transition(StateHalfOpen)
			b.successCount = 0
			return true
		}
		return false
	default:
		return false
	}
}

// record applies the result of a permitted call to the state machine.
func (b *Breaker) record(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err != nil {
		b.onFailure()
		return
	}
	b.onSuccess()
}

func (b *Breaker) onFailure() {
	b.lastFailureTs = time.Now()
	switch b.state {
	case StateHalfOpen:
		b.transition(StateOpen)
		b.successCount = 0
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.cfg.Threshold {
			b.transition(StateOpen)
		}
	case StateOpen:
		// Orphan reply from a call dispatched before the last transition;
		// the breaker is already open, nothing further to do.
	}
}

func (b *Breaker) onSuccess() {
	switch b.state {
	case StateClosed:
		b.failureCount = 0
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.cfg.HalfOpenAttempts {
			b.transition(StateClosed)
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
	}
}

// transition must be called with mu held. It updates state and emits the
// stable telemetry names from SPEC_FULL.md §6.
func (b *Breaker) transition(to State) {
	if to == b.state {
		return
	}
	from := b.state
	b.state = to

	if b.m != nil {
		var code float64
		switch to {
		case StateOpen:
			code = 1
		case StateHalfOpen:
			code = 2
		}
		b.m.BreakerState.WithLabelValues(b.name).Set(code)
	}

	if to == StateOpen {
		b.bus.Emit("cyb.circuit_breaker.opened",
			map[string]any{"failure_count": b.failureCount},
			map[string]any{"circuit_breaker": b.name, "state": to.String(), "health_score": healthFromCounts(b.failureCount, b.cfg.Threshold)},
		)
	}
	b.bus.Emit("cyb.circuit_breaker.transition",
		map[string]any{},
		map[string]any{"circuit_breaker": b.name, "state": to.String(), "from": from.String()},
	)
}

func healthFromCounts(failures, threshold int) float64 {
	if threshold <= 0 {
		return 1.0
	}
	score := 1.0 - float64(failures)/float64(threshold)
	if score < 0 {
		score = 0
	}
	return score
}

// Registry owns one Breaker per endpoint, created lazily on first use.
type Registry struct {
	cfg config.BreakerConfig
	bus *telemetry.Bus
	m   *telemetry.Metrics

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewRegistry constructs an empty breaker Registry.
func NewRegistry(cfg config.BreakerConfig, bus *telemetry.Bus, m *telemetry.Metrics) *Registry {
	return &Registry{cfg: cfg, bus: bus, m: m, breakers: make(map[string]*Breaker)}
}

// Get returns (creating if necessary) the Breaker for the named endpoint.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.cfg, r.bus, r.m)
		r.breakers[name] = b
	}
	return b
}

// Snapshot returns the state and health score of every known endpoint, for
// the read-only operator introspection surface.
func (r *Registry) Snapshot() map[string]EndpointStatus {
	r.mu.Lock()
	names := make([]string, 0, len(r.breakers))
	breakers := make([]*Breaker, 0, len(r.breakers))
	for name, b := range r.breakers {
		names = append(names, name)
		breakers = append(breakers, b)
	}
	r.mu.Unlock()

	out := make(map[string]EndpointStatus, len(names))
	for i, name := range names {
		b := breakers[i]
		out[name] = EndpointStatus{State: b.State().String(), HealthScore: b.HealthScore()}
	}
	return out
}

// EndpointStatus is a snapshot of one breaker's state.
type EndpointStatus struct {
	State       string  `json:"state"`
	HealthScore float64 `json:"health_score"`
}
