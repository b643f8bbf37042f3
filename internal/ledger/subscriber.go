package ledger

import (
	"github.com/cybernetic-system/core/internal/telemetry"
)

// Subscriber attaches a Ledger to the telemetry bus, translating algedonic
// and breaker-transition events into append-only records. It holds the
// attach handles needed to detach cleanly on shutdown.
type Subscriber struct {
	bus     *telemetry.Bus
	ledger  *Ledger
	handles []telemetry.Handle
	names   []string
}

// Attach wires l to bus for the two telemetry names the ledger records.
func Attach(bus *telemetry.Bus, l *Ledger) *Subscriber {
	s := &Subscriber{bus: bus, ledger: l}
	s.attach("cyb.algedonic", s.onAlgedonic)
	s.attach("cyb.circuit_breaker.transition", s.onBreakerTransition)
	return s
}

func (s *Subscriber) attach(name string, h telemetry.Handler) {
	s.handles = append(s.handles, s.bus.Attach(name, h))
	s.names = append(s.names, name)
}

// Detach removes every attachment made by Attach.
func (s *Subscriber) Detach() {
	for i, h := range s.handles {
		s.bus.Detach(s.names[i], h)
	}
}

func (s *Subscriber) onAlgedonic(evt telemetry.Event) {
	severity, _ := evt.Measurements["severity"].(string)
	source, _ := evt.Metadata["source"].(string)
	s.ledger.AppendAsync(Record{
		Kind:     KindAlgedonic,
		Source:   source,
		Severity: severity,
		Payload:  mergeMaps(evt.Measurements, evt.Metadata),
	})
}

func (s *Subscriber) onBreakerTransition(evt telemetry.Event) {
	name, _ := evt.Metadata["circuit_breaker"].(string)
	state, _ := evt.Metadata["state"].(string)
	s.ledger.AppendAsync(Record{
		Kind:     KindBreakerTransition,
		Source:   name,
		Severity: state,
		Payload:  mergeMaps(evt.Measurements, evt.Metadata),
	})
}

func mergeMaps(a, b map[string]any) map[string]any {
	out := make(map[string]any, len(a)+len(b))
	for k, v := range a {
		out[k] = v
	}
	for k, v := range b {
		out[k] = v
	}
	return out
}
