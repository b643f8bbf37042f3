package aggregator

import (
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
)

func newTestAggregator(t *testing.T) (*Aggregator, *telemetry.Bus) {
	t.Helper()
	cfg := config.AggregatorConfig{WindowMs: 200, BucketMs: 20, EmitEveryMs: 20}
	bus := telemetry.NewBus(nil)
	a := New(cfg, bus, nil)
	t.Cleanup(a.Close)
	return a, bus
}

func TestFacts_AccumulatesBySourceAndSeverity(t *testing.T) {
	a, bus := newTestAggregator(t)

	bus.Emit("cyb.s1.rejected", map[string]any{}, map[string]any{"source": "s1", "severity": "warning"})
	bus.Emit("cyb.s1.rejected", map[string]any{}, map[string]any{"source": "s1", "severity": "warning"})
	bus.Emit("cyb.breaker.opened", map[string]any{}, map[string]any{"source": "breaker", "severity": "critical"})
	a.drainIngest()

	facts := a.Facts()
	var s1Count, breakerCount int
	for _, f := range facts {
		switch {
		case f.Source == "s1" && f.Severity == "warning":
			s1Count = f.Count
		case f.Source == "breaker" && f.Severity == "critical":
			breakerCount = f.Count
		}
	}
	if s1Count != 2 {
		t.Fatalf("s1/warning count = %d, want 2", s1Count)
	}
	if breakerCount != 1 {
		t.Fatalf("breaker/critical count = %d, want 1", breakerCount)
	}
}

func TestFacts_DefaultsSourceToEventNameWhenMetadataOmitsIt(t *testing.T) {
	a, bus := newTestAggregator(t)
	bus.Emit("cyb.custom.event", map[string]any{}, map[string]any{})
	a.drainIngest()

	facts := a.Facts()
	if len(facts) != 1 || facts[0].Source != "cyb.custom.event" {
		t.Fatalf("facts = %+v, want single fact sourced from event name", facts)
	}
}

func TestPruneAndSummarize_DropsFactsOutsideWindow(t *testing.T) {
	a, bus := newTestAggregator(t)
	bus.Emit("cyb.old.event", map[string]any{}, map[string]any{"source": "old", "severity": "info"})
	a.drainIngest()

	if len(a.Facts()) == 0 {
		t.Fatal("expected at least one fact before window expiry")
	}

	time.Sleep(400 * time.Millisecond)

	if facts := a.Facts(); len(facts) != 0 {
		t.Fatalf("facts after window expiry = %+v, want none", facts)
	}
}

func TestEmitsSummaryOnAggregatorFactsEvent(t *testing.T) {
	a, bus := newTestAggregator(t)

	seen := make(chan telemetry.Event, 8)
	bus.Attach("cybernetic.aggregator.facts", func(e telemetry.Event) { seen <- e })

	bus.Emit("cyb.s2.reserve", map[string]any{}, map[string]any{"source": "s2", "severity": "info"})
	a.drainIngest()

	select {
	case e := <-seen:
		if _, ok := e.Measurements["facts"]; !ok {
			t.Fatalf("facts emission missing 'facts' measurement: %+v", e)
		}
	case <-time.After(time.Second):
		t.Fatal("aggregator never emitted a facts summary")
	}
}
