package goldrush

import (
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/telemetry"
)

func TestLatencyPlugin_PainOnSlowWork(t *testing.T) {
	bus := telemetry.NewBus(nil)
	var got telemetry.Event
	seen := make(chan struct{}, 1)
	bus.Attach("cyb.algedonic", func(e telemetry.Event) {
		got = e
		seen <- struct{}{}
	})

	p := New(bus, "node-1", nil, LatencyPlugin(500*time.Millisecond, 10*time.Millisecond))
	defer p.Close()

	bus.Emit("work.finished", map[string]any{"duration": 750 * time.Millisecond}, map[string]any{})

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for algedonic signal")
	}

	if got.Measurements["severity"] != "pain" {
		t.Fatalf("severity = %v, want pain", got.Measurements["severity"])
	}
	if got.Metadata["category"] != "latency" {
		t.Fatalf("category = %v, want latency", got.Metadata["category"])
	}
}

func TestLatencyPlugin_PleasureOnFastWork(t *testing.T) {
	bus := telemetry.NewBus(nil)
	seen := make(chan telemetry.Event, 1)
	bus.Attach("cyb.algedonic", func(e telemetry.Event) { seen <- e })

	p := New(bus, "node-1", nil, LatencyPlugin(500*time.Millisecond, 10*time.Millisecond))
	defer p.Close()

	bus.Emit("work.finished", map[string]any{"duration": 2 * time.Millisecond}, map[string]any{})

	select {
	case e := <-seen:
		if e.Measurements["severity"] != "pleasure" {
			t.Fatalf("severity = %v, want pleasure", e.Measurements["severity"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for algedonic signal")
	}
}

func TestLatencyPlugin_NoSignalInBetween(t *testing.T) {
	bus := telemetry.NewBus(nil)
	seen := make(chan telemetry.Event, 1)
	bus.Attach("cyb.algedonic", func(e telemetry.Event) { seen <- e })

	p := New(bus, "node-1", nil, LatencyPlugin(500*time.Millisecond, 10*time.Millisecond))
	defer p.Close()

	bus.Emit("work.finished", map[string]any{"duration": 100 * time.Millisecond}, map[string]any{})

	select {
	case e := <-seen:
		t.Fatalf("unexpected algedonic signal: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPatternPlugin_SecurityAnomaly(t *testing.T) {
	bus := telemetry.NewBus(nil)
	seen := make(chan telemetry.Event, 1)
	bus.Attach("cyb.algedonic", func(e telemetry.Event) { seen <- e })

	p := New(bus, "node-1", nil, PatternPlugin(SecurityAnomalyRule(0.8)))
	defer p.Close()

	bus.Emit("agent.event", map[string]any{"anomaly_score": 0.95}, map[string]any{})

	select {
	case e := <-seen:
		if e.Metadata["category"] != "security_anomaly" {
			t.Fatalf("category = %v, want security_anomaly", e.Metadata["category"])
		}
		if e.Measurements["intensity"] != 1.0 {
			t.Fatalf("intensity = %v, want 1.0", e.Measurements["intensity"])
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for algedonic signal")
	}
}

func TestPatternPlugin_BelowThresholdPassesThrough(t *testing.T) {
	bus := telemetry.NewBus(nil)
	seen := make(chan telemetry.Event, 1)
	bus.Attach("cyb.algedonic", func(e telemetry.Event) { seen <- e })

	p := New(bus, "node-1", nil, PatternPlugin(SecurityAnomalyRule(0.8)))
	defer p.Close()

	bus.Emit("agent.event", map[string]any{"anomaly_score": 0.2}, map[string]any{})

	select {
	case e := <-seen:
		t.Fatalf("unexpected algedonic signal: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipeline_PluginPanicIsRecovered(t *testing.T) {
	bus := telemetry.NewBus(nil)
	seen := make(chan telemetry.Event, 1)
	bus.Attach("cyb.algedonic", func(e telemetry.Event) { seen <- e })

	panicky := func(msg Msg) Result { panic("boom") }
	p := New(bus, "node-1", nil, panicky, LatencyPlugin(500*time.Millisecond, 0))
	defer p.Close()

	// Must not crash the test process; the event is simply dropped by the
	// panicking plugin, so no signal should arrive.
	bus.Emit("work.finished", map[string]any{"duration": 999 * time.Millisecond}, map[string]any{})

	select {
	case e := <-seen:
		t.Fatalf("unexpected signal after plugin panic: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestPipeline_OnlyWatchedEventsAreProcessed(t *testing.T) {
	bus := telemetry.NewBus(nil)
	seen := make(chan telemetry.Event, 1)
	bus.Attach("cyb.algedonic", func(e telemetry.Event) { seen <- e })

	p := New(bus, "node-1", nil, LatencyPlugin(0, -time.Hour))
	defer p.Close()

	bus.Emit("unrelated.event", map[string]any{"duration": time.Hour}, map[string]any{})

	select {
	case e := <-seen:
		t.Fatalf("unexpected signal for unwatched event: %+v", e)
	case <-time.After(100 * time.Millisecond):
	}
}
