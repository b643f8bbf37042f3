package alerts

import (
	"sync"
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
)

func testConfig() config.AlertsConfig {
	return config.AlertsConfig{
		AlertCooldownMs:          300_000,
		CriticalHealthThreshold:  0.2,
		WarningHealthThreshold:   0.5,
		MultipleFailureThreshold: 2,
	}
}

func emitOpened(bus *telemetry.Bus, provider string, score float64) {
	bus.Emit("cyb.circuit_breaker.opened",
		map[string]any{"failure_count": 5},
		map[string]any{"circuit_breaker": provider, "health_score": score},
	)
}

func TestManager_ClassifiesBySeverity(t *testing.T) {
	bus := telemetry.NewBus(nil)
	m := New(testConfig(), bus, nil)
	defer m.Close()

	var mu sync.Mutex
	var got []Alert
	seen := make(chan struct{}, 10)
	m.Register(func(a Alert) {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
		seen <- struct{}{}
	})

	emitOpened(bus, "provider-a", 0.1)
	<-seen

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 {
		t.Fatalf("got %d alerts, want 1", len(got))
	}
	if got[0].Severity != SeverityCritical {
		t.Fatalf("severity = %v, want critical", got[0].Severity)
	}
}

func TestManager_CooldownSuppressesRepeat(t *testing.T) {
	bus := telemetry.NewBus(nil)
	m := New(testConfig(), bus, nil)
	defer m.Close()

	var mu sync.Mutex
	count := 0
	seen := make(chan struct{}, 10)
	m.Register(func(a Alert) {
		mu.Lock()
		count++
		mu.Unlock()
		seen <- struct{}{}
	})

	emitOpened(bus, "provider-a", 0.1)
	<-seen

	// Second opened event for the same provider within cooldown must be
	// suppressed for the per-provider key (the aggregate keys are distinct,
	// but with a single critical provider the critical+degraded count stays
	// below threshold, so no aggregate alert fires at all).
	emitOpened(bus, "provider-a", 0.1)
	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if count != 1 {
		t.Fatalf("count = %d, want 1 (second alert should be debounced)", count)
	}
}

func TestManager_AggregateCriticalAcrossProviders(t *testing.T) {
	bus := telemetry.NewBus(nil)
	m := New(testConfig(), bus, nil)
	defer m.Close()

	var mu sync.Mutex
	var got []Alert
	seen := make(chan struct{}, 10)
	m.Register(func(a Alert) {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
		seen <- struct{}{}
	})

	emitOpened(bus, "provider-a", 0.1)
	<-seen
	emitOpened(bus, "provider-b", 0.1)
	<-seen // per-provider alert for b
	<-seen // aggregate critical alert

	mu.Lock()
	defer mu.Unlock()
	foundAggregate := false
	for _, a := range got {
		if a.Key == "aggregate:critical" {
			foundAggregate = true
		}
	}
	if !foundAggregate {
		t.Fatalf("expected an aggregate:critical alert, got %+v", got)
	}
}

func TestManager_HandlerPanicDoesNotBlockOthers(t *testing.T) {
	bus := telemetry.NewBus(nil)
	m := New(testConfig(), bus, nil)
	defer m.Close()

	seen := make(chan struct{}, 1)
	m.Register(func(a Alert) { panic("boom") })
	m.Register(func(a Alert) { seen <- struct{}{} })

	emitOpened(bus, "provider-a", 0.1)

	select {
	case <-seen:
	case <-time.After(time.Second):
		t.Fatal("second handler never ran after first handler panicked")
	}
}
