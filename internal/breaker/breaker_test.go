package breaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
)

func testBreaker(t *testing.T) *Breaker {
	t.Helper()
	cfg := config.BreakerConfig{Threshold: 5, TimeoutMs: 50, HalfOpenAttempts: 3}
	bus := telemetry.NewBus(nil)
	return New("upstream", cfg, bus, nil)
}

func TestBreaker_OpensAfterThresholdFailures(t *testing.T) {
	b := testBreaker(t)
	wantErr := errors.New("boom")

	for i := 0; i < 5; i++ {
		_, err := Call(context.Background(), b, func(context.Context) (int, error) {
			return 0, wantErr
		})
		if !errors.Is(err, wantErr) {
			t.Fatalf("call %d: want fn's failure, got %v", i, err)
		}
	}

	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	called := false
	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		called = true
		return 0, nil
	})
	if called {
		t.Fatal("fn must not run while circuit is open")
	}
	if err == nil || err.Error() != "circuit_open" {
		t.Fatalf("err = %v, want circuit_open", err)
	}
}

func TestBreaker_RecoversAfterTimeout(t *testing.T) {
	b := testBreaker(t)
	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), b, func(context.Context) (int, error) {
			return 0, errors.New("boom")
		})
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open", b.State())
	}

	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 3; i++ {
		_, err := Call(context.Background(), b, func(context.Context) (int, error) {
			return 1, nil
		})
		if err != nil {
			t.Fatalf("half-open call %d: unexpected error %v", i, err)
		}
	}

	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after %d successes", b.State(), 3)
	}
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := testBreaker(t)
	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), b, func(context.Context) (int, error) {
			return 0, errors.New("boom")
		})
	}
	time.Sleep(60 * time.Millisecond)

	_, err := Call(context.Background(), b, func(context.Context) (int, error) {
		return 0, errors.New("still broken")
	})
	if err == nil {
		t.Fatal("expected failure to propagate")
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %v, want open after half-open failure", b.State())
	}
}

func TestBreaker_Reset(t *testing.T) {
	b := testBreaker(t)
	for i := 0; i < 5; i++ {
		_, _ = Call(context.Background(), b, func(context.Context) (int, error) {
			return 0, errors.New("boom")
		})
	}
	b.Reset()
	if b.State() != StateClosed {
		t.Fatalf("state = %v, want closed after Reset", b.State())
	}
	_, err := Call(context.Background(), b, func(context.Context) (int, error) { return 1, nil })
	if err != nil {
		t.Fatalf("unexpected error after reset: %v", err)
	}
}

func TestRegistry_GetIsStablePerName(t *testing.T) {
	cfg := config.BreakerConfig{Threshold: 5, TimeoutMs: 50, HalfOpenAttempts: 3}
	bus := telemetry.NewBus(nil)
	reg := NewRegistry(cfg, bus, nil)

	a1 := reg.Get("llm-a")
	a2 := reg.Get("llm-a")
	b1 := reg.Get("llm-b")
	if a1 != a2 {
		t.Fatal("Get must return the same breaker instance for the same name")
	}
	if a1 == b1 {
		t.Fatal("distinct names must map to distinct breakers")
	}
}
