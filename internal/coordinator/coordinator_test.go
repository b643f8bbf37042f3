package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/vsmerr"
)

func newTestCoordinator(t *testing.T) *Coordinator {
	t.Helper()
	cfg := config.CoordinatorConfig{MaxSlots: 8, AgingMs: 2000, AgingBoost: 0.5, AgingCap: 3.0}
	bus := telemetry.NewBus(nil)
	c := New(cfg, bus)
	t.Cleanup(c.Close)
	return c
}

func TestReserveSlotGrantsUpToCapAndBackpressuresAfter(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	c.SetPriority("hi", 10.0)
	c.SetPriority("lo", 1.0)
	time.Sleep(10 * time.Millisecond)

	granted := 0
	var lastErr error
	for i := 0; i < 16; i++ {
		err := c.ReserveSlot(ctx, "hi")
		if err == nil {
			granted++
		} else {
			lastErr = err
			break
		}
	}
	if granted == 0 {
		t.Fatalf("expected at least one grant for hi lane")
	}
	if lastErr != vsmerr.ErrBackpressure {
		t.Fatalf("expected eventual backpressure, got %v", lastErr)
	}
}

func TestHighPriorityGetsAtLeastAsManySlotsAsLowPriority(t *testing.T) {
	c := newTestCoordinator(t)
	ctx := context.Background()

	c.SetPriority("hi", 10.0)
	c.SetPriority("lo", 1.0)
	time.Sleep(10 * time.Millisecond)

	hiGranted := 0
	for {
		if err := c.ReserveSlot(ctx, "hi"); err != nil {
			break
		}
		hiGranted++
	}
	c.ReleaseSlot("hi")

	loGranted := 0
	for i := 0; i < 4; i++ {
		if err := c.ReserveSlot(ctx, "lo"); err == nil {
			loGranted++
		}
	}
	for i := 0; i < 4; i++ {
		if err := c.ReserveSlot(ctx, "hi"); err == nil {
			hiGranted++
		}
	}

	if hiGranted == 0 {
		t.Fatalf("expected hi lane to receive grants")
	}
	if hiGranted < loGranted {
		t.Fatalf("expected hi_reserved_total (%d) >= lo_reserved_total (%d)", hiGranted, loGranted)
	}
}

func TestStarvedLaneGrantedWithinAgingWindow(t *testing.T) {
	cfg := config.CoordinatorConfig{MaxSlots: 8, AgingMs: 2000, AgingBoost: 0.5, AgingCap: 3.0}
	bus := telemetry.NewBus(nil)
	c := New(cfg, bus)
	defer c.Close()
	ctx := context.Background()

	c.SetPriority("hi", 100.0)
	c.SetPriority("lo", 1.0)
	time.Sleep(10 * time.Millisecond)

	// Flood hi to saturate all slots.
	for i := 0; i < 8; i++ {
		_ = c.ReserveSlot(ctx, "hi")
	}

	deadline := time.Now().Add(time.Duration(cfg.AgingCap*float64(cfg.AgingMs)) * time.Millisecond)
	granted := false
	for time.Now().Before(deadline.Add(500 * time.Millisecond)) {
		if err := c.ReserveSlot(ctx, "lo"); err == nil {
			granted = true
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if !granted {
		t.Fatalf("expected lo lane to be granted within aging_cap*aging_ms")
	}
}

func TestReleaseSlotFloorsAtZero(t *testing.T) {
	c := newTestCoordinator(t)
	c.ReleaseSlot("never-reserved")
	time.Sleep(10 * time.Millisecond)
	snap := c.Snapshot()
	if got := snap["never-reserved"]; got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}
