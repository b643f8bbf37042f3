package ratelimiter

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/vsmerr"
)

func newTestLimiter(t *testing.T) *RateLimiter {
	t.Helper()
	r := New(config.EnvTest, telemetry.NewBus(nil))
	t.Cleanup(r.Close)
	return r
}

func TestWindowResetsAfterElapsed(t *testing.T) {
	r := newTestLimiter(t)
	r.RegisterBudget("b", BudgetSpec{Limit: 2, WindowMs: 10})
	ctx := context.Background()
	key := Key{Budget: "b"}

	if err := r.RequestTokens(ctx, key, "op", 0); err != nil {
		t.Fatalf("1st: %v", err)
	}
	if err := r.RequestTokens(ctx, key, "op", 0); err != nil {
		t.Fatalf("2nd: %v", err)
	}
	if err := r.RequestTokens(ctx, key, "op", 0); !errors.Is(err, vsmerr.ErrRateLimited) {
		t.Fatalf("3rd: expected rate_limited, got %v", err)
	}

	time.Sleep(25 * time.Millisecond)
	if err := r.RequestTokens(ctx, key, "op", 0); err != nil {
		t.Fatalf("after window elapsed: %v", err)
	}
}

func TestTenantIsolation(t *testing.T) {
	r := newTestLimiter(t)
	r.RegisterBudget("mcp_tools", BudgetSpec{Limit: 2, WindowMs: 60_000})
	ctx := context.Background()

	a := Key{Budget: "mcp_tools", Client: "A"}
	b := Key{Budget: "mcp_tools", Client: "B"}

	if err := r.RequestTokens(ctx, a, "op", 0); err != nil {
		t.Fatalf("A 1st: %v", err)
	}
	if err := r.RequestTokens(ctx, a, "op", 0); err != nil {
		t.Fatalf("A 2nd: %v", err)
	}
	if err := r.RequestTokens(ctx, a, "op", 0); !errors.Is(err, vsmerr.ErrRateLimited) {
		t.Fatalf("A 3rd: expected rate_limited, got %v", err)
	}
	if err := r.RequestTokens(ctx, b, "op", 0); err != nil {
		t.Fatalf("B 1st should be independent of A: %v", err)
	}
}

func TestUnknownBudget(t *testing.T) {
	r := newTestLimiter(t)
	ctx := context.Background()
	err := r.RequestTokens(ctx, Key{Budget: "nope"}, "op", 0)
	if !errors.Is(err, vsmerr.ErrUnknownBudget) {
		t.Fatalf("expected unknown_budget, got %v", err)
	}
}
