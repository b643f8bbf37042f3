// Package ratelimiter implements S3: a fixed-window token budget keyed by
// (budget_name, client). One owner goroutine serializes every check, the
// same actor-per-component shape as internal/coordinator.
package ratelimiter

import (
	"context"
	"fmt"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/vsmerr"
)

// BudgetSpec configures one named budget's fixed window.
type BudgetSpec struct {
	Limit    int
	WindowMs int
}

type windowState struct {
	count       int
	windowStart time.Time
}

// Key identifies one (budget, client) pair. Client is empty for scalar
// budgets that aren't tenant-scoped.
type Key struct {
	Budget string
	Client string
}

func (k Key) string() string {
	if k.Client == "" {
		return k.Budget
	}
	return fmt.Sprintf("%s\x00%s", k.Budget, k.Client)
}

type requestReq struct {
	key      Key
	op       string
	priority float64
	reply    chan error
}

type registerReq struct {
	budget string
	spec   BudgetSpec
}

type snapshotReq struct {
	reply chan map[string]WindowStatus
}

// WindowStatus is a point-in-time view of one (budget, client) window, for
// the read-only operator introspection surface.
type WindowStatus struct {
	Budget      string    `json:"budget"`
	Client      string    `json:"client,omitempty"`
	Count       int       `json:"count"`
	Limit       int       `json:"limit"`
	WindowStart time.Time `json:"window_start"`
}

// RateLimiter is S3.
type RateLimiter struct {
	env     config.Environment
	bus     *telemetry.Bus
	reqCh   chan any
	closeCh chan struct{}
	doneCh  chan struct{}
}

// New starts a RateLimiter owner goroutine.
func New(env config.Environment, bus *telemetry.Bus) *RateLimiter {
	r := &RateLimiter{
		env:     env,
		bus:     bus,
		reqCh:   make(chan any, 256),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the owner goroutine.
func (r *RateLimiter) Close() {
	close(r.closeCh)
	<-r.doneCh
}

// RegisterBudget declares (or redeclares) a named budget's limit/window.
func (r *RateLimiter) RegisterBudget(budget string, spec BudgetSpec) {
	select {
	case r.reqCh <- registerReq{budget: budget, spec: spec}:
	case <-r.closeCh:
	}
}

// RequestTokens checks and, if granted, consumes one token from the
// (budget, client) window. Synchronous.
func (r *RateLimiter) RequestTokens(ctx context.Context, key Key, op string, priority float64) error {
	reply := make(chan error, 1)
	select {
	case r.reqCh <- requestReq{key: key, op: op, priority: priority, reply: reply}:
	case <-r.closeCh:
		return vsmerr.ErrNotConnected
	case <-ctx.Done():
		return vsmerr.ErrTimeout
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return vsmerr.ErrTimeout
	}
}

// Snapshot returns the current window state for every (budget, client)
// pair that has made at least one request, for the read-only operator
// introspection surface.
func (r *RateLimiter) Snapshot() map[string]WindowStatus {
	reply := make(chan map[string]WindowStatus, 1)
	select {
	case r.reqCh <- snapshotReq{reply: reply}:
	case <-r.closeCh:
		return nil
	}
	select {
	case s := <-reply:
		return s
	case <-r.closeCh:
		return nil
	}
}

func (r *RateLimiter) run() {
	defer close(r.doneCh)
	specs := make(map[string]BudgetSpec)
	windows := make(map[string]*windowState)
	keyMeta := make(map[string]Key)

	for {
		select {
		case <-r.closeCh:
			return
		case raw := <-r.reqCh:
			switch req := raw.(type) {
			case registerReq:
				specs[req.budget] = req.spec
			case requestReq:
				keyMeta[req.key.string()] = req.key
				req.reply <- r.handleRequest(specs, windows, req)
			case snapshotReq:
				req.reply <- r.snapshot(specs, windows, keyMeta)
			}
		}
	}
}

func (r *RateLimiter) snapshot(specs map[string]BudgetSpec, windows map[string]*windowState, keyMeta map[string]Key) map[string]WindowStatus {
	out := make(map[string]WindowStatus, len(windows))
	for ks, ws := range windows {
		key := keyMeta[ks]
		out[ks] = WindowStatus{
			Budget:      key.Budget,
			Client:      key.Client,
			Count:       ws.count,
			Limit:       specs[key.Budget].Limit,
			WindowStart: ws.windowStart,
		}
	}
	return out
}

func (r *RateLimiter) handleRequest(specs map[string]BudgetSpec, windows map[string]*windowState, req requestReq) error {
	spec, ok := specs[req.key.Budget]
	if !ok {
		// Unknown budget is reported as its own kind regardless of
		// environment — callers (e.g. the SharedLLM router) distinguish it
		// from rate_limited and may choose to allow-and-log rather than
		// reject, per §4.4. The limiter itself never guesses the caller's
		// policy.
		r.bus.Emit("cyb.s3.rate_limit", map[string]any{}, map[string]any{
			"budget": req.key.Budget, "result": "unknown_budget", "op": req.op,
		})
		return vsmerr.ErrUnknownBudget
	}

	now := time.Now()
	ws, ok := windows[req.key.string()]
	if !ok {
		ws = &windowState{windowStart: now}
		windows[req.key.string()] = ws
	}

	if now.Sub(ws.windowStart) >= time.Duration(spec.WindowMs)*time.Millisecond {
		ws.count = 0
		ws.windowStart = now
	}

	if ws.count >= spec.Limit {
		r.bus.Emit("cyb.s3.rate_limit", map[string]any{"priority": req.priority}, map[string]any{
			"budget": req.key.Budget, "client": req.key.Client, "result": "rate_limited", "op": req.op,
		})
		return vsmerr.ErrRateLimited
	}

	ws.count++
	r.bus.Emit("cyb.s3.rate_limit", map[string]any{"priority": req.priority, "count": ws.count}, map[string]any{
		"budget": req.key.Budget, "client": req.key.Client, "result": "granted", "op": req.op,
	})
	return nil
}
