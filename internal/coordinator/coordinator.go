// Package coordinator implements S2, the fair-share slot allocator that
// admits or backpressures work per named lane. The owner runs as a single
// goroutine reading a typed request channel — the actor-per-component
// pattern from SPEC_FULL.md §5, the Go rendering of the teacher's
// single-owner-goroutine-plus-mailbox style (see internal/budget in the
// reference pack for the analogous single-owner counter discipline).
package coordinator

import (
	"context"
	"math"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/vsmerr"
)

type laneState struct {
	priority  float64
	current   int
	waitSince time.Time
	waiting   bool
}

type reserveReq struct {
	lane  string
	reply chan reserveResp
}

type reserveResp struct {
	err error
}

type releaseReq struct {
	lane string
}

type setPriorityReq struct {
	lane   string
	weight float64
}

type statsReq struct {
	reply chan map[string]int
}

// Coordinator is S2: a priority-weighted, aging-aware slot allocator.
// All mutable state is owned exclusively by the run goroutine; callers
// interact only through the request channel.
type Coordinator struct {
	cfg     config.CoordinatorConfig
	bus     *telemetry.Bus
	reqCh   chan any
	closeCh chan struct{}
	doneCh  chan struct{}
}

// New starts a Coordinator's owner goroutine and returns a handle to it.
func New(cfg config.CoordinatorConfig, bus *telemetry.Bus) *Coordinator {
	c := &Coordinator{
		cfg:     cfg,
		bus:     bus,
		reqCh:   make(chan any, 256),
		closeCh: make(chan struct{}),
		doneCh:  make(chan struct{}),
	}
	go c.run()
	return c
}

// Close stops the owner goroutine. Safe to call once.
func (c *Coordinator) Close() {
	close(c.closeCh)
	<-c.doneCh
}

// SetPriority assigns a lane's priority weight. Asynchronous, per
// SPEC_FULL.md §5: it returns once the request is queued in the owner's
// mailbox (waiting only while that mailbox is full), without waiting for
// the owner to apply it.
func (c *Coordinator) SetPriority(lane string, weight float64) {
	select {
	case c.reqCh <- setPriorityReq{lane: lane, weight: weight}:
	case <-c.closeCh:
	}
}

// ReserveSlot requests one slot for lane. Synchronous: blocks until the
// owner replies, or until ctx is cancelled (yielding vsmerr.ErrTimeout).
func (c *Coordinator) ReserveSlot(ctx context.Context, lane string) error {
	reply := make(chan reserveResp, 1)
	select {
	case c.reqCh <- reserveReq{lane: lane, reply: reply}:
	case <-c.closeCh:
		return vsmerr.ErrNotConnected
	case <-ctx.Done():
		return vsmerr.ErrTimeout
	}
	select {
	case resp := <-reply:
		return resp.err
	case <-ctx.Done():
		return vsmerr.ErrTimeout
	}
}

// ReleaseSlot releases one slot for lane, floored at 0. Asynchronous.
func (c *Coordinator) ReleaseSlot(lane string) {
	select {
	case c.reqCh <- releaseReq{lane: lane}:
	case <-c.closeCh:
	}
}

// Snapshot returns current[lane] for every known lane. Used by the
// read-only operator introspection surface.
func (c *Coordinator) Snapshot() map[string]int {
	reply := make(chan map[string]int, 1)
	select {
	case c.reqCh <- statsReq{reply: reply}:
	case <-c.closeCh:
		return nil
	}
	select {
	case m := <-reply:
		return m
	case <-c.closeCh:
		return nil
	}
}

func (c *Coordinator) run() {
	defer close(c.doneCh)
	lanes := make(map[string]*laneState)

	ensure := func(lane string) *laneState {
		ls, ok := lanes[lane]
		if !ok {
			ls = &laneState{priority: 1.0}
			lanes[lane] = ls
		}
		return ls
	}

	for {
		select {
		case <-c.closeCh:
			return
		case raw := <-c.reqCh:
			switch req := raw.(type) {
			case setPriorityReq:
				ls := ensure(req.lane)
				if req.weight >= 0 {
					ls.priority = req.weight
				}
			case releaseReq:
				ls := ensure(req.lane)
				if ls.current > 0 {
					ls.current--
				}
			case reserveReq:
				start := time.Now()
				ls := ensure(req.lane)
				granted := c.tryReserve(lanes, req.lane, ls)
				dur := time.Since(start).Seconds()

				c.bus.Emit("cyb.s2.reserve",
					map[string]any{"duration": dur, "granted": granted, "current": ls.current, "max_slots": c.cfg.MaxSlots},
					map[string]any{"lane": req.lane},
				)
				c.bus.Emit("cyb.s2.pressure",
					map[string]any{"current": ls.current, "max_slots": c.cfg.MaxSlots},
					map[string]any{"lane": req.lane},
				)

				if granted {
					req.reply <- reserveResp{err: nil}
				} else {
					req.reply <- reserveResp{err: vsmerr.ErrBackpressure}
				}
			case statsReq:
				snap := make(map[string]int, len(lanes))
				for lane, ls := range lanes {
					snap[lane] = ls.current
				}
				req.reply <- snap
			}
		}
	}
}

// tryReserve implements the fair-share algorithm from SPEC_FULL.md §4.3.
// Must be called only from run(), which owns `lanes` exclusively.
func (c *Coordinator) tryReserve(lanes map[string]*laneState, lane string, ls *laneState) bool {
	now := time.Now()

	var total float64
	for _, other := range lanes {
		total += other.priority
	}
	if total < 1.0 {
		total = 1.0
	}
	n := float64(len(lanes))

	var waited time.Duration
	if !ls.waitSince.IsZero() {
		waited = now.Sub(ls.waitSince)
	}

	agingMs := float64(c.cfg.AgingMs)
	var waitedRatio float64
	if agingMs > 0 {
		waitedRatio = waited.Seconds() * 1000 / agingMs
	}
	if waitedRatio > c.cfg.AgingCap {
		waitedRatio = c.cfg.AgingCap
	}
	agingBoostEff := c.cfg.AgingBoost * waitedRatio

	effectivePrio := ls.priority + agingBoostEff
	if effectivePrio < 0 {
		effectivePrio = 0
	}

	share := effectivePrio / (total + c.cfg.AgingBoost*n)
	cap := int(math.Round(share * float64(c.cfg.MaxSlots)))
	if cap < 1 {
		cap = 1
	}

	if ls.current < cap {
		ls.current++
		ls.waitSince = now
		ls.waiting = false
		return true
	}

	if !ls.waiting {
		ls.waitSince = now
		ls.waiting = true
	}
	return false
}
