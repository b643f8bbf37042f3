// Package sharedllm implements the Shared-LLM Router: in-flight request
// deduplication and fingerprint-based coalescing over the (out-of-scope)
// LLM provider pool, per SPEC_FULL.md §4.7. The router itself never talks
// to a provider directly — it calls an injected Upstream, keeping actual
// inference a collaborator contract rather than something this core
// implements (§1 Non-goals).
package sharedllm

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/ratelimiter"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/vsmerr"
)

// Upstream performs the actual provider call. Operation is one of
// "chat", "embed", "complete". Implementations are out of scope for this
// core (§1) — production wiring points this at the LLM provider pool.
type Upstream interface {
	Call(ctx context.Context, operation string, params map[string]any) (any, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, operation string, params map[string]any) (any, error)

// Call implements Upstream.
func (f UpstreamFunc) Call(ctx context.Context, operation string, params map[string]any) (any, error) {
	return f(ctx, operation, params)
}

// Options configures a single chat/embed/complete call.
type Options struct {
	BypassCache bool
}

type waiter struct {
	reply chan result
}

type result struct {
	value any
	err   error
}

type inflightEntry struct {
	waiters []waiter
}

type cacheEntry struct {
	value   any
	err     error
	storeTs time.Time
}

// Stats mirrors the fields enumerated in §4.7.
type Stats struct {
	TotalRequests int64            `json:"total_requests"`
	CacheHits     int64            `json:"cache_hits"`
	CacheMisses   int64            `json:"cache_misses"`
	Deduplicated  int64            `json:"deduplicated"`
	Errors        int64            `json:"errors"`
	BySource      map[string]int64 `json:"by_source"`
	ByOperation   map[string]int64 `json:"by_operation"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	HitRate       float64          `json:"hit_rate"`
}

// Router is the Shared-LLM dedup/coalescing router. One owner goroutine
// serializes admission (rate limit, in-flight cap, fingerprint lookup);
// upstream calls themselves run on ephemeral worker goroutines that report
// completion back to the owner via a completeMsg, never mutating owner
// state directly.
type Router struct {
	cfg      config.SharedLLMConfig
	env      config.Environment
	rl       *ratelimiter.RateLimiter
	upstream Upstream
	bus      *telemetry.Bus
	m        *telemetry.Metrics
	log      *zap.Logger
	startTs  time.Time

	reqCh   chan any
	closeCh chan struct{}
	doneCh  chan struct{}

	totalRequests int64
	cacheHits     int64
	cacheMisses   int64
	deduplicated  int64
	errorsTotal   int64
}

type callReq struct {
	tenant    string
	operation string
	params    map[string]any
	opts      Options
	reply     chan result
}

type completeMsg struct {
	fingerprint string
	value       any
	err         error
}

type statsReq struct {
	reply chan Stats
}

// New constructs and starts a Router.
func New(cfg config.SharedLLMConfig, env config.Environment, rl *ratelimiter.RateLimiter, upstream Upstream, bus *telemetry.Bus, m *telemetry.Metrics, log *zap.Logger) *Router {
	if log == nil {
		log = zap.NewNop()
	}
	r := &Router{
		cfg:      cfg,
		env:      env,
		rl:       rl,
		upstream: upstream,
		bus:      bus,
		m:        m,
		log:      log,
		startTs:  time.Now(),
		reqCh:    make(chan any, 256),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go r.run()
	return r
}

// Close stops the owner goroutine.
func (r *Router) Close() {
	close(r.closeCh)
	<-r.doneCh
}

// Chat issues a dedup-coalesced chat completion request.
func (r *Router) Chat(ctx context.Context, tenant string, params map[string]any, opts Options) (any, error) {
	return r.call(ctx, tenant, "chat", params, opts)
}

// Embed issues a dedup-coalesced embedding request.
func (r *Router) Embed(ctx context.Context, tenant string, params map[string]any, opts Options) (any, error) {
	return r.call(ctx, tenant, "embed", params, opts)
}

// Complete issues a dedup-coalesced completion request.
func (r *Router) Complete(ctx context.Context, tenant string, params map[string]any, opts Options) (any, error) {
	return r.call(ctx, tenant, "complete", params, opts)
}

func (r *Router) call(ctx context.Context, tenant, operation string, params map[string]any, opts Options) (any, error) {
	atomic.AddInt64(&r.totalRequests, 1)

	budgetKey := ratelimiter.Key{Budget: "shared_llm", Client: tenant}
	rlCtx, cancel := context.WithTimeout(ctx, time.Duration(r.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()
	if r.rl == nil && r.env.FailClosed() {
		// No rate limiter to consult: production fails closed.
		atomic.AddInt64(&r.errorsTotal, 1)
		return nil, vsmerr.ErrNotConnected
	}
	if r.rl != nil {
		err := r.rl.RequestTokens(rlCtx, budgetKey, operation, 0)
		switch {
		case err == nil:
			// granted, proceed
		case vsmerr.IsUnknownBudget(err):
			// "allow and log" per §4.4 — the limiter has no opinion on a
			// budget it was never told about, so the router treats that
			// as permissive regardless of environment.
			r.log.Warn("sharedllm: unknown budget, allowing", zap.String("tenant", tenant))
		default:
			atomic.AddInt64(&r.errorsTotal, 1)
			r.emit(operation, "rate_limited")
			return nil, err
		}
	}

	reply := make(chan result, 1)
	select {
	case r.reqCh <- callReq{tenant: tenant, operation: operation, params: params, opts: opts, reply: reply}:
	case <-r.closeCh:
		return nil, vsmerr.ErrNotConnected
	case <-ctx.Done():
		return nil, vsmerr.ErrTimeout
	}

	select {
	case res := <-reply:
		if res.err != nil {
			atomic.AddInt64(&r.errorsTotal, 1)
			r.emit(operation, "error")
		} else {
			r.emit(operation, "ok")
		}
		return res.value, res.err
	case <-ctx.Done():
		return nil, vsmerr.ErrTimeout
	}
}

func (r *Router) emit(operation, outcome string) {
	if r.bus == nil {
		return
	}
	r.bus.Emit("cyb.shared_llm.request", map[string]any{}, map[string]any{
		"operation": operation, "outcome": outcome,
	})
}

func (r *Router) run() {
	defer close(r.doneCh)
	inflight := make(map[string]*inflightEntry)
	cache := make(map[string]cacheEntry)
	bySource := make(map[string]int64)
	byOperation := make(map[string]int64)

	for {
		select {
		case <-r.closeCh:
			return
		case raw := <-r.reqCh:
			switch req := raw.(type) {
			case callReq:
				r.handleCall(inflight, cache, bySource, byOperation, req)
			case completeMsg:
				r.handleComplete(inflight, cache, req)
			case statsReq:
				req.reply <- r.snapshot(bySource, byOperation)
			}
		}
	}
}

func (r *Router) handleCall(inflight map[string]*inflightEntry, cache map[string]cacheEntry, bySource, byOperation map[string]int64, req callReq) {
	byOperation[req.operation]++
	bySource[req.tenant]++

	fp := Fingerprint(req.operation, req.params)

	// §3's Data Model invariant is the authoritative reading here: the cap
	// bounds new distinct in-flight requests, not ones that will coalesce
	// onto an already-registered fingerprint.
	if _, exists := inflight[fp]; !exists && len(inflight) >= r.cfg.MaxInFlight {
		req.reply <- result{err: vsmerr.ErrTooManyRequests}
		return
	}

	if r.cfg.CacheEnabled && !req.opts.BypassCache {
		if ce, ok := cache[fp]; ok && time.Since(ce.storeTs) < time.Duration(r.cfg.CacheTTLMs)*time.Millisecond {
			atomic.AddInt64(&r.cacheHits, 1)
			req.reply <- result{value: ce.value, err: ce.err}
			return
		}
		atomic.AddInt64(&r.cacheMisses, 1)
	}

	if entry, ok := inflight[fp]; ok {
		entry.waiters = append(entry.waiters, waiter{reply: req.reply})
		atomic.AddInt64(&r.deduplicated, 1)
		return
	}

	inflight[fp] = &inflightEntry{waiters: []waiter{{reply: req.reply}}}
	if r.m != nil {
		r.m.LLMInFlight.Set(float64(len(inflight)))
	}

	go r.dispatchUpstream(fp, req.operation, req.params)
}

// dispatchUpstream runs on an ephemeral worker; it never touches owner
// state directly, reporting completion back through the request channel.
func (r *Router) dispatchUpstream(fp, operation string, params map[string]any) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(r.cfg.TimeoutMs)*time.Millisecond)
	defer cancel()

	value, err := r.safeCall(ctx, operation, params)

	select {
	case r.reqCh <- completeMsg{fingerprint: fp, value: value, err: err}:
	case <-r.closeCh:
	}
}

func (r *Router) safeCall(ctx context.Context, operation string, params map[string]any) (value any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error("sharedllm: upstream panicked", zap.Any("recovered", rec))
			err = vsmerr.ErrTimeout
		}
	}()
	if r.upstream == nil {
		return nil, vsmerr.ErrNotConnected
	}
	return r.upstream.Call(ctx, operation, params)
}

func (r *Router) handleComplete(inflight map[string]*inflightEntry, cache map[string]cacheEntry, req completeMsg) {
	entry, ok := inflight[req.fingerprint]
	if !ok {
		return // orphan reply for a fingerprint already cleaned up; drop.
	}
	delete(inflight, req.fingerprint)
	if r.m != nil {
		r.m.LLMInFlight.Set(float64(len(inflight)))
	}

	if r.cfg.CacheEnabled {
		cache[req.fingerprint] = cacheEntry{value: req.value, err: req.err, storeTs: time.Now()}
	}

	for _, w := range entry.waiters {
		w.reply <- result{value: req.value, err: req.err}
	}
}

func (r *Router) snapshot(bySource, byOperation map[string]int64) Stats {
	total := atomic.LoadInt64(&r.totalRequests)
	hits := atomic.LoadInt64(&r.cacheHits)
	misses := atomic.LoadInt64(&r.cacheMisses)

	var hitRate float64
	if hits+misses > 0 {
		hitRate = float64(hits) / float64(hits+misses)
	}

	bs := make(map[string]int64, len(bySource))
	for k, v := range bySource {
		bs[k] = v
	}
	bo := make(map[string]int64, len(byOperation))
	for k, v := range byOperation {
		bo[k] = v
	}

	return Stats{
		TotalRequests: total,
		CacheHits:     hits,
		CacheMisses:   misses,
		Deduplicated:  atomic.LoadInt64(&r.deduplicated),
		Errors:        atomic.LoadInt64(&r.errorsTotal),
		BySource:      bs,
		ByOperation:   bo,
		UptimeSeconds: time.Since(r.startTs).Seconds(),
		HitRate:       hitRate,
	}
}

// Stats returns a point-in-time snapshot of router statistics.
func (r *Router) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case r.reqCh <- statsReq{reply: reply}:
	case <-r.closeCh:
		return Stats{}
	}
	select {
	case s := <-reply:
		return s
	case <-r.closeCh:
		return Stats{}
	}
}

