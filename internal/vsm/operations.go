package vsm

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/breaker"
	"github.com/cybernetic-system/core/internal/coordinator"
	"github.com/cybernetic-system/core/internal/ratelimiter"
	"github.com/cybernetic-system/core/internal/sharedllm"
	"github.com/cybernetic-system/core/internal/telemetry"
	"github.com/cybernetic-system/core/internal/vsmerr"
	"github.com/cybernetic-system/core/internal/vsmmsg"
)

// Deps collects every protective component an S1-S5 operation may call
// into. A nil field simply means the corresponding wiring is skipped —
// callers building a partial pipeline (e.g. for a test) need not stub
// every dependency.
type Deps struct {
	Coordinator *coordinator.Coordinator
	RateLimiter *ratelimiter.RateLimiter
	Breakers    *breaker.Registry
	LLM         *sharedllm.Router
	Bus         *telemetry.Bus
	Log         *zap.Logger
}

func (d Deps) log() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// stringField reads a string out of a payload map, defaulting to def.
func stringField(payload map[string]any, key, def string) string {
	if v, ok := payload[key]; ok {
		if s, ok := v.(string); ok && s != "" {
			return s
		}
	}
	return def
}

// RegisterAll wires the fixed S1->S2->S3->S4->S5 pipeline described in
// SPEC_FULL.md §4 onto the Handlers already added to set. A system with no
// Handler in set is skipped; no Handler is constructed here.
func RegisterAll(set *Set, deps Deps) {
	RegisterS1(set, deps)
	RegisterS2(set, deps)
	RegisterS3(set, deps)
	RegisterS4(set, deps)
	RegisterS5(set, deps)
}

// RegisterS1 registers the "ingest" operation: enrich the stimulus with a
// timestamp, reserve a coordinator slot for its lane, then publish onward
// to s2.coordinate. This is the sole S1 entry point an edge gateway (out
// of scope) would call into.
func RegisterS1(set *Set, deps Deps) {
	h := set.Get(vsmmsg.S1)
	if h == nil {
		return
	}
	h.Register("ingest", func(ctx context.Context, h *Handler, payload, meta map[string]any, traceID string) error {
		lane := stringField(payload, "lane", "default")

		enriched := cloneMap(payload)
		enriched["ingested_at"] = time.Now().UTC().Format(time.RFC3339Nano)

		if deps.Coordinator != nil {
			if err := deps.Coordinator.ReserveSlot(ctx, lane); err != nil {
				deps.log().Warn("vsm: s1 ingest backpressured", zap.String("lane", lane), zap.Error(err))
				if deps.Bus != nil {
					deps.Bus.Emit("cyb.s1.rejected", map[string]any{}, map[string]any{"lane": lane, "reason": "backpressure", "trace_id": traceID})
				}
				return err
			}
			enriched["lane"] = lane
		}

		return h.Publish(ctx, "s2.coordinate", enriched, traceID)
	})
}

// RegisterS2 registers "coordinate": releases the lane's coordinator slot
// once the message has been handed off (the slot models in-flight
// admission into S2's stage, not the full pipeline), then forwards to
// s3.rate_check.
func RegisterS2(set *Set, deps Deps) {
	h := set.Get(vsmmsg.S2)
	if h == nil {
		return
	}
	h.Register("coordinate", func(ctx context.Context, h *Handler, payload, meta map[string]any, traceID string) error {
		lane := stringField(payload, "lane", "default")
		if deps.Coordinator != nil {
			deps.Coordinator.ReleaseSlot(lane)
		}
		return h.Publish(ctx, "s3.rate_check", payload, traceID)
	})
}

// RegisterS3 registers "rate_check": enforces the shared_llm budget for
// the request's tenant before admitting it to S4. A rate-limited or
// unknown-budget response is terminal for this message — nothing further
// is published — except unknown_budget, which is allow-and-log per §4.4.
func RegisterS3(set *Set, deps Deps) {
	h := set.Get(vsmmsg.S3)
	if h == nil {
		return
	}
	h.Register("rate_check", func(ctx context.Context, h *Handler, payload, meta map[string]any, traceID string) error {
		tenant := stringField(payload, "tenant", "")

		if deps.RateLimiter != nil {
			key := ratelimiter.Key{Budget: "shared_llm", Client: tenant}
			err := deps.RateLimiter.RequestTokens(ctx, key, "dispatch", 0)
			if vsmerr.IsUnknownBudget(err) {
				deps.log().Warn("vsm: s3 unknown budget, allowing", zap.String("tenant", tenant))
			} else if err != nil {
				deps.log().Warn("vsm: s3 rate check rejected", zap.String("tenant", tenant), zap.Error(err))
				return err
			}
		}

		return h.Publish(ctx, "s4.dispatch", payload, traceID)
	})
}

// RegisterS4 registers "dispatch": routes the request through the
// circuit-breaker-gated SharedLLM router for the requested operation
// (chat/embed/complete, defaulting to chat), then forwards the result to
// s5.record.
func RegisterS4(set *Set, deps Deps) {
	h := set.Get(vsmmsg.S4)
	if h == nil {
		return
	}
	h.Register("dispatch", func(ctx context.Context, h *Handler, payload, meta map[string]any, traceID string) error {
		if deps.LLM == nil {
			return h.Publish(ctx, "s5.record", payload, traceID)
		}

		tenant := stringField(payload, "tenant", "")
		operation := stringField(payload, "operation", "chat")
		params, _ := payload["params"].(map[string]any)
		endpoint := stringField(payload, "endpoint", "default")

		var (
			value any
			err   error
		)
		call := func(ctx context.Context) (any, error) {
			return llmCall(ctx, deps.LLM, operation, tenant, params)
		}
		if deps.Breakers != nil {
			value, err = breaker.Call(ctx, deps.Breakers.Get(endpoint), call)
		} else {
			value, err = call(ctx)
		}

		result := cloneMap(payload)
		if err != nil {
			result["error"] = err.Error()
		} else {
			result["result"] = value
		}
		return h.Publish(ctx, "s5.record", result, traceID)
	})
}

func llmCall(ctx context.Context, router *sharedllm.Router, operation, tenant string, params map[string]any) (any, error) {
	switch operation {
	case "embed":
		return router.Embed(ctx, tenant, params, sharedllm.Options{})
	case "complete":
		return router.Complete(ctx, tenant, params, sharedllm.Options{})
	default:
		return router.Chat(ctx, tenant, params, sharedllm.Options{})
	}
}

// RegisterS5 registers "record": the terminal policy-level step. It
// records a telemetry fact about the outcome; there is no further
// publish, closing the pipeline.
func RegisterS5(set *Set, deps Deps) {
	h := set.Get(vsmmsg.S5)
	if h == nil {
		return
	}
	h.Register("record", func(ctx context.Context, h *Handler, payload, meta map[string]any, traceID string) error {
		if deps.Bus == nil {
			return nil
		}
		outcome := "ok"
		if _, failed := payload["error"]; failed {
			outcome = "error"
		}
		deps.Bus.Emit("cyb.s5.recorded", map[string]any{}, map[string]any{"outcome": outcome, "trace_id": traceID})
		return nil
	})
}

func cloneMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}
