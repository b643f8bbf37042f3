package sharedllm

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sort"
)

// volatileParamKeys are dropped before fingerprinting: they vary between
// logically-equivalent calls (a retry with a fresh request_id, streaming
// vs non-streaming delivery of the same completion) without changing what
// is actually being asked for, per SPEC_FULL.md §3.
var volatileParamKeys = map[string]struct{}{
	"stream":     {},
	"request_id": {},
}

// Fingerprint computes the SHA-256 fingerprint over (operation,
// normalized params) per the Data Model invariant: two logically
// equivalent requests yield byte-identical fingerprints.
func Fingerprint(operation string, params map[string]any) string {
	h := sha256.New()
	fmt.Fprintf(h, "op:%s\n", operation)
	writeCanonical(h, normalize(params))
	return hex.EncodeToString(h.Sum(nil))
}

// normalize drops volatile keys, recursing into nested maps/lists. Map
// keys are coerced to strings (JSON decoding already yields string keys
// for object members; this also accepts map[any]any defensively).
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, drop := volatileParamKeys[k]; drop {
				continue
			}
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			ks := fmt.Sprintf("%v", k)
			if _, drop := volatileParamKeys[ks]; drop {
				continue
			}
			out[ks] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return t
	}
}

// writeCanonical renders a normalized value deterministically: map keys
// sorted, lists in original (significant) order, scalars via fmt's
// default verb so type (int vs float vs string) is distinguishable.
func writeCanonical(h interface{ Write([]byte) (int, error) }, v any) {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		fmt.Fprint(h, "{")
		for _, k := range keys {
			fmt.Fprintf(h, "%q:", k)
			writeCanonical(h, t[k])
			fmt.Fprint(h, ",")
		}
		fmt.Fprint(h, "}")
	case []any:
		fmt.Fprint(h, "[")
		for _, e := range t {
			writeCanonical(h, e)
			fmt.Fprint(h, ",")
		}
		fmt.Fprint(h, "]")
	case nil:
		fmt.Fprint(h, "null")
	case string:
		fmt.Fprintf(h, "%q", t)
	default:
		fmt.Fprintf(h, "%T:%v", t, t)
	}
}
