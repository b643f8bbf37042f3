// Package goldrush implements the telemetry -> event -> plugin chain that
// produces algedonic (pain/pleasure) signals, per SPEC_FULL.md §4.6. It
// attaches to a fixed set of telemetry events, threads each occurrence
// through an ordered plugin list, and emits an algedonic signal if the
// final message carries one.
package goldrush

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/telemetry"
)

// watchedEvents are the fixed telemetry names Goldrush attaches to.
var watchedEvents = []string{"work.finished", "work.failed", "agent.event"}

// Msg is the value threaded through the plugin chain — the Go rendering
// of the source's {event, measurements, metadata, ts, node} tuple.
type Msg struct {
	Event        string
	Measurements map[string]any
	Metadata     map[string]any
	Ts           time.Time
	Node         string

	// Severity/Category/Intensity/Source are populated by a plugin that
	// decides this occurrence deserves an algedonic signal. An empty
	// Severity means "no signal" when the chain finishes.
	Severity  string
	Category  string
	Intensity float64
	Source    string
}

// ResultKind is the plugin chain's tri-state control signal.
type ResultKind int

const (
	// ResultOK continues the chain with (possibly) a modified message.
	ResultOK ResultKind = iota
	// ResultHalt stops the chain early and emits the returned message.
	ResultHalt
	// ResultError stops the chain and drops the message — never emitted.
	ResultError
)

// Result is one plugin's verdict.
type Result struct {
	Kind ResultKind
	Msg  Msg
	Err  error
}

// Plugin processes one Msg and returns ok/halt/error. Plugins must not
// panic; Pipeline recovers around each invocation so one bad plugin never
// takes down event processing for other attachments.
type Plugin func(Msg) Result

// OK wraps msg as a continue verdict.
func OK(msg Msg) Result { return Result{Kind: ResultOK, Msg: msg} }

// Halt wraps msg as a stop-and-emit verdict.
func Halt(msg Msg) Result { return Result{Kind: ResultHalt, Msg: msg} }

// Drop wraps reason as a stop-and-drop verdict.
func Drop(reason error) Result { return Result{Kind: ResultError, Err: reason} }

// Pipeline owns the ordered plugin list and the telemetry attachments that
// feed it. One Pipeline instance is the sole mutator of nothing — plugins
// are pure functions of Msg, so there is no shared owner state to guard
// beyond the attachment handles themselves.
type Pipeline struct {
	bus     *telemetry.Bus
	node    string
	plugins []Plugin
	log     *zap.Logger

	handles []telemetry.Handle
}

// New constructs a Pipeline with the given ordered plugins and attaches it
// to the fixed Goldrush event set.
func New(bus *telemetry.Bus, node string, log *zap.Logger, plugins ...Plugin) *Pipeline {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Pipeline{bus: bus, node: node, plugins: plugins, log: log}
	for _, name := range watchedEvents {
		h := bus.Attach(name, p.onEvent)
		p.handles = append(p.handles, h)
	}
	return p
}

// Close detaches every registered attachment.
func (p *Pipeline) Close() {
	for i, h := range p.handles {
		p.bus.Detach(watchedEvents[i], h)
	}
}

func (p *Pipeline) onEvent(evt telemetry.Event) {
	msg := Msg{
		Event:        evt.Name,
		Measurements: evt.Measurements,
		Metadata:     evt.Metadata,
		Ts:           evt.Ts,
		Node:         p.node,
	}

	for _, plugin := range p.plugins {
		res := p.safeRun(plugin, msg)
		switch res.Kind {
		case ResultOK:
			msg = res.Msg
		case ResultHalt:
			msg = res.Msg
			p.emitIfSignal(msg)
			return
		case ResultError:
			p.log.Warn("goldrush: plugin dropped message", zap.Error(res.Err), zap.String("event", evt.Name))
			return
		}
	}
	p.emitIfSignal(msg)
}

func (p *Pipeline) safeRun(plugin Plugin, msg Msg) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("goldrush: plugin panicked", zap.Any("recovered", r))
			res = Drop(fmt.Errorf("plugin panic: %v", r))
		}
	}()
	return plugin(msg)
}

func (p *Pipeline) emitIfSignal(msg Msg) {
	if msg.Severity != "pain" && msg.Severity != "pleasure" {
		return
	}
	p.bus.Emit("cybernetic.algedonic",
		map[string]any{"severity": msg.Severity, "intensity": msg.Intensity},
		map[string]any{"category": msg.Category, "source": msg.Source, "node": p.node, "event": msg.Event},
	)
}

// LatencyPlugin is the built-in plugin classifying a duration measurement
// against pain/pleasure thresholds. duration >= painThreshold -> pain;
// duration <= pleasureThreshold -> pleasure; otherwise the message passes
// through unchanged.
func LatencyPlugin(painThreshold, pleasureThreshold time.Duration) Plugin {
	return func(msg Msg) Result {
		raw, ok := msg.Measurements["duration"]
		if !ok {
			return OK(msg)
		}
		d, ok := durationOf(raw)
		if !ok {
			return OK(msg)
		}

		switch {
		case d >= painThreshold:
			msg.Severity = "pain"
			msg.Category = "latency"
			msg.Intensity = intensityFromDuration(d, painThreshold)
			msg.Source = msg.Event
		case d <= pleasureThreshold:
			msg.Severity = "pleasure"
			msg.Category = "latency"
			msg.Intensity = intensityFromDuration(pleasureThreshold-d, pleasureThreshold)
			msg.Source = msg.Event
		}
		return OK(msg)
	}
}

func intensityFromDuration(d, scale time.Duration) float64 {
	if scale <= 0 {
		return 1.0
	}
	v := float64(d) / float64(scale)
	if v > 1 {
		v = 1
	}
	if v < 0 {
		v = 0
	}
	return v
}

func durationOf(v any) (time.Duration, bool) {
	switch n := v.(type) {
	case time.Duration:
		return n, true
	case float64:
		return time.Duration(n * float64(time.Second)), true
	case int:
		return time.Duration(n) * time.Millisecond, true
	case int64:
		return time.Duration(n) * time.Millisecond, true
	default:
		return 0, false
	}
}

// fieldValue resolves a dotted path ("metadata.tenant.tier") against a Msg,
// checking Measurements then Metadata at the top level before descending
// into nested maps. Used by the pattern registry's conditions.
func fieldValue(msg Msg, path string) (any, bool) {
	segs := strings.Split(path, ".")
	var cur any
	switch segs[0] {
	case "event":
		return msg.Event, true
	case "node":
		return msg.Node, true
	case "measurements":
		cur = msg.Measurements
		segs = segs[1:]
	case "metadata":
		cur = msg.Metadata
		segs = segs[1:]
	default:
		if v, ok := msg.Measurements[segs[0]]; ok {
			cur = v
			segs = segs[1:]
		} else if v, ok := msg.Metadata[segs[0]]; ok {
			cur = v
			segs = segs[1:]
		} else {
			return nil, false
		}
	}

	for _, seg := range segs {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func numberOf(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	default:
		return 0, false
	}
}
