// Package aggregator implements the CentralAggregator: a bounded-window
// fact store that ingests every telemetry event, maintains rolling
// per-(source,severity,labels) totals, and periodically emits a summary.
//
// The windowed-map-plus-prune-loop shape is grounded on the reference
// pack's gossip quorum evaluator (per-key observation lists pruned on a
// ticker); the ordered-range-delete discipline for the event log mirrors
// the teacher's bbolt ledger key scheme, rendered here as an in-memory
// append-ordered slice instead of a disk B-tree.
package aggregator

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/telemetry"
)

// FactKey identifies one rolling-total bucket.
type FactKey struct {
	Source   string
	Severity string
	Labels   string // canonicalized, sorted "k=v,k=v" rendering
}

func canonicalLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, labels[k]))
	}
	return strings.Join(parts, ",")
}

// Fact is one summarized line in an aggregator.facts emission.
type Fact struct {
	Source   string
	Severity string
	Labels   string
	Count    int
}

type event struct {
	ts     time.Time
	ref    uint64
	bucket int64
	key    FactKey
}

type bucketKey struct {
	bucket int64
	key    FactKey
}

// Aggregator owns the events log, bucket_counts, and totals tables. All
// three are written only from the run loop; Facts() takes a read lock to
// snapshot totals for callers.
type Aggregator struct {
	cfg config.AggregatorConfig
	bus *telemetry.Bus
	m   *telemetry.Metrics

	globalHandle telemetry.Handle

	mu     sync.RWMutex
	events []event // append-ordered by (ts, ref); oldest first
	bucket map[bucketKey]int
	totals map[FactKey]int
	refSeq uint64

	ingestCh chan any
	closeCh  chan struct{}
	doneCh   chan struct{}
}

// syncReq is a barrier request: run() replies on done only once every event
// enqueued ahead of it on ingestCh has been applied to the tables.
type syncReq struct {
	done chan struct{}
}

// New constructs an Aggregator, attaches it to bus as a global telemetry
// handler, and starts its prune/summarize loop.
func New(cfg config.AggregatorConfig, bus *telemetry.Bus, m *telemetry.Metrics) *Aggregator {
	a := &Aggregator{
		cfg:      cfg,
		bus:      bus,
		m:        m,
		bucket:   make(map[bucketKey]int),
		totals:   make(map[FactKey]int),
		ingestCh: make(chan any, 1024),
		closeCh:  make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	a.globalHandle = bus.AttachAll(a.onEvent)
	go a.run()
	return a
}

// Close detaches from the bus and stops the run loop. Detaching first
// prevents callbacks into a table that's about to vanish, per §4.5.
func (a *Aggregator) Close() {
	a.bus.Detach("", a.globalHandle) // no-op for AttachAll bookkeeping key
	a.bus.DetachAll(a.globalHandle)
	close(a.closeCh)
	<-a.doneCh
}

// selfEmittedEvents are names the Aggregator itself emits. Ingesting them
// back through AttachAll would make every facts summary a fact about
// itself, growing without bound across cycles.
var selfEmittedEvents = map[string]bool{
	"cyb.aggregator.facts":        true,
	"cybernetic.aggregator.facts": true,
}

func (a *Aggregator) onEvent(evt telemetry.Event) {
	if selfEmittedEvents[evt.Name] {
		return
	}
	// A cyb.*/cybernetic.* Emit reaches AttachAll handlers twice, once under
	// each namespace; count it once, under the canonical cyb.* name.
	if strings.HasPrefix(evt.Name, "cybernetic.") {
		return
	}
	severity, _ := evt.Metadata["severity"].(string)
	source, _ := evt.Metadata["source"].(string)
	if source == "" {
		source = evt.Name
	}
	labels := map[string]string{}
	for k, v := range evt.Metadata {
		if k == "source" || k == "severity" {
			continue
		}
		if s, ok := v.(string); ok {
			labels[k] = s
		}
	}

	ts := evt.Ts
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	ref := atomic.AddUint64(&a.refSeq, 1)
	bucketMs := int64(a.cfg.BucketMs)
	if bucketMs <= 0 {
		bucketMs = 1
	}
	bucket := ts.UnixMilli() / bucketMs

	e := event{
		ts:     ts,
		ref:    ref,
		bucket: bucket,
		key:    FactKey{Source: source, Severity: severity, Labels: canonicalLabels(labels)},
	}

	select {
	case a.ingestCh <- e:
	default:
		// Bounded ingest queue: drop under flood rather than block the
		// telemetry emitter. Ingest-side failures are logged-and-dropped
		// per §7, never propagated to the emitting component.
	}
}

func (a *Aggregator) run() {
	defer close(a.doneCh)
	ticker := time.NewTicker(time.Duration(a.cfg.EmitEveryMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-a.closeCh:
			return
		case raw := <-a.ingestCh:
			switch v := raw.(type) {
			case event:
				a.insert(v)
			case syncReq:
				close(v.done)
			}
		case <-ticker.C:
			a.pruneAndSummarize()
		}
	}
}

func (a *Aggregator) insert(e event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, e)
	bk := bucketKey{bucket: e.bucket, key: e.key}
	a.bucket[bk]++
	a.totals[e.key]++
}

// pruneAndSummarize implements §4.5 steps 1–3: prune events and buckets
// outside the window, then emit a facts summary read directly from
// totals (O(|labels|), not O(buckets·|labels|)).
func (a *Aggregator) pruneAndSummarize() {
	a.mu.Lock()
	now := time.Now().UTC()
	cutoff := now.Add(-time.Duration(a.cfg.WindowMs) * time.Millisecond)

	// Ordered range delete: events is append-ordered, so the boundary is
	// a single scan from the front.
	i := 0
	for i < len(a.events) && a.events[i].ts.Before(cutoff) {
		i++
	}
	pruned := i
	if i > 0 {
		a.events = append([]event(nil), a.events[i:]...)
	}

	bucketMs := int64(a.cfg.BucketMs)
	if bucketMs <= 0 {
		bucketMs = 1
	}
	cutoffBucket := cutoff.UnixMilli() / bucketMs
	for bk, c := range a.bucket {
		if bk.bucket < cutoffBucket {
			if a.totals[bk.key] > 0 {
				a.totals[bk.key] -= c
				if a.totals[bk.key] < 0 {
					a.totals[bk.key] = 0
				}
			}
			delete(a.bucket, bk)
		}
	}
	for k, c := range a.totals {
		if c <= 0 {
			delete(a.totals, k)
		}
	}

	facts := make([]Fact, 0, len(a.totals))
	for k, c := range a.totals {
		if c > 0 {
			facts = append(facts, Fact{Source: k.Source, Severity: k.Severity, Labels: k.Labels, Count: c})
		}
	}
	a.mu.Unlock()

	if pruned > 0 && a.m != nil {
		a.m.AggregatorPruned.Add(float64(pruned))
	}

	sort.Slice(facts, func(i, j int) bool {
		if facts[i].Source != facts[j].Source {
			return facts[i].Source < facts[j].Source
		}
		return facts[i].Severity < facts[j].Severity
	})

	factsAny := make([]any, len(facts))
	for i, f := range facts {
		factsAny[i] = f
	}
	a.bus.Emit("cybernetic.aggregator.facts",
		map[string]any{"facts": factsAny},
		map[string]any{"window": a.cfg.WindowMs},
	)
}

// Facts returns the current totals snapshot without waiting for the next
// scheduled emission. Used by tests.
func (a *Aggregator) Facts() []Fact {
	a.mu.RLock()
	defer a.mu.RUnlock()
	facts := make([]Fact, 0, len(a.totals))
	for k, c := range a.totals {
		if c > 0 {
			facts = append(facts, Fact{Source: k.Source, Severity: k.Severity, Labels: k.Labels, Count: c})
		}
	}
	return facts
}

// drainIngest blocks until every event enqueued ahead of this call has been
// applied to the tables. Tests use this instead of sleeping to await an
// insert: run() drains ingestCh strictly in order, so a syncReq queued
// after prior sends only closes done once those sends have been handled.
func (a *Aggregator) drainIngest() {
	done := make(chan struct{})
	select {
	case a.ingestCh <- syncReq{done: done}:
	case <-a.closeCh:
		return
	}
	select {
	case <-done:
	case <-a.closeCh:
	}
}
