package transport

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/vsmerr"
	"github.com/cybernetic-system/core/internal/vsmmsg"
)

// InMemory is the pass-through Transport: it parses the routing key prefix
// and dispatches to the registered Handler asynchronously, never on the
// calling goroutine, so a handler that publishes back into the same
// Transport (S2->S4->S2) cannot deadlock through a shared dispatcher.
//
// Per routing key, delivery order matches publish order (a per-key serial
// queue); across keys, no ordering is promised. Total concurrently running
// deliveries are capped by a semaphore sized by NewInMemory's
// maxConcurrency (§9 "Background dispatch"). Each routing key with pending
// deliveries has one draining goroutine, so the goroutine count grows with
// the number of distinct routing keys in use, not with the message count.
//
// InMemory must refuse to start in EnvProd — it is a test/dev fixture, fail
// closed per §4.2.
type InMemory struct {
	router    map[vsmmsg.System]Handler
	collector Collector
	log       *zap.Logger

	sem chan struct{}

	mu     sync.Mutex
	queues map[string]*keyQueue
	closed bool
}

type keyQueue struct {
	mu      sync.Mutex
	pending []func()
	running bool
}

// Router maps each VSM system to the Handler invoked for messages whose
// routing key resolves to that system.
type Router map[vsmmsg.System]Handler

// NewInMemory constructs an InMemory transport. Returns vsmerr.ErrNotConnected
// if env is EnvProd: the mock publisher refuses to start in production
// configuration (fail-closed per §4.2).
func NewInMemory(env config.Environment, router Router, collector Collector, maxConcurrency int, log *zap.Logger) (*InMemory, error) {
	if env == config.EnvProd {
		return nil, vsmerr.ErrNotConnected
	}
	if log == nil {
		log = zap.NewNop()
	}
	if maxConcurrency <= 0 {
		maxConcurrency = 32
	}
	return &InMemory{
		router:    router,
		collector: collector,
		log:       log,
		sem:       make(chan struct{}, maxConcurrency),
		queues:    make(map[string]*keyQueue),
	}, nil
}

// Publish parses routingKey, stamps meta, and enqueues the delivery onto
// the per-key serial queue. Returns immediately; deliveries already queued
// still run after Close.
func (t *InMemory) Publish(ctx context.Context, routingKey string, payload map[string]any, meta map[string]any) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return vsmerr.ErrNotConnected
	}
	t.mu.Unlock()

	sys, op, err := vsmmsg.ParseRoutingKey(routingKey)
	if err != nil {
		return err
	}

	msg := vsmmsg.NewMessage(routingKey, payload, meta)

	if t.collector != nil {
		t.collector.Observe(msg)
	}

	handler, ok := t.router[sys]
	if !ok {
		return vsmerr.ErrUnknownRoutingKey
	}

	task := func() {
		defer func() {
			if r := recover(); r != nil {
				t.log.Error("in-memory transport handler panicked",
					zap.String("routing_key", routingKey), zap.Any("recovered", r))
			}
		}()
		handler(context.Background(), sys, op, msg)
	}

	t.enqueue(routingKey, task)
	return nil
}

// enqueue appends task to the routing key's serial queue and, if no
// goroutine is currently draining that queue, starts one.
func (t *InMemory) enqueue(key string, task func()) {
	t.mu.Lock()
	q, ok := t.queues[key]
	if !ok {
		q = &keyQueue{}
		t.queues[key] = q
	}
	t.mu.Unlock()

	q.mu.Lock()
	q.pending = append(q.pending, task)
	start := !q.running
	if start {
		q.running = true
	}
	q.mu.Unlock()

	if start {
		go t.drain(q)
	}
}

// drain runs every pending task for one key's queue in order, acquiring
// the pool-wide semaphore for each so total in-flight handler work across
// all keys stays bounded.
func (t *InMemory) drain(q *keyQueue) {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		next := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		t.sem <- struct{}{}
		next()
		<-t.sem
	}
}

// Close marks the transport closed to new publishes. In-flight per-key
// drains are allowed to finish on their own; there is no durable state to
// reclaim.
func (t *InMemory) Close() error {
	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
