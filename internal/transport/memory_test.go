package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/config"
	"github.com/cybernetic-system/core/internal/vsmmsg"
)

func TestInMemory_RefusesToStartInProd(t *testing.T) {
	_, err := NewInMemory(config.EnvProd, Router{}, nil, 0, nil)
	if err == nil {
		t.Fatal("expected an error constructing the in-memory transport in prod")
	}
}

func TestInMemory_DispatchesToRegisteredHandler(t *testing.T) {
	var mu sync.Mutex
	var gotOp string
	router := Router{
		vsmmsg.S2: func(ctx context.Context, sys vsmmsg.System, op string, msg vsmmsg.Message) {
			mu.Lock()
			gotOp = op
			mu.Unlock()
		},
	}

	tr, err := NewInMemory(config.EnvTest, router, nil, 4, nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer tr.Close()

	if err := tr.Publish(context.Background(), "s2.reserve", map[string]any{"lane": "a"}, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		op := gotOp
		mu.Unlock()
		if op == "reserve" {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("handler was never invoked with the expected operation")
}

func TestInMemory_UnknownRoutingKeyIsRejected(t *testing.T) {
	tr, err := NewInMemory(config.EnvTest, Router{}, nil, 4, nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer tr.Close()

	if err := tr.Publish(context.Background(), "not-a-key", nil, nil); err == nil {
		t.Fatal("expected an error for a malformed routing key")
	}
	if err := tr.Publish(context.Background(), "s9.op", nil, nil); err == nil {
		t.Fatal("expected an error for an out-of-range system number")
	}
}

func TestInMemory_SameKeyDeliveredInPublishOrder(t *testing.T) {
	var mu sync.Mutex
	var order []int

	router := Router{
		vsmmsg.S1: func(ctx context.Context, sys vsmmsg.System, op string, msg vsmmsg.Message) {
			n, _ := msg.Payload["n"].(int)
			// Simulate uneven handler latency; the per-key queue must still
			// preserve publish order despite this.
			time.Sleep(time.Duration(5-n) * time.Millisecond)
			mu.Lock()
			order = append(order, n)
			mu.Unlock()
		},
	}

	tr, err := NewInMemory(config.EnvTest, router, nil, 8, nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer tr.Close()

	for i := 0; i < 5; i++ {
		if err := tr.Publish(context.Background(), "s1.ingest", map[string]any{"n": i}, nil); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		done := len(order) == 5
		mu.Unlock()
		if done {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 5 {
		t.Fatalf("got %d deliveries, want 5", len(order))
	}
	for i, n := range order {
		if n != i {
			t.Fatalf("order = %v, want publish order 0..4", order)
		}
	}
}

func TestInMemory_CollectorObservesEveryMessage(t *testing.T) {
	var mu sync.Mutex
	var observed []string

	router := Router{
		vsmmsg.S3: func(ctx context.Context, sys vsmmsg.System, op string, msg vsmmsg.Message) {},
	}
	collector := CollectorFunc(func(m vsmmsg.Message) {
		mu.Lock()
		observed = append(observed, m.RoutingKey)
		mu.Unlock()
	})

	tr, err := NewInMemory(config.EnvTest, router, collector, 4, nil)
	if err != nil {
		t.Fatalf("NewInMemory: %v", err)
	}
	defer tr.Close()

	if err := tr.Publish(context.Background(), "s3.limit", nil, nil); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(observed) != 1 || observed[0] != "s3.limit" {
		t.Fatalf("observed = %v, want [s3.limit]", observed)
	}
}
