package ledger

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/cybernetic-system/core/internal/telemetry"
)

func openTestLedger(t *testing.T) *Ledger {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	l, err := Open(path, 7, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLedger_AppendAndReadAll(t *testing.T) {
	l := openTestLedger(t)

	if err := l.Append(Record{Kind: KindAlgedonic, Source: "work.finished", Severity: "pain", Payload: map[string]any{"intensity": 0.9}}); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := l.Append(Record{Kind: KindBreakerTransition, Source: "llm-provider-a", Severity: "open"}); err != nil {
		t.Fatalf("Append: %v", err)
	}

	recs, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("got %d records, want 2", len(recs))
	}
}

func TestLedger_KeysAreMonotonicallySortable(t *testing.T) {
	l := openTestLedger(t)
	now := time.Now().UTC()

	k1 := l.key(now)
	k2 := l.key(now)
	if string(k1) >= string(k2) {
		t.Fatalf("keys not monotonically increasing for equal timestamps: %q >= %q", k1, k2)
	}
}

func TestLedger_PruneOldRemovesStaleRecords(t *testing.T) {
	l := openTestLedger(t)

	old := Record{Kind: KindAlgedonic, Source: "x", Severity: "pain", Ts: time.Now().UTC().AddDate(0, 0, -30)}
	if err := l.Append(old); err != nil {
		t.Fatalf("Append old: %v", err)
	}
	fresh := Record{Kind: KindAlgedonic, Source: "y", Severity: "pleasure", Ts: time.Now().UTC()}
	if err := l.Append(fresh); err != nil {
		t.Fatalf("Append fresh: %v", err)
	}

	deleted, err := l.PruneOld()
	if err != nil {
		t.Fatalf("PruneOld: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}

	recs, err := l.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(recs) != 1 || recs[0].Source != "y" {
		t.Fatalf("unexpected remaining records: %+v", recs)
	}
}

func TestSubscriber_AlgedonicEventIsRecorded(t *testing.T) {
	l := openTestLedger(t)
	bus := telemetry.NewBus(nil)
	sub := Attach(bus, l)
	defer sub.Detach()

	bus.Emit("cyb.algedonic", map[string]any{"severity": "pain", "intensity": 0.8}, map[string]any{"source": "work.finished"})

	// AppendAsync is fire-and-forget; give it a moment to land.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		recs, err := l.ReadAll()
		if err != nil {
			t.Fatalf("ReadAll: %v", err)
		}
		if len(recs) == 1 {
			if recs[0].Kind != KindAlgedonic || recs[0].Severity != "pain" {
				t.Fatalf("unexpected record: %+v", recs[0])
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("algedonic record never landed in the ledger")
}
