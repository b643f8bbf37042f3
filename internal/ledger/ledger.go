// Package ledger implements the optional, bbolt-backed audit trail of
// algedonic signals and circuit-breaker transitions, per SPEC_FULL.md §3's
// Ledger record expansion. It is purely additive: nothing on the hot
// decision path ever blocks on it, and a write failure is logged and
// dropped rather than surfaced to the caller.
//
// Schema (BoltDB bucket layout), adapted from the teacher's storage
// package:
//
//	/algedonic
//	    key:   fixed-width RFC 3339 nanosecond timestamp + monotonic sequence, sortable
//	    value: JSON-encoded Record{kind: "algedonic"}
//
//	/breaker
//	    key:   same scheme
//	    value: JSON-encoded Record{kind: "breaker_transition"}
//
//	/meta
//	    key:   "schema_version"
//	    value: "1"
package ledger

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// SchemaVersion is the current database schema version.
	SchemaVersion = "1"

	bucketAlgedonic = "algedonic"
	bucketBreaker   = "breaker"
	bucketMeta      = "meta"
)

// Kind identifies which bucket a Record belongs in.
type Kind string

const (
	KindAlgedonic         Kind = "algedonic"
	KindBreakerTransition Kind = "breaker_transition"
)

// Record is one audit ledger entry.
type Record struct {
	Ts       time.Time      `json:"ts"`
	Kind     Kind           `json:"kind"`
	Source   string         `json:"source"`
	Severity string         `json:"severity"`
	Payload  map[string]any `json:"payload"`
}

// Ledger wraps a BoltDB instance with typed accessors for audit records.
type Ledger struct {
	db            *bolt.DB
	retentionDays int
	log           *zap.Logger
	seq           uint64
}

// Open opens (or creates) the BoltDB database at path, initialising the
// required buckets and schema-version marker.
func Open(path string, retentionDays int, log *zap.Logger) (*Ledger, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if retentionDays <= 0 {
		retentionDays = 7
	}

	bdb, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("bolt.Open(%q): %w", path, err)
	}

	l := &Ledger{db: bdb, retentionDays: retentionDays, log: log}

	if err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAlgedonic, bucketBreaker, bucketMeta} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("CreateBucketIfNotExists(%q): %w", name, err)
			}
		}
		meta := tx.Bucket([]byte(bucketMeta))
		if meta.Get([]byte("schema_version")) == nil {
			if err := meta.Put([]byte("schema_version"), []byte(SchemaVersion)); err != nil {
				return fmt.Errorf("write schema_version: %w", err)
			}
		}
		return nil
	}); err != nil {
		_ = bdb.Close()
		return nil, fmt.Errorf("ledger initialisation failed: %w", err)
	}

	if err := l.checkSchemaVersion(); err != nil {
		_ = bdb.Close()
		return nil, err
	}

	return l, nil
}

func (l *Ledger) checkSchemaVersion() error {
	return l.db.View(func(tx *bolt.Tx) error {
		meta := tx.Bucket([]byte(bucketMeta))
		v := meta.Get([]byte("schema_version"))
		if string(v) != SchemaVersion {
			return fmt.Errorf("schema version mismatch: database has %q, node requires %q", string(v), SchemaVersion)
		}
		return nil
	})
}

// Close closes the underlying BoltDB file.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// key constructs a sortable key: a fixed-width RFC 3339 UTC timestamp with
// all nine fractional digits kept, plus a monotonic in-process sequence,
// zero-padded. Lexicographic sort = chronological sort even when two
// records share a timestamp.
func (l *Ledger) key(t time.Time) []byte {
	seq := atomic.AddUint64(&l.seq, 1)
	return []byte(fmt.Sprintf("%s_%020d", t.UTC().Format(keyTimeLayout), seq))
}

// keyTimeLayout never trims trailing fractional zeros (unlike
// time.RFC3339Nano), so every key's timestamp has the same width.
const keyTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func bucketFor(kind Kind) string {
	if kind == KindBreakerTransition {
		return bucketBreaker
	}
	return bucketAlgedonic
}

// Append writes one record. Append never blocks a caller's decision path
// on storage failure: it is expected callers invoke this from a
// best-effort subscriber, not inline with request handling.
func (l *Ledger) Append(rec Record) error {
	if rec.Ts.IsZero() {
		rec.Ts = time.Now().UTC()
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("ledger: marshal record: %w", err)
	}

	key := l.key(rec.Ts)
	return l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucketFor(rec.Kind)))
		return b.Put(key, data)
	})
}

// AppendAsync runs Append on a background goroutine and logs-and-drops
// any failure, per the "never on the hot decision path" constraint.
func (l *Ledger) AppendAsync(rec Record) {
	go func() {
		if err := l.Append(rec); err != nil {
			l.log.Warn("ledger: append failed, dropping record", zap.Error(err), zap.String("kind", string(rec.Kind)))
		}
	}()
}

// PruneOld deletes records older than the configured retention window
// from both buckets. Returns the total number of records deleted.
func (l *Ledger) PruneOld() (int, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -l.retentionDays)
	cutoffKey := []byte(cutoff.Format(keyTimeLayout))

	var deleted int
	err := l.db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAlgedonic, bucketBreaker} {
			b := tx.Bucket([]byte(name))
			c := b.Cursor()
			var toDelete [][]byte
			for k, _ := c.First(); k != nil; k, _ = c.Next() {
				if string(k) >= string(cutoffKey) {
					break
				}
				kc := make([]byte, len(k))
				copy(kc, k)
				toDelete = append(toDelete, kc)
			}
			for _, k := range toDelete {
				if err := b.Delete(k); err != nil {
					return fmt.Errorf("PruneOld delete from %s: %w", name, err)
				}
				deleted++
			}
		}
		return nil
	})
	return deleted, err
}

// ReadAll returns every record, bucket by bucket (algedonic first, then
// breaker), each bucket in key (chronological) order, for operator-side
// inspection. The two buckets are not merged by time. Not called on any
// hot path.
func (l *Ledger) ReadAll() ([]Record, error) {
	var out []Record
	err := l.db.View(func(tx *bolt.Tx) error {
		for _, name := range []string{bucketAlgedonic, bucketBreaker} {
			b := tx.Bucket([]byte(name))
			if err := b.ForEach(func(_, v []byte) error {
				var rec Record
				if err := json.Unmarshal(v, &rec); err != nil {
					return err
				}
				out = append(out, rec)
				return nil
			}); err != nil {
				return err
			}
		}
		return nil
	})
	return out, err
}
