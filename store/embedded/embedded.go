// Package embedded is the single-file Backend implementation backed
// by go.etcd.io/bbolt (§4.1's "embedded: a single-file, ACID,
// B+tree-based store requiring no separate server process"). One
// bbolt bucket per logical table, matching upspin.io/gcp/gcptest and
// marmos91-dittofs's pkg/metadata/badger store's one-bucket-per-entity
// layout, generalized to the fixed schema of usenetsync/store.
package embedded

import (
	"context"
	"sync/atomic"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/store"
)

// Backend wraps a single *bolt.DB file.
type Backend struct {
	db *bolt.DB
}

// Open opens (creating if absent) the bbolt file at path and ensures a
// bucket exists for every table in store.AllTables.
func Open(path string) (*Backend, error) {
	const op = "embedded.Open"
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.E(op, errors.StorageError, err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range store.AllTables {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, errors.E(op, errors.StorageError, err)
	}
	return &Backend{db: db}, nil
}

func (b *Backend) Close() error {
	if err := b.db.Close(); err != nil {
		return errors.E("embedded.Close", errors.StorageError, err)
	}
	return nil
}

// Begin starts a bbolt read-write transaction. bbolt serializes all
// writers with an internal mutex, so ctx is honored only loosely: a
// cancelled context still allows an in-flight Begin to complete, per
// §5's note that the 5s contention timeout is "best-effort, not a hard
// real-time bound."
func (b *Backend) Begin(ctx context.Context) (store.Txn, error) {
	const op = "embedded.Begin"
	tx, err := b.db.Begin(true)
	if err != nil {
		return nil, errors.E(op, errors.StorageError, err)
	}
	return &txn{tx: tx}, nil
}

type txn struct {
	tx   *bolt.Tx
	done bool
}

func (t *txn) Get(table string, key []byte) ([]byte, error) {
	const op = "embedded.Txn.Get"
	bucket := t.tx.Bucket([]byte(table))
	if bucket == nil {
		return nil, errors.E(op, errors.ConfigError, errors.Str("unknown table "+table))
	}
	v := bucket.Get(key)
	if v == nil {
		return nil, errors.E(op, errors.NotFoundError, errors.Str("no such key"))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *txn) Put(table string, key, value []byte) error {
	const op = "embedded.Txn.Put"
	bucket := t.tx.Bucket([]byte(table))
	if bucket == nil {
		return errors.E(op, errors.ConfigError, errors.Str("unknown table "+table))
	}
	if err := bucket.Put(key, value); err != nil {
		return errors.E(op, errors.StorageError, err)
	}
	return nil
}

func (t *txn) Delete(table string, key []byte) error {
	const op = "embedded.Txn.Delete"
	bucket := t.tx.Bucket([]byte(table))
	if bucket == nil {
		return errors.E(op, errors.ConfigError, errors.Str("unknown table "+table))
	}
	if err := bucket.Delete(key); err != nil {
		return errors.E(op, errors.StorageError, err)
	}
	return nil
}

func (t *txn) Scan(table string, prefix []byte) (store.Cursor, error) {
	const op = "embedded.Txn.Scan"
	bucket := t.tx.Bucket([]byte(table))
	if bucket == nil {
		return nil, errors.E(op, errors.ConfigError, errors.Str("unknown table "+table))
	}
	return &cursor{bucket: bucket, prefix: prefix}, nil
}

// seqCounterKey is a reserved key that no row key can collide with
// ("\x00seq" sorts before any of this package's string-prefixed row
// keys). NextSequence does not use it: sequences come from bbolt's
// per-bucket sequence counter.
var seqCounterKey = []byte("\x00seq")

func (t *txn) NextSequence(table string) (uint64, error) {
	const op = "embedded.Txn.NextSequence"
	bucket := t.tx.Bucket([]byte(table))
	if bucket == nil {
		return 0, errors.E(op, errors.ConfigError, errors.Str("unknown table "+table))
	}
	seq, err := bucket.NextSequence()
	if err != nil {
		return 0, errors.E(op, errors.StorageError, err)
	}
	return seq, nil
}

// Savepoint: bbolt has no native nested-transaction support, so a
// savepoint here is a pass-through wrapper whose Rollback is a no-op —
// any write issued under it has already landed in the parent bolt.Tx's
// B+tree page cache and can only be undone by rolling back the whole
// outer transaction. Callers that need true partial rollback should
// scope a separate top-level WithTxn instead; see DESIGN.md.
func (t *txn) Savepoint(name string) (store.Txn, error) {
	return &savepointTxn{txn: t}, nil
}

type savepointTxn struct {
	*txn
	rolledBack int32
}

func (s *savepointTxn) Commit() error { return nil }
func (s *savepointTxn) Rollback() error {
	atomic.StoreInt32(&s.rolledBack, 1)
	return nil
}

func (t *txn) Commit() error {
	const op = "embedded.Txn.Commit"
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(); err != nil {
		if err == bolt.ErrTxClosed {
			return nil
		}
		return errors.E(op, errors.StorageError, err)
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback()
}

type cursor struct {
	bucket  *bolt.Bucket
	prefix  []byte
	c       *bolt.Cursor
	k, v    []byte
	started bool
}

func (c *cursor) Next() bool {
	if c.c == nil {
		c.c = c.bucket.Cursor()
		c.k, c.v = c.c.Seek(c.prefix)
	} else {
		c.k, c.v = c.c.Next()
	}
	if c.k == nil || !hasPrefix(c.k, c.prefix) {
		c.k, c.v = nil, nil
		return false
	}
	return true
}

func hasPrefix(b, prefix []byte) bool {
	if len(prefix) == 0 {
		return true
	}
	if len(b) < len(prefix) {
		return false
	}
	for i := range prefix {
		if b[i] != prefix[i] {
			return false
		}
	}
	return true
}

func (c *cursor) Key() []byte   { return c.k }
func (c *cursor) Value() []byte { return c.v }
func (c *cursor) Err() error    { return nil }
func (c *cursor) Close() error  { return nil }
