// Package memory is an in-process Backend implementation for the
// Metadata Store (§4.1's "for tests and single-process trial runs, an
// in-memory backend satisfying the same Backend interface"). It is
// grounded on marmos91-dittofs's in-memory metadata store test double,
// generalized to usenetsync/store's Backend/Txn/Cursor contract.
//
// Durability is not provided: Close discards all state. Concurrency
// control is a single per-Backend Mutex guarding the whole dataset,
// which is adequate for tests but never used in the server or
// embedded configurations.
package memory

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/store"
)

type table struct {
	rows map[string][]byte
	seq  uint64
}

// Backend is an in-memory Backend. The zero value is not usable; call
// New.
type Backend struct {
	mu     sync.Mutex
	tables map[string]*table
	closed bool
}

// New constructs an empty Backend with one table per entry in
// store.AllTables.
func New() *Backend {
	b := &Backend{tables: make(map[string]*table)}
	for _, name := range store.AllTables {
		b.tables[name] = &table{rows: make(map[string][]byte)}
	}
	return b
}

func (b *Backend) Begin(ctx context.Context) (store.Txn, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, errors.E("memory.Begin", errors.StorageError, errors.Str("backend closed"))
	}
	return &txn{backend: b}, nil
}

func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

// txn holds its Backend's lock for its entire lifetime, giving the
// in-memory backend serializable semantics by brute force — acceptable
// for a test double, never for the embedded or server backends (§4.1
// notes those use real MVCC).
type txn struct {
	backend *Backend
	done    bool

	// staged writes, applied on Commit so that Rollback is a no-op.
	writes  []writeOp
	deletes []deleteOp
}

type writeOp struct {
	table string
	key   string
	value []byte
}

type deleteOp struct {
	table string
	key   string
}

func (t *txn) requireOpen(op string) error {
	if t.done {
		return errors.E(op, errors.StorageError, errors.Str("transaction already closed"))
	}
	return nil
}

func (t *txn) Get(tableName string, key []byte) ([]byte, error) {
	const op = "memory.Txn.Get"
	if err := t.requireOpen(op); err != nil {
		return nil, err
	}
	tb, ok := t.backend.tables[tableName]
	if !ok {
		return nil, errors.E(op, errors.ConfigError, errors.Str("unknown table "+tableName))
	}
	for _, w := range t.writes {
		if w.table == tableName && w.key == string(key) {
			return w.value, nil
		}
	}
	v, ok := tb.rows[string(key)]
	if !ok {
		return nil, errors.E(op, errors.NotFoundError, errors.Str("no such key"))
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

func (t *txn) Put(tableName string, key, value []byte) error {
	const op = "memory.Txn.Put"
	if err := t.requireOpen(op); err != nil {
		return err
	}
	if _, ok := t.backend.tables[tableName]; !ok {
		return errors.E(op, errors.ConfigError, errors.Str("unknown table "+tableName))
	}
	v := make([]byte, len(value))
	copy(v, value)
	t.writes = append(t.writes, writeOp{table: tableName, key: string(key), value: v})
	return nil
}

func (t *txn) Delete(tableName string, key []byte) error {
	const op = "memory.Txn.Delete"
	if err := t.requireOpen(op); err != nil {
		return err
	}
	t.deletes = append(t.deletes, deleteOp{table: tableName, key: string(key)})
	return nil
}

func (t *txn) Scan(tableName string, prefix []byte) (store.Cursor, error) {
	const op = "memory.Txn.Scan"
	if err := t.requireOpen(op); err != nil {
		return nil, err
	}
	tb, ok := t.backend.tables[tableName]
	if !ok {
		return nil, errors.E(op, errors.ConfigError, errors.Str("unknown table "+tableName))
	}
	merged := map[string][]byte{}
	for k, v := range tb.rows {
		merged[k] = v
	}
	for _, w := range t.writes {
		if w.table == tableName {
			merged[w.key] = w.value
		}
	}
	for _, d := range t.deletes {
		if d.table == tableName {
			delete(merged, d.key)
		}
	}
	var keys []string
	for k := range merged {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return &cursor{keys: keys, rows: merged}, nil
}

func (t *txn) NextSequence(tableName string) (uint64, error) {
	const op = "memory.Txn.NextSequence"
	if err := t.requireOpen(op); err != nil {
		return 0, err
	}
	tb, ok := t.backend.tables[tableName]
	if !ok {
		return 0, errors.E(op, errors.ConfigError, errors.Str("unknown table "+tableName))
	}
	tb.seq++
	return tb.seq, nil
}

// Savepoint returns a nested txn sharing the same staged-write log;
// a savepoint Rollback in this implementation only discards writes
// issued after it was opened.
func (t *txn) Savepoint(name string) (store.Txn, error) {
	const op = "memory.Txn.Savepoint"
	if err := t.requireOpen(op); err != nil {
		return nil, err
	}
	return &savepoint{parent: t, markWrites: len(t.writes), markDeletes: len(t.deletes)}, nil
}

func (t *txn) Commit() error {
	const op = "memory.Txn.Commit"
	if err := t.requireOpen(op); err != nil {
		return err
	}
	for _, w := range t.writes {
		t.backend.tables[w.table].rows[w.key] = w.value
	}
	for _, d := range t.deletes {
		delete(t.backend.tables[d.table].rows, d.key)
	}
	t.done = true
	t.backend.mu.Unlock() // Begin leaves the lock held; release it here on commit
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	t.backend.mu.Unlock()
	return nil
}

// savepoint is a nested scope that can be rolled back independently of
// its parent by truncating the parent's staged write/delete log back
// to the mark recorded at Savepoint() time.
type savepoint struct {
	parent      *txn
	markWrites  int
	markDeletes int
	done        bool
}

func (s *savepoint) Get(table string, key []byte) ([]byte, error)    { return s.parent.Get(table, key) }
func (s *savepoint) Put(table string, key, value []byte) error        { return s.parent.Put(table, key, value) }
func (s *savepoint) Delete(table string, key []byte) error            { return s.parent.Delete(table, key) }
func (s *savepoint) Scan(table string, prefix []byte) (store.Cursor, error) {
	return s.parent.Scan(table, prefix)
}
func (s *savepoint) NextSequence(table string) (uint64, error) { return s.parent.NextSequence(table) }
func (s *savepoint) Savepoint(name string) (store.Txn, error)  { return s.parent.Savepoint(name) }

func (s *savepoint) Commit() error {
	s.done = true
	return nil
}

func (s *savepoint) Rollback() error {
	if s.done {
		return nil
	}
	s.parent.writes = s.parent.writes[:s.markWrites]
	s.parent.deletes = s.parent.deletes[:s.markDeletes]
	s.done = true
	return nil
}

type cursor struct {
	keys []string
	rows map[string][]byte
	pos  int
}

func (c *cursor) Next() bool {
	if c.pos >= len(c.keys) {
		return false
	}
	c.pos++
	return true
}

func (c *cursor) Key() []byte   { return []byte(c.keys[c.pos-1]) }
func (c *cursor) Value() []byte { return c.rows[c.keys[c.pos-1]] }
func (c *cursor) Err() error    { return nil }
func (c *cursor) Close() error  { return nil }
