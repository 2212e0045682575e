// Package store is the Metadata Store (C1): a transactional,
// durably-committed key/value+relational store with two interchangeable
// backends (§4.1). Every other component talks to the single Backend
// interface defined here; nothing above this package branches on which
// concrete backend is in use, per §4.1's "single abstract contract."
//
// The shape — a narrow Backend/Txn contract with typed accessors
// layered on top in this package — is grounded on
// marmos91-dittofs/pkg/metadata's MetadataStore interface (one
// interface, multiple store/{memory,badger,postgres} implementations
// selected by configuration) generalized to this spec's entities
// (§3) and the fixed logical schema of §4.1. The teacher's own
// store/ package (a GCP blob server speaking upspin's StoreServer
// protocol) solves a different problem — content-addressable blob
// storage, which this spec's wire/substrate layer (C5) owns instead —
// so it is not reused here; see DESIGN.md.
package store

import (
	"context"
	"encoding/binary"
	"encoding/json"

	"github.com/contemptx/usenetsync/errors"
)

// Logical table names, matching the schema enumerated in §4.1.
const (
	TableUsers            = "users"
	TableFolders          = "folders"
	TableFiles            = "files"
	TableDirEntries       = "dir_entries"
	TableSegments         = "segments"
	TablePacks            = "packs"
	TablePackMembers      = "pack_members"
	TableShares           = "shares"
	TableCommitments      = "commitments"
	TableUploadSessions   = "upload_sessions"
	TableUploadQueue      = "upload_queue"
	TableDownloadSessions = "download_sessions"
	TableDownloadQueue    = "download_queue"
	TableServerCreds      = "server_credentials"
	TableMigrations       = "migrations"
)

// AllTables lists every logical table a backend must be able to open
// a bucket/namespace for at construction time.
var AllTables = []string{
	TableUsers, TableFolders, TableFiles, TableDirEntries, TableSegments,
	TablePacks, TablePackMembers, TableShares, TableCommitments,
	TableUploadSessions, TableUploadQueue, TableDownloadSessions,
	TableDownloadQueue, TableServerCreds, TableMigrations,
}

// Cursor iterates a table in key order, used for the "stream a cursor
// over a large result set without materializing" contract of §4.1.
type Cursor interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// Txn is one transaction, nestable via Savepoint, matching §4.1's
// "begin/commit/abort a transaction (nestable via savepoints)."
type Txn interface {
	Get(table string, key []byte) ([]byte, error)
	Put(table string, key, value []byte) error
	Delete(table string, key []byte) error

	// Scan returns a Cursor over all keys in table with the given
	// prefix, in key order (§4.1: "range queries on indexed columns
	// return rows in index order").
	Scan(table string, prefix []byte) (Cursor, error)

	// NextSequence atomically increments and returns table's
	// monotonic counter, used for folder versions and queue sequence
	// ids (§4.1).
	NextSequence(table string) (uint64, error)

	// Savepoint opens a nested transaction scope named name.
	Savepoint(name string) (Txn, error)

	Commit() error
	Rollback() error
}

// Backend is the durable engine underneath a Store. Embedded
// (single-file) and server-backed implementations both satisfy this
// interface identically (§4.1).
type Backend interface {
	// Begin starts a new transaction. ctx bounds how long the caller
	// is willing to wait to acquire it (§5: "transaction 5s under
	// contention before abort-and-retry").
	Begin(ctx context.Context) (Txn, error)
	Close() error
}

// Store is the typed facade every other component uses. It knows
// nothing about bbolt or pgx; it only calls Backend.
type Store struct {
	backend Backend
}

// Open wraps an already-constructed Backend (embedded or server) in
// the typed Store facade.
func Open(backend Backend) *Store {
	return &Store{backend: backend}
}

// Close releases the underlying backend's resources.
func (s *Store) Close() error { return s.backend.Close() }

// WithTxn runs fn inside one transaction, committing on success and
// rolling back if fn returns an error or panics. Serialization
// conflicts are retried locally up to a small budget per §7:
// "ConflictError is always retried locally by the affected component
// up to a small budget; exceeding it becomes a StorageError."
func (s *Store) WithTxn(ctx context.Context, fn func(Txn) error) (err error) {
	const op = "store.WithTxn"
	const maxAttempts = 5
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		txn, err := s.backend.Begin(ctx)
		if err != nil {
			return errors.E(op, errors.StorageError, err)
		}
		if ferr := runTxn(txn, fn); ferr != nil {
			if errors.Is(errors.ConflictError, ferr) {
				lastErr = ferr
				continue
			}
			return ferr
		}
		if cerr := txn.Commit(); cerr != nil {
			if errors.Is(errors.ConflictError, cerr) {
				lastErr = cerr
				continue
			}
			return errors.E(op, errors.StorageError, cerr)
		}
		return nil
	}
	return errors.E(op, errors.StorageError, errors.Str("serialization conflict budget exceeded"), lastErr)
}

// runTxn invokes fn and rolls the transaction back on any error,
// including a panic, which it re-raises after rollback.
func runTxn(txn Txn, fn func(Txn) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			txn.Rollback()
			panic(r)
		}
	}()
	if err = fn(txn); err != nil {
		txn.Rollback()
		return err
	}
	return nil
}

func encodeKey(id uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, id)
	return b
}

func decodeKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeValue(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, errors.E("store.encodeValue", errors.StorageError, err)
	}
	return b, nil
}

func decodeValue(b []byte, v interface{}) error {
	if err := json.Unmarshal(b, v); err != nil {
		return errors.E("store.decodeValue", errors.StorageError, err)
	}
	return nil
}
