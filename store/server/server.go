// Package server is the Postgres-backed Backend implementation (§4.1's
// "server: a networked store multiple processes or machines share"),
// built on github.com/jackc/pgx/v5. Tables are a single generic
// key/value schema — (table text, key bytea, value bytea) with a
// unique index on (table, key) — rather than one SQL table per entity,
// so that store/rows.go's typed accessors stay backend-agnostic; a
// fully relational schema per entity is future work noted in
// DESIGN.md, not required by any §4.1 invariant (which only demands
// the same Backend contract across backends, not the same physical
// layout).
package server

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/contemptx/usenetsync/errors"
	"github.com/contemptx/usenetsync/store"
)

// Backend wraps a pgxpool.Pool.
type Backend struct {
	pool *pgxpool.Pool
}

// schemaDDL creates the generic rows table and its sequences table if
// they do not already exist.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS usenetsync_rows (
	tbl   text NOT NULL,
	key   bytea NOT NULL,
	value bytea NOT NULL,
	PRIMARY KEY (tbl, key)
);
CREATE TABLE IF NOT EXISTS usenetsync_sequences (
	tbl text PRIMARY KEY,
	n   bigint NOT NULL DEFAULT 0
);
`

// Open connects to a Postgres server at dsn and ensures the schema
// exists.
func Open(ctx context.Context, dsn string) (*Backend, error) {
	const op = "server.Open"
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.E(op, errors.StorageError, err)
	}
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		pool.Close()
		return nil, errors.E(op, errors.StorageError, err)
	}
	return &Backend{pool: pool}, nil
}

func (b *Backend) Close() error {
	b.pool.Close()
	return nil
}

// Begin starts a SERIALIZABLE transaction, matching §4.1's requirement
// that both backends surface ConflictError on write-write conflicts
// rather than silently applying last-writer-wins.
func (b *Backend) Begin(ctx context.Context) (store.Txn, error) {
	const op = "server.Begin"
	tx, err := b.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return nil, errors.E(op, errors.StorageError, err)
	}
	return &txn{ctx: ctx, tx: tx}, nil
}

type txn struct {
	ctx  context.Context
	tx   pgx.Tx
	done bool
}

func (t *txn) Get(table string, key []byte) ([]byte, error) {
	const op = "server.Txn.Get"
	var value []byte
	err := t.tx.QueryRow(t.ctx,
		`SELECT value FROM usenetsync_rows WHERE tbl = $1 AND key = $2`, table, key,
	).Scan(&value)
	if err == pgx.ErrNoRows {
		return nil, errors.E(op, errors.NotFoundError, errors.Str("no such key"))
	}
	if err != nil {
		return nil, errors.E(op, errors.StorageError, err)
	}
	return value, nil
}

func (t *txn) Put(table string, key, value []byte) error {
	const op = "server.Txn.Put"
	_, err := t.tx.Exec(t.ctx, `
		INSERT INTO usenetsync_rows (tbl, key, value) VALUES ($1, $2, $3)
		ON CONFLICT (tbl, key) DO UPDATE SET value = EXCLUDED.value
	`, table, key, value)
	if err != nil {
		return classifyWriteErr(op, err)
	}
	return nil
}

func (t *txn) Delete(table string, key []byte) error {
	const op = "server.Txn.Delete"
	_, err := t.tx.Exec(t.ctx, `DELETE FROM usenetsync_rows WHERE tbl = $1 AND key = $2`, table, key)
	if err != nil {
		return classifyWriteErr(op, err)
	}
	return nil
}

func (t *txn) Scan(table string, prefix []byte) (store.Cursor, error) {
	const op = "server.Txn.Scan"
	upper := prefixUpperBound(prefix)
	var rows pgx.Rows
	var err error
	if upper == nil {
		rows, err = t.tx.Query(t.ctx,
			`SELECT key, value FROM usenetsync_rows WHERE tbl = $1 AND key >= $2 ORDER BY key`,
			table, prefix)
	} else {
		rows, err = t.tx.Query(t.ctx,
			`SELECT key, value FROM usenetsync_rows WHERE tbl = $1 AND key >= $2 AND key < $3 ORDER BY key`,
			table, prefix, upper)
	}
	if err != nil {
		return nil, errors.E(op, errors.StorageError, err)
	}
	return &cursor{rows: rows}, nil
}

// prefixUpperBound returns the smallest byte string greater than every
// string sharing prefix, or nil if prefix is all 0xFF bytes (in which
// case the >= bound alone is exact up to the end of the keyspace).
func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix))
	copy(upper, prefix)
	for i := len(upper) - 1; i >= 0; i-- {
		if upper[i] != 0xFF {
			upper[i]++
			return upper[:i+1]
		}
	}
	return nil
}

func (t *txn) NextSequence(table string) (uint64, error) {
	const op = "server.Txn.NextSequence"
	var n int64
	err := t.tx.QueryRow(t.ctx, `
		INSERT INTO usenetsync_sequences (tbl, n) VALUES ($1, 1)
		ON CONFLICT (tbl) DO UPDATE SET n = usenetsync_sequences.n + 1
		RETURNING n
	`, table).Scan(&n)
	if err != nil {
		return 0, errors.E(op, errors.StorageError, err)
	}
	return uint64(n), nil
}

// Savepoint opens a real Postgres SAVEPOINT via pgx's nested
// transaction support.
func (t *txn) Savepoint(name string) (store.Txn, error) {
	const op = "server.Txn.Savepoint"
	nested, err := t.tx.Begin(t.ctx)
	if err != nil {
		return nil, errors.E(op, errors.StorageError, err)
	}
	return &txn{ctx: t.ctx, tx: nested}, nil
}

func (t *txn) Commit() error {
	const op = "server.Txn.Commit"
	if t.done {
		return nil
	}
	t.done = true
	if err := t.tx.Commit(t.ctx); err != nil {
		return classifyWriteErr(op, err)
	}
	return nil
}

func (t *txn) Rollback() error {
	if t.done {
		return nil
	}
	t.done = true
	return t.tx.Rollback(t.ctx)
}

// classifyWriteErr maps Postgres serialization_failure (40001) and
// deadlock_detected (40P01) SQLSTATE codes to errors.ConflictError, so
// that store.WithTxn's retry loop (§4.1) applies uniformly across both
// backends.
func classifyWriteErr(op string, err error) error {
	var pgErr interface{ SQLState() string }
	if ok := asPgError(err, &pgErr); ok {
		switch pgErr.SQLState() {
		case "40001", "40P01":
			return errors.E(op, errors.ConflictError, err)
		}
	}
	return errors.E(op, errors.StorageError, err)
}

func asPgError(err error, target *interface{ SQLState() string }) bool {
	type sqlStater interface{ SQLState() string }
	for err != nil {
		if s, ok := err.(sqlStater); ok {
			*target = s
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

type cursor struct {
	rows pgx.Rows
	k, v []byte
	err  error
}

func (c *cursor) Next() bool {
	if !c.rows.Next() {
		c.err = c.rows.Err()
		return false
	}
	if err := c.rows.Scan(&c.k, &c.v); err != nil {
		c.err = err
		return false
	}
	return true
}

func (c *cursor) Key() []byte   { return c.k }
func (c *cursor) Value() []byte { return c.v }
func (c *cursor) Err() error    { return c.err }
func (c *cursor) Close() error {
	c.rows.Close()
	return nil
}
