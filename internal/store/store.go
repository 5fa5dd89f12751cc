// Package store wraps the embedded backing relational store. Concretely
// this is SQLite via the pure-Go modernc.org/sqlite driver (no cgo),
// accessed through database/sql — the same driver and pragma set
// hazyhaar-GoClode's internal/core/db.go and other_examples' queue/purge
// packages use.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlitelib "modernc.org/sqlite/lib"
)

// Schema is the sole persistent table backing the cache.
const Schema = `CREATE TABLE IF NOT EXISTS cache (
	key TEXT PRIMARY KEY NOT NULL,
	value TEXT NOT NULL,
	expires_at INTEGER DEFAULT 0
);`

// OpenWritable opens the single read/write connection to path, owned
// exclusively by the Writer Thread. It is configured the way
// hazyhaar-GoClode's Engine opens its database (WAL mode, NORMAL
// synchronous, a busy_timeout pragma) and, like other_examples'
// SQLiteQueue, is pinned to exactly one pooled connection so SQLite's
// single-writer rule is enforced by the driver as well as by the
// application's own single-writer discipline: concurrent callers on this
// handle wait for the one connection instead of opening a second one.
func OpenWritable(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open writable %q: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping writable %q: %w", path, err)
	}
	return db, nil
}

// OpenReadOnly opens one of the per-worker read-only connections: each
// worker slot holds its own, never shared with another slot. SQLite
// mode=ro rejects any write the application might accidentally attempt
// through this handle.
func OpenReadOnly(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?mode=ro&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)",
		path,
	)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open read-only %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: ping read-only %q: %w", path, err)
	}
	return db, nil
}

// InitSchema runs the boot-time sequence: create the cache table if
// missing, then delete rows whose expiry has already passed as of nowMS.
// It is not run by the Writer Thread: the daemon's main calls it once on the
// writable connection before the Writer Thread starts and before any worker
// begins serving requests. The returned count is the number of expired rows
// swept.
func InitSchema(ctx context.Context, db *sql.DB, nowMS uint64) (int64, error) {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return 0, fmt.Errorf("store: create table: %w", err)
	}

	res, err := db.ExecContext(ctx,
		`DELETE FROM cache WHERE expires_at != 0 AND expires_at <= ?`, nowMS)
	if err != nil {
		return 0, fmt.Errorf("store: sweep expired rows: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("store: sweep expired rows affected: %w", err)
	}
	return n, nil
}

// IsBusy classifies err as the backing store's transient BUSY condition. It
// unwraps modernc.org/sqlite's *sqlite.Error the same way autobrr-qui's
// internal/models/sql_errors.go classifies SQLite constraint errors,
// checking both SQLITE_BUSY and SQLITE_LOCKED (a database-is-locked
// condition raised under the shared cache mode some deployments enable,
// and which retries the same way).
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		code := sqlErr.Code()
		return code == sqlitelib.SQLITE_BUSY || code == sqlitelib.SQLITE_LOCKED
	}
	return false
}

// ReadOnlyDatabase reports whether err indicates the backing file could not
// be opened for writing, e.g. permissions or a read-only filesystem — a
// condition that should hard-exit the daemon at boot with a clear message
// rather than retry forever.
func ReadOnlyDatabase(err error) bool {
	if err == nil {
		return false
	}
	var sqlErr *sqlite.Error
	if errors.As(err, &sqlErr) {
		return sqlErr.Code() == sqlitelib.SQLITE_READONLY
	}
	return false
}
