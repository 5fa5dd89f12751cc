// Package stmtcache implements a per-owner registry of prepared statements
// keyed by a stable string, with an explicit create/reset/finalize
// lifecycle so a handle is never left dangling and never shared across
// goroutines that hold different store connections.
//
// Under Go's database/sql, a *sql.Stmt already rebinds its parameters fresh
// on every Exec/Query call and carries no bound-but-not-yet-stepped state
// between calls the way a raw sqlite3_stmt does — so Reset is a documented
// no-op here, kept only so call sites keep going through the same
// prepare/use/reset-for-reuse/finalize shape as the original lifecycle.
package stmtcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// Cache maps a cache key ("<owner-id><role>" for read workers, or the SQL
// text itself for the writer) to a prepared *sql.Stmt. The zero Cache is
// not usable; use New.
type Cache struct {
	mu    sync.RWMutex
	stmts map[string]*sql.Stmt
}

// New returns an empty, ready-to-use Cache.
func New() *Cache {
	return &Cache{stmts: make(map[string]*sql.Stmt)}
}

// Prepare returns the statement bound under key, compiling and caching it
// against conn first if it is not already bound. Pass key="" to use sqlText
// itself as the cache key, the writer's convention since it has no
// per-worker owner id to namespace by.
func (c *Cache) Prepare(ctx context.Context, conn *sql.DB, sqlText, key string) (*sql.Stmt, error) {
	if key == "" {
		key = sqlText
	}

	c.mu.RLock()
	if stmt, ok := c.stmts[key]; ok {
		c.mu.RUnlock()
		return stmt, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have won the race between RUnlock and Lock.
	if stmt, ok := c.stmts[key]; ok {
		return stmt, nil
	}

	stmt, err := conn.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, fmt.Errorf("stmtcache: prepare %q: %w", key, err)
	}
	c.stmts[key] = stmt
	return stmt, nil
}

// Reset clears a statement's binding/step state so it is reusable for the
// next caller. See the package doc: under database/sql this is a no-op,
// present only so call sites keep the same lifecycle shape.
func (c *Cache) Reset(stmt *sql.Stmt) error {
	_ = stmt
	return nil
}

// Finalize destroys the handle bound under key and removes the binding.
// Used when a bind error makes a cached statement untrustworthy: the
// intent's statement is finalized and the intent is abandoned, so a
// subsequent same-id intent re-prepares from scratch instead of reusing a
// possibly corrupted handle.
func (c *Cache) Finalize(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stmt, ok := c.stmts[key]
	if !ok {
		return nil
	}
	delete(c.stmts, key)
	return stmt.Close()
}

// Cleanup finalizes every bound handle. Called exactly once at writer or
// worker shutdown.
func (c *Cache) Cleanup() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var errs []error
	for key, stmt := range c.stmts {
		if err := stmt.Close(); err != nil {
			errs = append(errs, fmt.Errorf("stmtcache: close %q: %w", key, err))
		}
		delete(c.stmts, key)
	}
	return errors.Join(errs...)
}
