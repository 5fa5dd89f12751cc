package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func TestOpenWritableCreatesFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	db, err := OpenWritable(dbPath)
	if err != nil {
		t.Fatalf("OpenWritable: %v", err)
	}
	defer db.Close()

	if _, err := InitSchema(context.Background(), db, 0); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	var name string
	err = db.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='cache'`).Scan(&name)
	if err != nil {
		t.Fatalf("cache table not found: %v", err)
	}
}

func TestInitSchemaSweepsExpiredRows(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	db, err := OpenWritable(dbPath)
	if err != nil {
		t.Fatalf("OpenWritable: %v", err)
	}
	defer db.Close()

	if _, err := InitSchema(context.Background(), db, 0); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	// One live row (no expiry), one already-expired row, one still-live TTL.
	_, err = db.Exec(`INSERT INTO cache (key, value, expires_at) VALUES
		('forever', 'v', 0),
		('stale', 'v', 100),
		('future', 'v', 99999999999)`)
	if err != nil {
		t.Fatalf("seed rows: %v", err)
	}

	swept, err := InitSchema(context.Background(), db, 1000)
	if err != nil {
		t.Fatalf("second InitSchema (sweep): %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept = %d, want 1 (only 'stale')", swept)
	}

	var count int
	if err := db.QueryRow(`SELECT COUNT(*) FROM cache`).Scan(&count); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	if count != 2 {
		t.Errorf("remaining rows = %d, want 2", count)
	}
}

func TestIsBusyOnRealLockContention(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")

	writer, err := OpenWritable(dbPath)
	if err != nil {
		t.Fatalf("OpenWritable: %v", err)
	}
	defer writer.Close()
	if _, err := InitSchema(context.Background(), writer, 0); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}

	// A second writable connection holds the write lock in an open
	// transaction; the writer's insert then waits out its own
	// busy_timeout(5000) and fails with SQLITE_BUSY.
	contender, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(0)")
	if err != nil {
		t.Fatalf("open contender: %v", err)
	}
	defer contender.Close()
	contender.SetMaxOpenConns(1)

	tx, err := contender.BeginTx(context.Background(), nil)
	if err != nil {
		t.Fatalf("begin contending transaction: %v", err)
	}
	if _, err := tx.Exec(`INSERT INTO cache (key, value, expires_at) VALUES ('held', 'v', 0)`); err != nil {
		t.Fatalf("exec inside held transaction: %v", err)
	}

	_, writeErr := writer.Exec(`INSERT INTO cache (key, value, expires_at) VALUES ('other', 'v', 0)`)

	_ = tx.Rollback()

	if writeErr == nil {
		t.Skip("no lock conflict observed on this platform/driver build; cannot assert IsBusy")
	}
	if !IsBusy(writeErr) {
		t.Errorf("IsBusy(%v) = false, want true for a lock conflict", writeErr)
	}
}

func TestOpenReadOnlyRejectsWrites(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "cache.db")
	w, err := OpenWritable(dbPath)
	if err != nil {
		t.Fatalf("OpenWritable: %v", err)
	}
	if _, err := InitSchema(context.Background(), w, 0); err != nil {
		t.Fatalf("InitSchema: %v", err)
	}
	w.Close()

	ro, err := OpenReadOnly(dbPath)
	if err != nil {
		t.Fatalf("OpenReadOnly: %v", err)
	}
	defer ro.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ro.ExecContext(ctx, `INSERT INTO cache (key, value, expires_at) VALUES ('x', 'v', 0)`); err == nil {
		t.Error("write through a read-only connection should fail")
	}
}
