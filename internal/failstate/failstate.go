// Package failstate persists the per-store retry/backoff bookkeeping
// described for driver-level failures: how many times a store has
// failed in a row, what kind of failure it was, and when it is next
// eligible to retry. It survives process restarts in a SQLite database
// (modernc.org/sqlite, the same driver and WAL pragmas the rest of the
// ambient stack uses for persistence) so a channel that is backing off
// after a FAIL_WAIT doesn't get retried on every invocation regardless.
package failstate

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/boxsync/boxsync/internal/store"
)

// DB wraps the underlying connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens or creates the fail-state database at path.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create fail-state directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(30000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)", path)
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open fail-state db: %w", err)
	}
	sqlDB.SetMaxOpenConns(4)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping fail-state db: %w", err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("chmod fail-state db: %w", err)
	}

	db := &DB{DB: sqlDB, path: path}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS store_fail_state (
			store_name   TEXT PRIMARY KEY,
			kind         INTEGER NOT NULL,
			streak       INTEGER NOT NULL DEFAULT 0,
			last_failure DATETIME,
			retry_after  DATETIME
		)
	`)
	if err != nil {
		return fmt.Errorf("migrate fail-state schema: %w", err)
	}
	return nil
}

// Entry is one store's retry bookkeeping.
type Entry struct {
	Kind       store.FailKind
	Streak     int
	LastFailure time.Time
	RetryAfter  time.Time
}

// Get returns the current entry for storeName, or the zero Entry (Kind
// FailNone) if the store has no recorded failures.
func (db *DB) Get(storeName string) (Entry, error) {
	var e Entry
	var last, retry sql.NullTime
	row := db.QueryRow(`SELECT kind, streak, last_failure, retry_after FROM store_fail_state WHERE store_name = ?`, storeName)
	err := row.Scan(&e.Kind, &e.Streak, &last, &retry)
	if err == sql.ErrNoRows {
		return Entry{}, nil
	}
	if err != nil {
		return Entry{}, fmt.Errorf("get fail state for %s: %w", storeName, err)
	}
	if last.Valid {
		e.LastFailure = last.Time
	}
	if retry.Valid {
		e.RetryAfter = retry.Time
	}
	return e, nil
}

// RecordFailure increments the streak for storeName and schedules the
// next allowed retry. backoff is how long to wait before retrying; a
// zero backoff means retry immediately is fine.
func (db *DB) RecordFailure(storeName string, kind store.FailKind, now time.Time, backoff time.Duration) error {
	_, err := db.Exec(`
		INSERT INTO store_fail_state (store_name, kind, streak, last_failure, retry_after)
		VALUES (?, ?, 1, ?, ?)
		ON CONFLICT(store_name) DO UPDATE SET
			kind = excluded.kind,
			streak = store_fail_state.streak + 1,
			last_failure = excluded.last_failure,
			retry_after = excluded.retry_after
	`, storeName, kind, now, now.Add(backoff))
	if err != nil {
		return fmt.Errorf("record failure for %s: %w", storeName, err)
	}
	return nil
}

// Clear removes any recorded failures for storeName, called once a
// store connects successfully.
func (db *DB) Clear(storeName string) error {
	if _, err := db.Exec(`DELETE FROM store_fail_state WHERE store_name = ?`, storeName); err != nil {
		return fmt.Errorf("clear fail state for %s: %w", storeName, err)
	}
	return nil
}

// Backoff computes how long to wait before the next retry given a
// failure kind and the current streak, following the escalating
// schedule: FAIL_TEMP backs off briefly and caps quickly, FAIL_WAIT
// backs off much longer (the remote asked us to slow down), and
// FAIL_FINAL waits a year before the next automatic attempt.
func Backoff(kind store.FailKind, streak int) time.Duration {
	switch kind {
	case store.FailTemp:
		d := time.Duration(streak) * 30 * time.Second
		if d > 10*time.Minute {
			d = 10 * time.Minute
		}
		return d
	case store.FailWait:
		d := time.Duration(streak) * 15 * time.Minute
		if d > 6*time.Hour {
			d = 6 * time.Hour
		}
		return d
	case store.FailFinal:
		return 365 * 24 * time.Hour
	default:
		return 0
	}
}
