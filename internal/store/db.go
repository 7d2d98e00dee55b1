package store

import (
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrRetryExhausted is returned when a write keeps failing after the
// bounded retry loop. The caller must surface it: the local cache is
// what the UI renders, so a dropped write means visible data loss.
var ErrRetryExhausted = errors.New("store: write retries exhausted")

const (
	writeAttempts = 3
	writeBackoff  = 150 * time.Millisecond
)

// DB wraps a SQLite database connection for the app-owned cache.db.
// Writes are serialized through writeMu (single-writer discipline);
// reads run concurrently under WAL snapshot isolation.
type DB struct {
	*sql.DB
	writeMu sync.Mutex
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// Verify connection.
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db}, nil
}

// withWriteRetry serializes the write and retries it a bounded number
// of times with linear backoff. After the last failed attempt the
// original error is wrapped in ErrRetryExhausted.
func (db *DB) withWriteRetry(fn func() error) error {
	db.writeMu.Lock()
	defer db.writeMu.Unlock()

	var err error
	for attempt := 1; attempt <= writeAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt < writeAttempts {
			time.Sleep(time.Duration(attempt) * writeBackoff)
		}
	}
	return fmt.Errorf("%w: %w", ErrRetryExhausted, err)
}
