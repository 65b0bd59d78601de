// Package sqlite opens SQLite databases with the operational settings every
// store in this process shares: WAL journaling, a busy timeout and enforced
// foreign keys.
package sqlite

import (
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure Go driver, no CGO
)

// Config carries the pool and locking knobs applied to every connection.
type Config struct {
	// BusyTimeout is how long a connection waits on a locked database
	// before giving up with SQLITE_BUSY.
	BusyTimeout time.Duration

	// MaxOpenConns sizes the database/sql pool. WAL allows many readers
	// alongside the single writer, so this can stay generous.
	MaxOpenConns int
}

// DefaultConfig returns the settings used by all stores in this process.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 16,
	}
}

// Open opens the database at path. The pragmas travel in the DSN so they
// apply to every connection the pool creates, not only the first one.
func Open(path string, cfg Config) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		path, cfg.BusyTimeout.Milliseconds(),
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open %s: %w", path, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping %s: %w", path, err)
	}

	return db, nil
}
