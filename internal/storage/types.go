package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned by single-entity lookups when no row matches.
	ErrNotFound = errors.New("storage: not found")
	// ErrDisabled is returned when operations hit a nil or closed store.
	ErrDisabled = errors.New("storage: disabled")
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (default)
//   - "postgres": PostgreSQL via pgx
//   - "memory": ephemeral in-process store (tests, dry runs)
type Config struct {
	Driver string
	// Path is the database file for the sqlite driver.
	Path string
	// DSN is the connection string for the postgres driver.
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}
