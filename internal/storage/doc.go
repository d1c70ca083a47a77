// Package storage persists the fleet, target and content state.
//
// Three drivers share one Store interface:
//   - sqlite (default, modernc.org/sqlite, single-writer WAL file)
//   - postgres (pgx connection pool)
//   - memory (ephemeral; also the shared test double)
//
// All timestamps cross the boundary as time.Time; the sqlite driver stores
// them as unix milliseconds.
package storage
