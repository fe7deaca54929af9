// Package storage persists the run history of scheduled tasks.
//
// Drivers:
//   - "file": JSON Lines, compacted on open
//   - "sqlite": SQLite database file (modernc.org/sqlite, WAL)
package storage
