// Package storage persists finished session summaries.
//
// Drivers:
//   - "file": JSON Lines, compacted to the most recent summaries
//   - "sqlite": SQLite database (modernc.org/sqlite, pure Go)
package storage
