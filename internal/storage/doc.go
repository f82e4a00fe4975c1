// Package storage persists content items, live instances, client sessions and
// their channel memberships.
//
// Drivers:
//   - sqlite: embedded database file (modernc.org/sqlite, pure Go)
//   - postgres: shared database (github.com/lib/pq)
//   - memory: process-local maps, used by tests and dry runs
//
// Every mutation is a single-row statement. State transitions are written as
// conditional updates so that overlapping ticks cannot apply the same
// transition twice; callers check the returned bool.
package storage
