// Package storage persists tenant schedules, the outcome log, counter
// snapshots and the admin audit trail.
//
// Drivers:
//   - "file": one JSON document per tenant plus JSON Lines logs
//   - "sqlite": a single SQLite database (modernc.org/sqlite, pure Go)
//   - "redis": shared keys on a Redis deployment
package storage
