// Package storage is the Reminder Store: persisted reminder records and owner
// preferences, mutated by the lifecycle service and by the scheduler's
// claim/settle operations.
//
// Drivers:
//   - "memory": process-local map; tests and single-node development
//   - "sqlite": SQLite database file (modernc.org/sqlite, pure Go)
//   - "postgres": PostgreSQL through a pgx connection pool
//
// Every driver implements ClaimDue as an atomic conditional update, so two
// schedulers (or two overlapping ticks) never deliver the same reminder.
package storage
