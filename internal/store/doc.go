// Package store persists the users slackmond relays for.
//
// # Architecture
//
// UserStore is the only interface. SQLStore implements it over database/sql
// with two backends selected by Open:
//
//   - SQLite via modernc.org/sqlite for a file path DSN (the default)
//   - PostgreSQL via github.com/lib/pq for postgres:// DSNs
//
// Queries are written once with ? placeholders and rebound to $n on
// PostgreSQL. MockStore is an in-memory implementation for tests.
//
// # Transactions
//
// Every mutation runs inside withTransaction. On PostgreSQL transactions use
// serializable isolation; SQLite transactions are serializable already and the
// pool is limited to a single connection.
//
// # Concurrent first contact
//
// Two messages from an unseen Slack user can race to create the same row.
// The UNIQUE constraint on slack_id lets exactly one insert win; the loser
// sees ErrDuplicateUser (or a PostgreSQL serialization failure) and
// GetOrCreateUser turns that into a lookup of the winner's row.
//
// # Errors
//
//	ErrNotFound       no such user
//	ErrDuplicateUser  slack_id already stored
package store
