// Package storage persists users, last-sent markers and scheduling runs.
//
// Drivers:
//   - "sqlite": single-file database (default)
//   - "postgres": server database via pgx
//   - "file": dependency-free JSON snapshot + JSONL run log
//
// The last-sent marker is monotonic in every driver: MarkSent never moves a
// user's last_sent_date backwards.
package storage
