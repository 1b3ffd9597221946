// Package store provides SQLite-backed durable storage for the cache service.
//
// The store is an insert-once key/value table:
//   - entries: key TEXT PRIMARY KEY, value BLOB, inserted_at INTEGER
//
// # Invariants
//
// Insert-once: an insert for an existing key is a no-op reported as
// "not inserted". Values are never overwritten in place; a caller that wants
// to replace a value deletes it first.
//
// Durability: a successful insert is committed with synchronous=FULL before
// the call returns, so an acknowledged write survives a crash.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=FULL: Acknowledged writes are on disk
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package store
