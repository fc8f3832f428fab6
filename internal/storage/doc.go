// Package storage persists batch run records and quota counters so they
// survive restarts.
//
// Drivers:
//   - file:   <path>/runs.jsonl (append-only) and <path>/quota.json (snapshot)
//   - sqlite: <path>/antigravity.db, or path itself when it ends in .db
//   - none:   nothing is persisted
package storage
