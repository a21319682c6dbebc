// Package storage persists committed tour rules and an append-only audit
// trail of commits and firings.
//
// Backends:
//   - file:   <prefix>.tours.json (atomic rewrite) + <prefix>.audit.jsonl
//   - sqlite: a single database file (modernc.org/sqlite, no cgo)
//   - memory: process-local, for tests and dry runs
package storage
