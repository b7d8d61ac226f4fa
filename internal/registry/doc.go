// Package registry stores replicated job progress state with a TTL tied to
// the job timeout.
//
// Backends:
//   - memory: per-process map, lazy expiry plus Prune
//   - file: snapshot + journal, survives restarts of a single member
//   - sqlite: shared database file (modernc.org/sqlite, WAL)
package registry
