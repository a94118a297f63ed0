// Package store provides SQLite-backed durable storage for scenario runs.
//
// A run is written in two steps: WriteRun when it starts, FinishRun when
// its report is final. FinishRun stores every check, the run totals and a
// report hash in one transaction, so a run is either finished with all of
// its checks or still marked running.
//
// Check values are stored as canonical JSON. Each check carries a hash
// over its canonical form, and the report hash covers the ordered check
// hashes, so two runs with identical outcomes hash identically regardless
// of run id or wall time.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: checks and events must belong to a run
package store
