// Package store provides SQLite-backed storage for validation runs.
//
// Every CLI run appends:
//   - Runs: one row per replay or scenario run, keyed by run ID
//   - Frames: one row per display per submitted frame (digest, layer
//     count, refill flag, skip reason)
//   - Checks: every validation failure recorded during the run
//   - Segments: per-segment match and allocation counts of a replay
//
// # Ordering
//
// Frames order by (seq, display). Runs and checks order by insertion
// (rowid); the wall-clock start time is informational only, so two runs
// of the same input produce the same frame rows.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store
