// Package store provides persistent storage for the control plane using SQLite.
//
// # Architecture
//
// The package is interface-driven so handlers depend on capabilities, not on
// the SQLite implementation:
//
//   - AgentStore: the agent registry (one row per deployment hash)
//   - CommandStore: commands plus the denormalized command_queue index
//   - AuditStore: the append-only audit log
//
// SQLiteStore implements all three interfaces in a single struct. OpenPools
// returns two independently sized handles over the same database file so
// agent long-poll traffic never competes with interactive API traffic for
// connection headroom.
//
// # Claim atomicity
//
// ClaimNext is the correctness-critical operation: the queued→sent status
// flip and the queue-index removal happen inside one transaction, guarded by
// a compare-and-swap on the current status. Two waiters racing for the same
// command get exactly one winner; the loser re-reads the queue head.
//
// # State machine
//
// Command status transitions are checked in one place, the
// allowedTransitions table. completed, failed and cancelled are terminal and
// have no outgoing edges, so a duplicate agent report can never resurrect a
// finished command.
package store

// Interface conformance checks.
var (
	_ AgentStore   = (*SQLiteStore)(nil)
	_ CommandStore = (*SQLiteStore)(nil)
	_ AuditStore   = (*SQLiteStore)(nil)
)
