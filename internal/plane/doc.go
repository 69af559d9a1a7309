// ABOUTME: Package documentation for the control-plane service layer
// ABOUTME: Registration, enqueue, delivery, reporting, cancellation, reconciling

// Package plane implements the control-plane operations over the store,
// secret store, and dispatcher.
//
// # Pull-only model
//
// Agents never accept inbound connections. They register once, receive a
// bearer token exactly once, and from then on long-poll for work. Operators
// enqueue commands; the dispatcher hands each command to exactly one poll.
//
// # Token custody
//
// The plaintext token lives only in the secret store. Registration writes
// the token there before creating the agent row; if the row insert fails the
// orphaned token is deleted asynchronously. When the secret store is down,
// registration still succeeds and the response carries a warning, trading
// durable custody for availability.
//
// # Split pools
//
// The service holds two DB handles backed by separate connection pools so a
// flood of long-polling agents cannot starve operator requests. Agent-facing
// operations (Wait, Report) use one, operator-facing the other.
//
// # Audit
//
// Every state-changing operation appends to the audit log. Entries record
// whether result and error payloads were present, never their contents.
package plane
