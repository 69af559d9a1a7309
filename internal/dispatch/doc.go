// ABOUTME: Package documentation for command dispatch
// ABOUTME: Explains the long-poll wait loop and wake notification

// Package dispatch delivers queued commands to long-polling agents.
//
// Agents never accept inbound connections; they poll the control plane and
// block until work arrives. The Dispatcher implements that blocking wait:
// it claims the queue head immediately if one exists, otherwise it
// subscribes to the Notifier for the agent's deployment hash and sleeps
// until an enqueue wakes it or the wait deadline passes.
//
// The claim-subscribe-reclaim ordering closes the lost-wakeup window: an
// enqueue landing between the first claim attempt and the subscription is
// picked up by the second attempt rather than waiting out the full
// deadline.
//
// Claim exclusivity lives in the store's transaction, not here. Multiple
// waiters on one deployment all wake on a notify, race to claim, and
// exactly one wins; the rest go back to sleep.
package dispatch
