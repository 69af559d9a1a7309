// ABOUTME: In-memory wake notifier connecting enqueues to long-polling agents
// ABOUTME: Publishes wake signals to all waiters subscribed for a deployment hash

package dispatch

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// waiterBufferSize is the channel buffer for each waiter. A buffer of one is
// enough because a wake signal carries no data; coalescing is fine.
const waiterBufferSize = 1

// Notifier provides in-memory pub/sub for command-queue wake signals.
// Long-polling agents subscribe on their deployment hash and are woken as
// soon as a command is enqueued, instead of sleeping and re-polling.
type Notifier struct {
	mu      sync.RWMutex
	waiters map[string]map[string]chan struct{} // deploymentHash -> subID -> ch
	logger  *slog.Logger
}

// NewNotifier creates a notifier. Pass nil logger for default.
func NewNotifier(logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{
		waiters: make(map[string]map[string]chan struct{}),
		logger:  logger.With("component", "dispatch"),
	}
}

// Subscribe registers a waiter for wake signals on the given deployment hash.
// Returns a channel that receives signals and a subscription ID for later
// unsubscription. The subscription is automatically cleaned up when ctx is
// cancelled.
func (n *Notifier) Subscribe(ctx context.Context, deploymentHash string) (<-chan struct{}, string) {
	subID := uuid.New().String()
	ch := make(chan struct{}, waiterBufferSize)

	n.mu.Lock()
	if _, ok := n.waiters[deploymentHash]; !ok {
		n.waiters[deploymentHash] = make(map[string]chan struct{})
	}
	n.waiters[deploymentHash][subID] = ch
	n.mu.Unlock()

	n.logger.Debug("waiter added",
		"deployment_hash", deploymentHash,
		"sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		n.Unsubscribe(deploymentHash, subID)
	}()

	return ch, subID
}

// Notify wakes all waiters subscribed for the given deployment hash.
// Non-blocking: a waiter whose buffer already holds a pending signal does not
// need another one.
func (n *Notifier) Notify(deploymentHash string) {
	n.mu.RLock()
	subs, ok := n.waiters[deploymentHash]
	if !ok || len(subs) == 0 {
		n.mu.RUnlock()
		return
	}

	// Copy channels under read lock to avoid holding the lock during sends
	targets := make([]chan struct{}, 0, len(subs))
	for _, ch := range subs {
		targets = append(targets, ch)
	}
	n.mu.RUnlock()

	for _, ch := range targets {
		select {
		case ch <- struct{}{}:
		default:
			// A signal is already pending for this waiter
		}
	}
}

// Unsubscribe removes a subscription. The channel is never closed: Notify
// may hold a reference to it outside the lock, and a send on a closed
// channel panics. Dropped channels are simply garbage collected; waiters
// stop listening via their own ctx or timer, not via channel close.
func (n *Notifier) Unsubscribe(deploymentHash, subID string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	subs, ok := n.waiters[deploymentHash]
	if !ok {
		return
	}

	if _, exists := subs[subID]; !exists {
		return
	}

	delete(subs, subID)
	if len(subs) == 0 {
		delete(n.waiters, deploymentHash)
	}
}

// WaiterCount reports how many waiters are subscribed for a deployment hash.
func (n *Notifier) WaiterCount(deploymentHash string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.waiters[deploymentHash])
}

// Close drops all subscriptions. Channels are left open for the same reason
// as in Unsubscribe; blocked waiters unblock via their ctx or timer.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.waiters = make(map[string]map[string]chan struct{})
}
