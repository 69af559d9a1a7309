// ABOUTME: Long-poll dispatcher that hands queued commands to waiting agents
// ABOUTME: Claim-first with wake subscription so enqueues interrupt the wait

package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// Dispatcher blocks agent polls until a command is available or the wait
// expires. Exactly one waiter wins a given command even when several poll
// the same deployment concurrently; the store's claim transaction decides.
type Dispatcher struct {
	commands store.CommandStore
	notifier *Notifier
	logger   *slog.Logger
}

// NewDispatcher creates a dispatcher over the given command store and notifier.
func NewDispatcher(commands store.CommandStore, notifier *Notifier, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		commands: commands,
		notifier: notifier,
		logger:   logger.With("component", "dispatch"),
	}
}

// Notify wakes any waiters for the deployment. Called after an enqueue.
func (d *Dispatcher) Notify(deploymentHash string) {
	d.notifier.Notify(deploymentHash)
}

// Wait claims the next command for the deployment, blocking up to maxWait if
// the queue is empty. Returns (nil, nil) when the wait expires with nothing
// to deliver. A claimed command has already transitioned to sent.
func (d *Dispatcher) Wait(ctx context.Context, deploymentHash string, maxWait time.Duration) (*store.Command, error) {
	// Fast path: something is already queued.
	cmd, err := d.claim(ctx, deploymentHash)
	if err != nil || cmd != nil {
		return cmd, err
	}

	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	wake, _ := d.notifier.Subscribe(waitCtx, deploymentHash)

	// Re-check after subscribing: an enqueue between the first claim and the
	// subscription would otherwise be missed until the deadline.
	cmd, err = d.claim(ctx, deploymentHash)
	if err != nil || cmd != nil {
		return cmd, err
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, nil
		case <-wake:
			cmd, err = d.claim(ctx, deploymentHash)
			if err != nil {
				return nil, err
			}
			if cmd != nil {
				return cmd, nil
			}
			// Another waiter won this wake; keep waiting.
		}
	}
}

func (d *Dispatcher) claim(ctx context.Context, deploymentHash string) (*store.Command, error) {
	cmd, err := d.commands.ClaimNext(ctx, deploymentHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("claiming command: %w", err)
	}

	d.logger.Debug("command claimed",
		"deployment_hash", deploymentHash,
		"command_id", cmd.CommandID,
		"priority", cmd.Priority)
	return cmd, nil
}
