// ABOUTME: Background reconciler failing stuck commands and marking dead agents
// ABOUTME: Runs on a fixed interval until its context is cancelled

package plane

import (
	"context"
	"log/slog"
	"time"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// Reconciler periodically fails commands stuck past their timeout and marks
// agents offline when they stop polling.
type Reconciler struct {
	db           DB
	interval     time.Duration
	offlineAfter time.Duration
	logger       *slog.Logger
}

// NewReconciler creates a reconciler over the given DB handle.
func NewReconciler(db DB, interval, offlineAfter time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		db:           db,
		interval:     interval,
		offlineAfter: offlineAfter,
		logger:       logger.With("component", "reconciler"),
	}
}

// Run executes reconcile passes on the configured interval until ctx is
// cancelled. Blocks; callers run it in a goroutine.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reconciler started",
		"interval", r.interval,
		"offline_after", r.offlineAfter)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconcile pass.
func (r *Reconciler) RunOnce(ctx context.Context) {
	now := time.Now().UTC()

	reaped, err := r.db.ReapStale(ctx, now)
	if err != nil {
		r.logger.Error("reaping stale commands failed", "error", err)
	}
	for _, cmd := range reaped {
		r.logger.Warn("command timed out",
			"command_id", cmd.CommandID,
			"deployment_hash", cmd.DeploymentHash,
			"timeout_seconds", cmd.TimeoutSeconds)

		entry := &store.AuditEntry{
			DeploymentHash: &cmd.DeploymentHash,
			Action:         store.AuditCommandTimedOut,
			Status:         "failed",
			Detail: map[string]any{
				"command_id":      cmd.CommandID,
				"type":            cmd.Type,
				"timeout_seconds": cmd.TimeoutSeconds,
			},
		}
		if err := r.db.AppendAudit(ctx, entry); err != nil {
			r.logger.Error("failed to audit timeout",
				"command_id", cmd.CommandID,
				"error", err)
		}
	}

	marked, err := r.db.MarkAgentsOffline(ctx, now.Add(-r.offlineAfter))
	if err != nil {
		r.logger.Error("marking stale agents offline failed", "error", err)
	} else if marked > 0 {
		r.logger.Info("marked stale agents offline", "count", marked)
	}
}
