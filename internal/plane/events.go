// ABOUTME: Completion-event publishing hook for downstream consumers
// ABOUTME: Report's terminal path announces outcomes without blocking on them

package plane

import (
	"context"
	"log/slog"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// CommandEvents receives notifications when a command reaches a terminal
// state through an agent report. Implementations must not block: they run
// on the report path and a slow consumer would hold up the reporting agent.
// Publish failures are the publisher's problem to log and retry; the report
// itself has already been persisted.
type CommandEvents interface {
	CommandCompleted(ctx context.Context, cmd *store.Command)
}

// NopCommandEvents discards completion events. It is the default when no
// broker is wired in.
type NopCommandEvents struct{}

func (NopCommandEvents) CommandCompleted(context.Context, *store.Command) {}

// LogCommandEvents announces completions on the structured log. It stands in
// for a broker publisher until one is wired.
type LogCommandEvents struct {
	Logger *slog.Logger
}

func (l LogCommandEvents) CommandCompleted(_ context.Context, cmd *store.Command) {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("command completed",
		"component", "events",
		"command_id", cmd.CommandID,
		"deployment_hash", cmd.DeploymentHash,
		"type", cmd.Type,
		"status", string(cmd.Status))
}
