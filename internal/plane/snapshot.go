// ABOUTME: Operator read paths: deployment snapshot, command list, audit trail
// ABOUTME: Result and error payloads are stripped unless explicitly requested

package plane

import (
	"context"
	"fmt"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// defaultSnapshotCommands bounds the command list when no limit is given.
const defaultSnapshotCommands = 20

// Snapshot is a point-in-time view of a deployment's agent and recent commands.
type Snapshot struct {
	Agent    *store.Agent
	Commands []*store.Command
}

// GetSnapshot returns the agent record and its most recent commands.
// commandLimit <= 0 uses the default; includeResults controls whether
// result and error payloads appear in the command list.
func (s *Service) GetSnapshot(ctx context.Context, deploymentHash string, commandLimit int, includeResults bool) (*Snapshot, error) {
	agent, err := s.apiDB.GetAgentByDeployment(ctx, deploymentHash)
	if err != nil {
		return nil, err
	}

	if commandLimit <= 0 {
		commandLimit = defaultSnapshotCommands
	}

	commands, err := s.apiDB.ListCommands(ctx, deploymentHash, commandLimit, includeResults)
	if err != nil {
		return nil, fmt.Errorf("listing commands: %w", err)
	}

	return &Snapshot{Agent: agent, Commands: commands}, nil
}

// ListCommands returns a deployment's commands, newest first.
func (s *Service) ListCommands(ctx context.Context, deploymentHash string, limit int, includeResults bool) ([]*store.Command, error) {
	return s.apiDB.ListCommands(ctx, deploymentHash, limit, includeResults)
}

// ListAudit returns audit entries matching the filter, newest first.
func (s *Service) ListAudit(ctx context.Context, filter store.AuditFilter) ([]*store.AuditEntry, error) {
	return s.apiDB.ListAudit(ctx, filter)
}
