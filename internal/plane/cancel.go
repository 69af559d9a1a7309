// ABOUTME: Operator command cancellation
// ABOUTME: Only queued and sent commands can be cancelled

package plane

import (
	"context"
	"errors"
	"fmt"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// Cancel cancels a command that has not started executing. The deployment
// hash must match the command's; a mismatch reads as not found so callers
// cannot probe other deployments' command IDs.
func (s *Service) Cancel(ctx context.Context, deploymentHash, commandID, cancelledBy string, meta RequestMeta) (*store.Command, error) {
	cmd, err := s.apiDB.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.DeploymentHash != deploymentHash {
		return nil, store.ErrNotFound
	}

	cancelled, err := s.apiDB.CancelCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotCancellable) {
			return nil, err
		}
		return nil, fmt.Errorf("cancelling command: %w", err)
	}

	s.appendAudit(ctx, s.apiDB, &store.AuditEntry{
		DeploymentHash: strPtr(deploymentHash),
		Action:         store.AuditCommandCancelled,
		Status:         "success",
		Detail: map[string]any{
			"command_id":   commandID,
			"cancelled_by": cancelledBy,
			"was_status":   string(cmd.Status),
		},
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})

	s.logger.Info("command cancelled",
		"command_id", commandID,
		"deployment_hash", deploymentHash)

	return cancelled, nil
}
