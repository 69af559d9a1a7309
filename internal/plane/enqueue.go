// ABOUTME: Operator-facing command enqueue
// ABOUTME: Persists the command, indexes it for delivery, and wakes waiters

package plane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// EnqueueRequest is the payload for enqueueing a command.
type EnqueueRequest struct {
	DeploymentHash string          `json:"deployment_hash"`
	Type           string          `json:"type"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Priority       string          `json:"priority,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
}

// Enqueue records a command for a registered deployment and wakes any agent
// currently long-polling for it. Unknown priorities degrade to normal rather
// than rejecting the command.
func (s *Service) Enqueue(ctx context.Context, req EnqueueRequest, createdBy string, meta RequestMeta) (*store.Command, error) {
	if req.DeploymentHash == "" || req.Type == "" {
		return nil, fmt.Errorf("%w: deployment_hash and type are required", ErrInvalidRequest)
	}

	agent, err := s.apiDB.GetAgentByDeployment(ctx, req.DeploymentHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnknownDeployment
		}
		return nil, fmt.Errorf("looking up agent: %w", err)
	}

	cmd := &store.Command{
		CommandID:      fmt.Sprintf("cmd_%s", uuid.New().String()),
		DeploymentHash: req.DeploymentHash,
		Type:           req.Type,
		Status:         store.StatusQueued,
		Priority:       store.ParsePriority(req.Priority),
		Parameters:     req.Parameters,
		CreatedBy:      createdBy,
		TimeoutSeconds: req.TimeoutSeconds,
		Metadata:       req.Metadata,
	}

	if err := s.apiDB.CreateCommand(ctx, cmd); err != nil {
		return nil, fmt.Errorf("persisting command: %w", err)
	}

	s.appendAudit(ctx, s.apiDB, &store.AuditEntry{
		AgentID:        strPtr(agent.ID),
		DeploymentHash: strPtr(req.DeploymentHash),
		Action:         store.AuditCommandEnqueued,
		Status:         "success",
		Detail: map[string]any{
			"command_id": cmd.CommandID,
			"type":       cmd.Type,
			"priority":   string(cmd.Priority),
			"created_by": createdBy,
		},
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})

	s.dispatcher.Notify(req.DeploymentHash)

	s.logger.Info("command enqueued",
		"command_id", cmd.CommandID,
		"deployment_hash", req.DeploymentHash,
		"type", cmd.Type,
		"priority", cmd.Priority)

	return cmd, nil
}
