// ABOUTME: Agent long-poll endpoint logic
// ABOUTME: Every authenticated wait doubles as a heartbeat

package plane

import (
	"context"
	"fmt"
	"time"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// Wait blocks until a command is available for the agent's deployment or
// maxWait elapses. Returns (nil, nil) on an empty timeout. The poll itself
// is the agent's liveness signal, so the heartbeat lands before the wait.
func (s *Service) Wait(ctx context.Context, agent *store.Agent, maxWait time.Duration, meta RequestMeta) (*store.Command, error) {
	if err := s.agentDB.UpdateHeartbeat(ctx, agent.ID, store.AgentOnline); err != nil {
		// A failed heartbeat is not worth failing the poll over.
		s.logger.Warn("heartbeat update failed",
			"agent_id", agent.ID,
			"error", err)
	}

	cmd, err := s.dispatcher.Wait(ctx, agent.DeploymentHash, maxWait)
	if err != nil {
		return nil, fmt.Errorf("waiting for command: %w", err)
	}
	if cmd == nil {
		return nil, nil
	}

	s.appendAudit(ctx, s.agentDB, &store.AuditEntry{
		AgentID:        strPtr(agent.ID),
		DeploymentHash: strPtr(agent.DeploymentHash),
		Action:         store.AuditAgentPolled,
		Status:         "success",
		Detail: map[string]any{
			"command_id": cmd.CommandID,
			"type":       cmd.Type,
			"priority":   string(cmd.Priority),
		},
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})

	return cmd, nil
}
