// ABOUTME: Agent execution report handling with idempotent terminal semantics
// ABOUTME: A duplicate terminal report is accepted as a no-op, never a resurrection

package plane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// ReportRequest is the payload agents send after execution.
type ReportRequest struct {
	CommandID   string          `json:"command_id"`
	Status      string          `json:"status"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       json.RawMessage `json:"error,omitempty"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

// ReportResult tells the agent whether the report changed anything.
type ReportResult struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message"`
}

// Report applies an agent's terminal status report to a command it owns.
// Only completed and failed are reportable; the interim executing transition
// goes through Acknowledge. Reports against a command already in a terminal
// state are acknowledged without effect so agents can retry safely after a
// lost response.
func (s *Service) Report(ctx context.Context, agent *store.Agent, req ReportRequest, meta RequestMeta) (*ReportResult, error) {
	if req.CommandID == "" {
		return nil, fmt.Errorf("%w: command_id is required", ErrInvalidRequest)
	}

	cmd, err := s.agentDB.GetCommand(ctx, req.CommandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("fetching command: %w", err)
	}

	if cmd.DeploymentHash != agent.DeploymentHash {
		s.auditReportFailure(ctx, agent, req.CommandID, req.Status, "forbidden")
		return nil, ErrForbidden
	}

	status, ok := store.ParseStatus(req.Status)
	if !ok {
		s.auditReportFailure(ctx, agent, req.CommandID, req.Status, "unknown_status")
		return nil, ErrInvalidStatus
	}
	if status != store.StatusCompleted && status != store.StatusFailed {
		s.auditReportFailure(ctx, agent, req.CommandID, req.Status, "status_not_reportable")
		return nil, ErrInvalidStatus
	}

	updated, result, err := s.applyTerminal(ctx, req, status)
	if err != nil {
		if errors.Is(err, ErrInvalidStatus) {
			s.auditReportFailure(ctx, agent, req.CommandID, req.Status, "invalid_transition")
		}
		return nil, err
	}

	s.finishAgentCall(ctx, agent, req.CommandID)

	// Audit records whether payloads were present, never their contents.
	detail := map[string]any{
		"command_id": req.CommandID,
		"has_result": len(req.Result) > 0,
		"has_error":  len(req.Error) > 0,
		"applied":    result.Accepted,
	}
	if req.StartedAt != nil && req.CompletedAt != nil {
		detail["duration_ms"] = req.CompletedAt.Sub(*req.StartedAt).Milliseconds()
	}
	s.appendAudit(ctx, s.agentDB, &store.AuditEntry{
		AgentID:        strPtr(agent.ID),
		DeploymentHash: strPtr(agent.DeploymentHash),
		Action:         store.AuditCommandReported,
		Status:         req.Status,
		Detail:         detail,
		IPAddress:      meta.IP,
		UserAgent:      meta.UserAgent,
	})

	if result.Accepted && updated != nil {
		s.events.CommandCompleted(ctx, updated)
	}

	return result, nil
}

// Acknowledge marks a delivered command as executing. The transition is
// optional; agents that go straight from sent to a terminal report skip it.
func (s *Service) Acknowledge(ctx context.Context, agent *store.Agent, commandID string, meta RequestMeta) (*ReportResult, error) {
	if commandID == "" {
		return nil, fmt.Errorf("%w: command_id is required", ErrInvalidRequest)
	}

	cmd, err := s.agentDB.GetCommand(ctx, commandID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("fetching command: %w", err)
	}

	if cmd.DeploymentHash != agent.DeploymentHash {
		s.auditReportFailure(ctx, agent, commandID, string(store.StatusExecuting), "forbidden")
		return nil, ErrForbidden
	}

	var result *ReportResult
	switch err := s.agentDB.MarkExecuting(ctx, commandID); {
	case err == nil:
		result = &ReportResult{Accepted: true, Message: "command executing"}
	case errors.Is(err, store.ErrTerminalCommand):
		result = &ReportResult{Accepted: false, Message: "command already in terminal state"}
	case errors.Is(err, store.ErrInvalidTransition):
		s.auditReportFailure(ctx, agent, commandID, string(store.StatusExecuting), "invalid_transition")
		return nil, ErrInvalidStatus
	default:
		return nil, fmt.Errorf("marking executing: %w", err)
	}

	s.finishAgentCall(ctx, agent, commandID)

	s.appendAudit(ctx, s.agentDB, &store.AuditEntry{
		AgentID:        strPtr(agent.ID),
		DeploymentHash: strPtr(agent.DeploymentHash),
		Action:         store.AuditCommandReported,
		Status:         string(store.StatusExecuting),
		Detail: map[string]any{
			"command_id": commandID,
			"applied":    result.Accepted,
		},
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})

	return result, nil
}

func (s *Service) applyTerminal(ctx context.Context, req ReportRequest, status store.CommandStatus) (*store.Command, *ReportResult, error) {
	updated, err := s.agentDB.CompleteCommand(ctx, req.CommandID, status, req.Result, req.Error)
	switch {
	case err == nil:
		return updated, &ReportResult{Accepted: true, Message: fmt.Sprintf("command %s", status)}, nil
	case errors.Is(err, store.ErrTerminalCommand):
		return nil, &ReportResult{Accepted: false, Message: "command already in terminal state"}, nil
	case errors.Is(err, store.ErrInvalidTransition):
		return nil, nil, ErrInvalidStatus
	default:
		return nil, nil, fmt.Errorf("completing command: %w", err)
	}
}

// finishAgentCall runs the side effects shared by report and acknowledge:
// defensive queue cleanup and heartbeat refresh. Failures are logged, not
// surfaced; the state change already landed.
func (s *Service) finishAgentCall(ctx context.Context, agent *store.Agent, commandID string) {
	// The command left the queue when it was claimed; this covers reports
	// for commands that timed out or were cancelled mid-flight.
	if err := s.agentDB.RemoveFromQueue(ctx, commandID); err != nil {
		s.logger.Warn("queue cleanup failed",
			"command_id", commandID,
			"error", err)
	}

	if err := s.agentDB.UpdateHeartbeat(ctx, agent.ID, store.AgentOnline); err != nil {
		s.logger.Warn("heartbeat update failed",
			"agent_id", agent.ID,
			"error", err)
	}
}

func (s *Service) auditReportFailure(ctx context.Context, agent *store.Agent, commandID, reportedStatus, reason string) {
	s.appendAudit(ctx, s.agentDB, &store.AuditEntry{
		AgentID:        strPtr(agent.ID),
		DeploymentHash: strPtr(agent.DeploymentHash),
		Action:         store.AuditCommandReportFailed,
		Status:         reason,
		Detail: map[string]any{
			"command_id":      commandID,
			"reported_status": reportedStatus,
		},
	})
}
