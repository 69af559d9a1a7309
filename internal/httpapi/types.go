// ABOUTME: Wire representations of store types
// ABOUTME: Keeps JSON shapes decoupled from the persistence structs

package httpapi

import (
	"encoding/json"
	"time"

	"github.com/trydirect/stacker-sub002/internal/store"
)

type agentJSON struct {
	AgentID              string          `json:"agent_id"`
	DeploymentHash       string          `json:"deployment_hash"`
	Capabilities         []string        `json:"capabilities"`
	Version              string          `json:"version,omitempty"`
	SystemInfo           json.RawMessage `json:"system_info,omitempty"`
	PublicKeyFingerprint string          `json:"public_key_fingerprint,omitempty"`
	Status               string          `json:"status"`
	LastHeartbeat        *time.Time      `json:"last_heartbeat,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

func toAgentJSON(a *store.Agent) agentJSON {
	caps := a.Capabilities
	if caps == nil {
		caps = []string{}
	}
	return agentJSON{
		AgentID:              a.ID,
		DeploymentHash:       a.DeploymentHash,
		Capabilities:         caps,
		Version:              a.Version,
		SystemInfo:           a.SystemInfo,
		PublicKeyFingerprint: a.PublicKeyFingerprint,
		Status:               a.Status,
		LastHeartbeat:        a.LastHeartbeat,
		CreatedAt:            a.CreatedAt,
		UpdatedAt:            a.UpdatedAt,
	}
}

type commandJSON struct {
	CommandID      string          `json:"command_id"`
	DeploymentHash string          `json:"deployment_hash"`
	Type           string          `json:"type"`
	Status         string          `json:"status"`
	Priority       string          `json:"priority"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Error          json.RawMessage `json:"error,omitempty"`
	CreatedBy      string          `json:"created_by"`
	TimeoutSeconds int             `json:"timeout_seconds"`
	Metadata       json.RawMessage `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

func toCommandJSON(c *store.Command) commandJSON {
	return commandJSON{
		CommandID:      c.CommandID,
		DeploymentHash: c.DeploymentHash,
		Type:           c.Type,
		Status:         string(c.Status),
		Priority:       string(c.Priority),
		Parameters:     c.Parameters,
		Result:         c.Result,
		Error:          c.Error,
		CreatedBy:      c.CreatedBy,
		TimeoutSeconds: c.TimeoutSeconds,
		Metadata:       c.Metadata,
		CreatedAt:      c.CreatedAt,
		UpdatedAt:      c.UpdatedAt,
	}
}

func toCommandListJSON(cmds []*store.Command) []commandJSON {
	out := make([]commandJSON, len(cmds))
	for i, c := range cmds {
		out[i] = toCommandJSON(c)
	}
	return out
}

type auditJSON struct {
	ID             string         `json:"id"`
	AgentID        *string        `json:"agent_id,omitempty"`
	DeploymentHash *string        `json:"deployment_hash,omitempty"`
	Action         string         `json:"action"`
	Status         string         `json:"status,omitempty"`
	Detail         map[string]any `json:"detail,omitempty"`
	IPAddress      string         `json:"ip_address,omitempty"`
	UserAgent      string         `json:"user_agent,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

func toAuditJSON(e *store.AuditEntry) auditJSON {
	return auditJSON{
		ID:             e.ID,
		AgentID:        e.AgentID,
		DeploymentHash: e.DeploymentHash,
		Action:         string(e.Action),
		Status:         e.Status,
		Detail:         e.Detail,
		IPAddress:      e.IPAddress,
		UserAgent:      e.UserAgent,
		CreatedAt:      e.CreatedAt,
	}
}
