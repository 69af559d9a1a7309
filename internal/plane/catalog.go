// ABOUTME: Static command catalog filtered by an agent's capability set
// ABOUTME: Read path only; enqueue does not gate on capabilities

package plane

import (
	"context"
	"errors"
	"time"

	"github.com/trydirect/stacker-sub002/internal/store"
)

// CatalogCommand describes one command type an agent can run, with the UI
// metadata the dashboard renders.
type CatalogCommand struct {
	CommandType string `json:"command_type"`
	Label       string `json:"label"`
	Icon        string `json:"icon"`
	Scope       string `json:"scope"`
	Requires    string `json:"requires"`
}

// Capabilities is the response for the capabilities read path. For an
// unregistered deployment the agent fields stay empty and Status is offline.
type Capabilities struct {
	DeploymentHash string           `json:"deployment_hash"`
	AgentID        string           `json:"agent_id,omitempty"`
	Status         string           `json:"status"`
	LastHeartbeat  *time.Time       `json:"last_heartbeat,omitempty"`
	Version        string           `json:"version,omitempty"`
	Capabilities   []string         `json:"capabilities"`
	Commands       []CatalogCommand `json:"commands"`
}

var commandCatalog = []CatalogCommand{
	{CommandType: "restart", Requires: "docker", Scope: "container", Label: "Restart", Icon: "fas fa-redo"},
	{CommandType: "start", Requires: "docker", Scope: "container", Label: "Start", Icon: "fas fa-play"},
	{CommandType: "stop", Requires: "docker", Scope: "container", Label: "Stop", Icon: "fas fa-stop"},
	{CommandType: "pause", Requires: "docker", Scope: "container", Label: "Pause", Icon: "fas fa-pause"},
	{CommandType: "logs", Requires: "logs", Scope: "container", Label: "Logs", Icon: "fas fa-file-alt"},
	{CommandType: "rebuild", Requires: "compose", Scope: "deployment", Label: "Rebuild Stack", Icon: "fas fa-sync"},
	{CommandType: "backup", Requires: "backup", Scope: "deployment", Label: "Backup", Icon: "fas fa-download"},
}

// GetCapabilities reports which catalog commands a deployment's agent can
// run. A deployment with no agent is reported offline with no commands
// rather than erroring.
func (s *Service) GetCapabilities(ctx context.Context, deploymentHash string) (*Capabilities, error) {
	agent, err := s.apiDB.GetAgentByDeployment(ctx, deploymentHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &Capabilities{
				DeploymentHash: deploymentHash,
				Status:         store.AgentOffline,
				Capabilities:   []string{},
				Commands:       []CatalogCommand{},
			}, nil
		}
		return nil, err
	}

	return &Capabilities{
		DeploymentHash: deploymentHash,
		AgentID:        agent.ID,
		Status:         agent.Status,
		LastHeartbeat:  agent.LastHeartbeat,
		Version:        agent.Version,
		Capabilities:   agent.Capabilities,
		Commands:       filterCatalog(agent.Capabilities),
	}, nil
}

func filterCatalog(capabilities []string) []CatalogCommand {
	if len(capabilities) == 0 {
		return []CatalogCommand{}
	}

	have := make(map[string]bool, len(capabilities))
	for _, c := range capabilities {
		have[c] = true
	}

	commands := make([]CatalogCommand, 0, len(commandCatalog))
	for _, meta := range commandCatalog {
		if have[meta.Requires] {
			commands = append(commands, meta)
		}
	}
	return commands
}
