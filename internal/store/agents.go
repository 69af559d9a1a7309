// ABOUTME: Agent registry persistence on the SQLite store
// ABOUTME: Covers creation, lookup by deployment hash and heartbeat bookkeeping

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeFormat is the canonical timestamp encoding for TEXT columns. Nanosecond
// precision keeps FIFO ordering stable for rows created in the same second.
const timeFormat = time.RFC3339Nano

// CreateAgent inserts a new agent row.
// Returns ErrDuplicateAgent if an agent already exists for the deployment hash;
// the existing row is never overwritten.
func (s *SQLiteStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = now
	}
	if agent.UpdatedAt.IsZero() {
		agent.UpdatedAt = now
	}
	if agent.Status == "" {
		agent.Status = AgentOffline
	}

	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("encoding capabilities: %w", err)
	}

	query := `
		INSERT INTO agents (id, deployment_hash, capabilities_json, version, system_info_json,
			public_key_fingerprint, status, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err = s.db.ExecContext(ctx, query,
		agent.ID,
		agent.DeploymentHash,
		string(caps),
		nullString(agent.Version),
		rawToDB(agent.SystemInfo),
		nullString(agent.PublicKeyFingerprint),
		agent.Status,
		timePtrToDB(agent.LastHeartbeat),
		agent.CreatedAt.Format(timeFormat),
		agent.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "agent_id", agent.ID, "deployment_hash", agent.DeploymentHash)
	return nil
}

// GetAgent retrieves an agent by ID. Returns ErrNotFound if it doesn't exist.
func (s *SQLiteStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.getAgent(ctx, "id = ?", id)
}

// GetAgentByDeployment retrieves the agent owning a deployment hash.
// Returns ErrNotFound if no agent is registered for the hash.
func (s *SQLiteStore) GetAgentByDeployment(ctx context.Context, deploymentHash string) (*Agent, error) {
	return s.getAgent(ctx, "deployment_hash = ?", deploymentHash)
}

func (s *SQLiteStore) getAgent(ctx context.Context, where string, arg any) (*Agent, error) {
	query := `
		SELECT id, deployment_hash, capabilities_json, version, system_info_json,
			public_key_fingerprint, status, last_heartbeat, created_at, updated_at
		FROM agents
		WHERE ` + where

	row := s.db.QueryRowContext(ctx, query, arg)
	agent, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// UpdateHeartbeat sets last_heartbeat to now and records the given status.
// Every successful agent-authenticated call routes through here.
func (s *SQLiteStore) UpdateHeartbeat(ctx context.Context, agentID, status string) error {
	now := time.Now().UTC().Format(timeFormat)
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ?, status = ?, updated_at = ? WHERE id = ?`,
		now, status, now, agentID,
	)
	if err != nil {
		return fmt.Errorf("updating heartbeat: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkAgentsOffline flips online agents whose last heartbeat predates
// staleBefore to offline. Returns the number of agents affected.
func (s *SQLiteStore) MarkAgentsOffline(ctx context.Context, staleBefore time.Time) (int, error) {
	result, err := s.db.ExecContext(ctx,
		`UPDATE agents SET status = ?, updated_at = ?
		 WHERE status = ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)`,
		AgentOffline,
		time.Now().UTC().Format(timeFormat),
		AgentOnline,
		staleBefore.UTC().Format(timeFormat),
	)
	if err != nil {
		return 0, fmt.Errorf("marking agents offline: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("reading rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("marked stale agents offline", "count", n)
	}
	return int(n), nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func scanAgent(row scanner) (*Agent, error) {
	var agent Agent
	var caps string
	var version, systemInfo, fingerprint, heartbeat sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&agent.ID,
		&agent.DeploymentHash,
		&caps,
		&version,
		&systemInfo,
		&fingerprint,
		&agent.Status,
		&heartbeat,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(caps), &agent.Capabilities); err != nil {
		return nil, fmt.Errorf("decoding capabilities: %w", err)
	}
	agent.Version = version.String
	agent.PublicKeyFingerprint = fingerprint.String
	if systemInfo.Valid {
		agent.SystemInfo = json.RawMessage(systemInfo.String)
	}
	if heartbeat.Valid {
		t, err := time.Parse(timeFormat, heartbeat.String)
		if err != nil {
			return nil, fmt.Errorf("parsing last_heartbeat: %w", err)
		}
		agent.LastHeartbeat = &t
	}
	if agent.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if agent.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &agent, nil
}

func rawToDB(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func timePtrToDB(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(timeFormat)
}
