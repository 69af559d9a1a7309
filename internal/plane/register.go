// ABOUTME: Agent registration with one-time token issuance
// ABOUTME: Token goes to the secret store, never to the database

package plane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/trydirect/stacker-sub002/internal/auth"
	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

// RegisterRequest is the payload for agent registration.
type RegisterRequest struct {
	DeploymentHash string          `json:"deployment_hash"`
	Capabilities   []string        `json:"capabilities"`
	Version        string          `json:"version"`
	SystemInfo     json.RawMessage `json:"system_info,omitempty"`
	PublicKey      string          `json:"public_key,omitempty"`
}

// RegisterResult is the one and only response carrying the plaintext token.
type RegisterResult struct {
	Agent *store.Agent
	Token string

	// SecretStoreWarning is set when the secret store was unreachable at
	// registration time. The token is still issued; the agent must keep it
	// because the control plane has no durable copy until the store heals.
	SecretStoreWarning bool
}

// Register creates an agent record and issues its bearer token. A deployment
// hash that already has an agent is rejected; re-registration requires
// operator intervention.
func (s *Service) Register(ctx context.Context, req RegisterRequest, meta RequestMeta) (*RegisterResult, error) {
	if req.DeploymentHash == "" {
		return nil, fmt.Errorf("%w: deployment_hash is required", ErrInvalidRequest)
	}

	// Serialize registrations per hash. Without this, two racing registers
	// could both pass the duplicate check and the loser's secret-store
	// write would overwrite the winner's token.
	lock := s.registerLock(req.DeploymentHash)
	lock.Lock()
	defer lock.Unlock()

	// Reject duplicates before touching the secret store: overwriting the
	// existing agent's stored token would lock that agent out.
	if _, err := s.apiDB.GetAgentByDeployment(ctx, req.DeploymentHash); err == nil {
		return nil, ErrAlreadyRegistered
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("checking existing agent: %w", err)
	}

	agent := &store.Agent{
		DeploymentHash: req.DeploymentHash,
		Capabilities:   req.Capabilities,
		Version:        req.Version,
		SystemInfo:     req.SystemInfo,
		Status:         store.AgentOnline,
	}

	if req.PublicKey != "" {
		fp, err := auth.FingerprintPublicKey(req.PublicKey)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid public_key: %v", ErrInvalidRequest, err)
		}
		agent.PublicKeyFingerprint = fp
	}

	token, err := auth.GenerateAgentToken()
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}

	// Store the token before the agent row exists so a registered agent can
	// always be verified. The rollback direction (delete an orphaned token)
	// is safe; the opposite (an agent with no token anywhere) locks the
	// agent out permanently.
	warning := false
	stored := true
	if err := s.secrets.StoreAgentToken(ctx, req.DeploymentHash, token); err != nil {
		if !errors.Is(err, secrets.ErrUnavailable) {
			return nil, fmt.Errorf("storing token: %w", err)
		}
		// Registration availability wins over durable token custody here.
		// The agent gets its token inline and the caller is warned.
		s.logger.Warn("secret store unavailable during registration",
			"deployment_hash", req.DeploymentHash,
			"error", err)
		warning = true
		stored = false
	}

	if err := s.apiDB.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			// The per-hash lock rules this out within one process; losing
			// here means another instance registered the hash first. Its
			// token may have just been overwritten; deleting would make
			// that strictly worse, so leave it and shout.
			s.logger.Error("concurrent duplicate registration detected",
				"deployment_hash", req.DeploymentHash)
			return nil, ErrAlreadyRegistered
		}
		if stored {
			s.cleanupOrphanedToken(req.DeploymentHash)
		}
		return nil, fmt.Errorf("creating agent: %w", err)
	}

	s.appendAudit(ctx, s.apiDB, &store.AuditEntry{
		AgentID:        strPtr(agent.ID),
		DeploymentHash: strPtr(agent.DeploymentHash),
		Action:         store.AuditAgentRegistered,
		Status:         "success",
		Detail: map[string]any{
			"version":          agent.Version,
			"capability_count": len(agent.Capabilities),
			"has_public_key":   agent.PublicKeyFingerprint != "",
			"token_in_vault":   stored,
		},
		IPAddress: meta.IP,
		UserAgent: meta.UserAgent,
	})

	s.logger.Info("agent registered",
		"agent_id", agent.ID,
		"deployment_hash", agent.DeploymentHash,
		"capabilities", len(agent.Capabilities))

	return &RegisterResult{Agent: agent, Token: token, SecretStoreWarning: warning}, nil
}

// cleanupOrphanedToken deletes a token written for a registration that then
// failed at the database. Best effort; a leftover token for a nonexistent
// agent cannot authenticate anything.
func (s *Service) cleanupOrphanedToken(deploymentHash string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := s.secrets.DeleteAgentToken(ctx, deploymentHash); err != nil {
			s.logger.Warn("failed to delete orphaned token",
				"deployment_hash", deploymentHash,
				"error", err)
			return
		}
		s.appendAudit(ctx, s.apiDB, &store.AuditEntry{
			DeploymentHash: strPtr(deploymentHash),
			Action:         store.AuditTokenCleanup,
			Status:         "success",
		})
	}()
}

// appendAudit writes an audit entry, logging instead of failing the caller.
// The audit log is best effort everywhere except where noted.
func (s *Service) appendAudit(ctx context.Context, db DB, entry *store.AuditEntry) {
	if err := db.AppendAudit(ctx, entry); err != nil {
		s.logger.Error("failed to append audit entry",
			"action", entry.Action,
			"error", err)
	}
}
