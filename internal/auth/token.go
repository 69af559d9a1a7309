// ABOUTME: Agent bearer token issuance and verification against the secret store
// ABOUTME: Tokens are 86 high-entropy characters, issued once and never readable again

package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

// Token errors
var (
	ErrUnauthorized = errors.New("invalid agent credentials")
)

// tokenAlphabet deliberately avoids ambiguous characters and stays URL-safe.
const tokenAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-_"

// tokenLength is the issued bearer token length in characters.
const tokenLength = 86

// GenerateAgentToken returns a new high-entropy bearer token.
func GenerateAgentToken() (string, error) {
	buf := make([]byte, tokenLength)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("reading random bytes: %w", err)
	}
	// 64-character alphabet: masking the low six bits keeps the
	// distribution uniform.
	for i, b := range buf {
		buf[i] = tokenAlphabet[b&0x3f]
	}
	return string(buf), nil
}

// AgentVerifier authenticates agents by checking their bearer token against
// the secret store copy. Successful verifications are cached for a short TTL
// so every long-poll does not cost a secret store round trip.
type AgentVerifier struct {
	agents  store.AgentStore
	secrets secrets.Store
	cache   *tokenCache
	logger  *slog.Logger
}

// NewAgentVerifier creates a verifier with the given cache TTL.
// A TTL of zero disables caching.
func NewAgentVerifier(agents store.AgentStore, secretStore secrets.Store, cacheTTL time.Duration) *AgentVerifier {
	return &AgentVerifier{
		agents:  agents,
		secrets: secretStore,
		cache:   newTokenCache(cacheTTL),
		logger:  slog.Default().With("component", "agent-auth"),
	}
}

// Verify resolves the agent by deployment hash and checks the presented
// bearer token. Returns ErrUnauthorized on any mismatch; secret store outages
// surface as secrets.ErrUnavailable so handlers can distinguish 401 from 503.
func (v *AgentVerifier) Verify(ctx context.Context, deploymentHash, bearer string) (*store.Agent, error) {
	if deploymentHash == "" || bearer == "" {
		return nil, ErrUnauthorized
	}

	agent, err := v.agents.GetAgentByDeployment(ctx, deploymentHash)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrUnauthorized
		}
		return nil, fmt.Errorf("looking up agent: %w", err)
	}

	if cached, ok := v.cache.get(agent.DeploymentHash); ok {
		if tokensEqual(cached, bearer) {
			return agent, nil
		}
		// A cached mismatch might be a rotated token; fall through to the
		// authoritative copy.
	}

	stored, err := v.secrets.FetchAgentToken(ctx, agent.DeploymentHash)
	if err != nil {
		if errors.Is(err, secrets.ErrTokenNotFound) {
			v.logger.Warn("no stored token for registered agent", "deployment_hash", agent.DeploymentHash)
			return nil, ErrUnauthorized
		}
		return nil, err
	}

	if !tokensEqual(stored, bearer) {
		return nil, ErrUnauthorized
	}

	v.cache.put(agent.DeploymentHash, stored)
	return agent, nil
}

// Invalidate drops any cached token for a deployment, forcing the next
// verification to hit the secret store. Called on rotation.
func (v *AgentVerifier) Invalidate(deploymentHash string) {
	v.cache.drop(deploymentHash)
}

func tokensEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
