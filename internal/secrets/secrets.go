// ABOUTME: SecretStore interface for durable agent credential storage
// ABOUTME: Backed by Vault in production and an in-memory double in tests

package secrets

import (
	"context"
	"errors"
)

// ErrTokenNotFound is returned when no token exists for a deployment hash.
var ErrTokenNotFound = errors.New("agent token not found")

// ErrUnavailable is returned when the secret store cannot be reached.
// Registration treats this as a warning, not a failure: losing the ability
// to deploy is worse than a temporarily unprotected token in transit.
var ErrUnavailable = errors.New("secret store unavailable")

// Store holds agent bearer tokens keyed by deployment hash. The store is an
// external system: every call may be slow or unavailable, and callers must
// never hold a database transaction open across a round trip.
type Store interface {
	StoreAgentToken(ctx context.Context, deploymentHash, token string) error
	FetchAgentToken(ctx context.Context, deploymentHash string) (string, error)
	DeleteAgentToken(ctx context.Context, deploymentHash string) error
}
