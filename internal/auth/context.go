// ABOUTME: Context helpers for carrying authenticated identity through requests
// ABOUTME: Stores the verified agent or operator caller on the request context

package auth

import (
	"context"

	"github.com/trydirect/stacker-sub002/internal/store"
)

type contextKey string

const (
	agentContextKey  contextKey = "auth.agent"
	callerContextKey contextKey = "auth.caller"
)

// WithAgent returns a context carrying the authenticated agent.
func WithAgent(ctx context.Context, agent *store.Agent) context.Context {
	return context.WithValue(ctx, agentContextKey, agent)
}

// AgentFromContext extracts the authenticated agent from the context.
// Returns nil and false if no agent is present.
func AgentFromContext(ctx context.Context) (*store.Agent, bool) {
	agent, ok := ctx.Value(agentContextKey).(*store.Agent)
	return agent, ok
}

// WithCaller returns a context carrying the operator caller identity.
func WithCaller(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerContextKey, callerID)
}

// CallerFromContext extracts the operator caller identity from the context.
func CallerFromContext(ctx context.Context) (string, bool) {
	callerID, ok := ctx.Value(callerContextKey).(string)
	return callerID, ok
}
