// ABOUTME: HTTP middleware for agent and operator authentication
// ABOUTME: Agents present X-Agent-Id plus a bearer token, operators present a JWT

package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/trydirect/stacker-sub002/internal/secrets"
)

// extractBearerToken extracts a bearer token from the Authorization header.
// Returns the token and an error message (empty if successful).
func extractBearerToken(authHeader string) (string, string) {
	if authHeader == "" {
		return "", "missing authorization header"
	}
	if !strings.HasPrefix(authHeader, "Bearer ") {
		return "", "invalid authorization header format"
	}
	token := strings.TrimPrefix(authHeader, "Bearer ")
	if token == "" {
		return "", "empty token"
	}
	return token, ""
}

func writeAuthError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":{"code":"` + code + `","message":"` + message + `"}}`))
}

// AgentAuthMiddleware creates an HTTP middleware that authenticates agents.
// Agents identify themselves with the X-Agent-Id header (the deployment hash)
// and prove possession of their issued token via the Authorization header.
// The verified agent is added to the request context.
func AgentAuthMiddleware(verifier *AgentVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			deploymentHash := r.Header.Get("X-Agent-Id")
			if deploymentHash == "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "missing X-Agent-Id header")
				return
			}

			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", errMsg)
				return
			}

			agent, err := verifier.Verify(r.Context(), deploymentHash, token)
			if err != nil {
				if errors.Is(err, secrets.ErrUnavailable) {
					writeAuthError(w, http.StatusServiceUnavailable, "secret_store_unavailable", "secret store unavailable")
					return
				}
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid agent credentials")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAgent(r.Context(), agent)))
		})
	}
}

// OperatorAuthMiddleware creates an HTTP middleware that validates operator JWTs
// and adds the caller identity to the request context.
func OperatorAuthMiddleware(verifier OperatorVerifier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, errMsg := extractBearerToken(r.Header.Get("Authorization"))
			if errMsg != "" {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", errMsg)
				return
			}

			callerID, err := verifier.Verify(token)
			if err != nil {
				writeAuthError(w, http.StatusUnauthorized, "unauthorized", "invalid token")
				return
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), callerID)))
		})
	}
}
