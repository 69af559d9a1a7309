// ABOUTME: HTTP API server for the control plane
// ABOUTME: JSON handlers over http.ServeMux with a stable error envelope

package httpapi

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/trydirect/stacker-sub002/internal/auth"
	"github.com/trydirect/stacker-sub002/internal/plane"
	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

// Server exposes the control-plane service over HTTP.
type Server struct {
	service          *plane.Service
	agentVerifier    *auth.AgentVerifier
	operatorVerifier auth.OperatorVerifier
	defaultWait      time.Duration
	maxWait          time.Duration
	logger           *slog.Logger
}

// New creates the HTTP API server. defaultWait applies when a wait request
// names no duration; maxWait is the clamp ceiling.
func New(service *plane.Service, agentVerifier *auth.AgentVerifier, operatorVerifier auth.OperatorVerifier, defaultWait, maxWait time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		service:          service,
		agentVerifier:    agentVerifier,
		operatorVerifier: operatorVerifier,
		defaultWait:      defaultWait,
		maxWait:          maxWait,
		logger:           logger.With("component", "httpapi"),
	}
}

// Routes builds the request mux. Literal routes win over wildcard ones, so
// /agent/commands/wait never collides with /agent/commands/{hash}.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()

	agentOnly := auth.AgentAuthMiddleware(s.agentVerifier)
	operatorOnly := auth.OperatorAuthMiddleware(s.operatorVerifier)

	mux.Handle("POST /agent/register", operatorOnly(http.HandlerFunc(s.handleRegister)))
	mux.Handle("POST /agent/commands/enqueue", operatorOnly(http.HandlerFunc(s.handleEnqueue)))
	mux.Handle("GET /agent/commands/wait", agentOnly(http.HandlerFunc(s.handleWait)))
	mux.Handle("POST /agent/commands/wait", agentOnly(http.HandlerFunc(s.handleWait)))
	mux.Handle("POST /agent/commands/ack", agentOnly(http.HandlerFunc(s.handleAck)))
	mux.Handle("POST /agent/commands/report", agentOnly(http.HandlerFunc(s.handleReport)))

	mux.HandleFunc("GET /agent/{hash}/capabilities", s.handleCapabilities)
	mux.Handle("GET /agent/deployments/{hash}", operatorOnly(http.HandlerFunc(s.handleSnapshot)))
	mux.Handle("GET /agent/commands/{hash}", operatorOnly(http.HandlerFunc(s.handleListCommands)))
	mux.Handle("POST /agent/commands/{hash}/{command_id}/cancel", operatorOnly(http.HandlerFunc(s.handleCancel)))
	mux.Handle("GET /agent/audit", operatorOnly(http.HandlerFunc(s.handleListAudit)))

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/ready", s.handleHealth)

	return mux
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, message string) {
	s.writeJSON(w, status, errorEnvelope{Error: errorBody{Code: code, Message: message}})
}

// writeServiceError maps service errors onto the stable error taxonomy.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, plane.ErrAlreadyRegistered):
		s.writeError(w, http.StatusConflict, "already_registered", "deployment already has a registered agent")
	case errors.Is(err, plane.ErrUnknownDeployment):
		s.writeError(w, http.StatusNotFound, "unknown_deployment", "no agent registered for deployment")
	case errors.Is(err, plane.ErrForbidden):
		s.writeError(w, http.StatusForbidden, "forbidden", "command belongs to another deployment")
	case errors.Is(err, plane.ErrInvalidStatus):
		s.writeError(w, http.StatusBadRequest, "invalid_status", "status not valid for this command")
	case errors.Is(err, plane.ErrInvalidRequest):
		s.writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, store.ErrNotCancellable):
		s.writeError(w, http.StatusBadRequest, "bad_request", "only queued or sent commands can be cancelled")
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not_found", "resource not found")
	case errors.Is(err, secrets.ErrUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, "secret_store_unavailable", "secret store unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "persistence_error", "internal error")
	}
}

func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	return dec.Decode(dst)
}

// requestMeta extracts client details for the audit trail.
func requestMeta(r *http.Request) plane.RequestMeta {
	ip := r.Header.Get("X-Forwarded-For")
	if ip != "" {
		ip = strings.TrimSpace(strings.Split(ip, ",")[0])
	} else if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		ip = host
	} else {
		ip = r.RemoteAddr
	}
	return plane.RequestMeta{IP: ip, UserAgent: r.UserAgent()}
}
