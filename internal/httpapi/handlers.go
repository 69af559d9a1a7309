// ABOUTME: Request handlers for the control-plane HTTP API
// ABOUTME: Thin JSON decode/encode over the plane service

package httpapi

import (
	"net/http"
	"strconv"
	"time"

	"github.com/trydirect/stacker-sub002/internal/auth"
	"github.com/trydirect/stacker-sub002/internal/plane"
	"github.com/trydirect/stacker-sub002/internal/store"
)

// dashboardVersion and supportedAPIVersions are advertised to agents at
// registration so they can detect protocol drift.
const dashboardVersion = "2.0.0"

var supportedAPIVersions = []string{"1.0"}

type registerResponse struct {
	AgentID              string   `json:"agent_id"`
	AgentToken           string   `json:"agent_token"`
	DashboardVersion     string   `json:"dashboard_version"`
	SupportedAPIVersions []string `json:"supported_api_versions"`
	Warning              string   `json:"warning,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req plane.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.DeploymentHash == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "deployment_hash is required")
		return
	}

	result, err := s.service.Register(r.Context(), req, requestMeta(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	resp := registerResponse{
		AgentID:              result.Agent.ID,
		AgentToken:           result.Token,
		DashboardVersion:     dashboardVersion,
		SupportedAPIVersions: supportedAPIVersions,
	}
	if result.SecretStoreWarning {
		resp.Warning = "secret store unavailable; keep this token, it cannot be reissued"
	}
	s.writeJSON(w, http.StatusCreated, resp)
}

type enqueueResponse struct {
	CommandID string    `json:"command_id"`
	Status    string    `json:"status"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req plane.EnqueueRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.DeploymentHash == "" || req.Type == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "deployment_hash and type are required")
		return
	}

	caller, _ := auth.CallerFromContext(r.Context())
	cmd, err := s.service.Enqueue(r.Context(), req, caller, requestMeta(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusCreated, enqueueResponse{
		CommandID: cmd.CommandID,
		Status:    string(cmd.Status),
		Priority:  string(cmd.Priority),
		CreatedAt: cmd.CreatedAt,
	})
}

type waitRequest struct {
	DeploymentHash string `json:"deployment_hash,omitempty"`
	MaxWaitSeconds int    `json:"max_wait_seconds,omitempty"`
}

func (s *Server) handleWait(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "agent not authenticated")
		return
	}

	var req waitRequest
	if r.Method == http.MethodPost && r.Body != nil {
		// Body is optional; a decode failure on an empty body is fine.
		_ = decodeBody(r, &req)
	}
	if v := r.URL.Query().Get("max_wait_seconds"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			req.MaxWaitSeconds = n
		}
	}

	// The authenticated identity wins over whatever the body claims.
	if req.DeploymentHash != "" && req.DeploymentHash != agent.DeploymentHash {
		s.writeError(w, http.StatusForbidden, "forbidden", "deployment_hash does not match agent identity")
		return
	}

	wait := s.defaultWait
	if req.MaxWaitSeconds > 0 {
		wait = time.Duration(req.MaxWaitSeconds) * time.Second
	}
	if wait < time.Second {
		wait = time.Second
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}

	cmd, err := s.service.Wait(r.Context(), agent, wait, requestMeta(r))
	if err != nil {
		if r.Context().Err() != nil {
			// Client went away mid-wait; nothing to write.
			return
		}
		s.writeServiceError(w, err)
		return
	}
	if cmd == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	s.writeJSON(w, http.StatusOK, toCommandJSON(cmd))
}

type ackRequest struct {
	CommandID string `json:"command_id"`
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "agent not authenticated")
		return
	}

	var req ackRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.CommandID == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "command_id is required")
		return
	}

	result, err := s.service.Acknowledge(r.Context(), agent, req.CommandID, requestMeta(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	agent, ok := auth.AgentFromContext(r.Context())
	if !ok {
		s.writeError(w, http.StatusUnauthorized, "unauthorized", "agent not authenticated")
		return
	}

	var req plane.ReportRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad_request", "invalid JSON body")
		return
	}
	if req.CommandID == "" || req.Status == "" {
		s.writeError(w, http.StatusBadRequest, "bad_request", "command_id and status are required")
		return
	}

	result, err := s.service.Report(r.Context(), agent, req, requestMeta(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	caps, err := s.service.GetCapabilities(r.Context(), r.PathValue("hash"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, caps)
}

type snapshotResponse struct {
	Agent    agentJSON     `json:"agent"`
	Commands []commandJSON `json:"commands"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "command_limit", 0)
	includeResults := r.URL.Query().Get("include_command_results") == "true"

	snap, err := s.service.GetSnapshot(r.Context(), r.PathValue("hash"), limit, includeResults)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, snapshotResponse{
		Agent:    toAgentJSON(snap.Agent),
		Commands: toCommandListJSON(snap.Commands),
	})
}

func (s *Server) handleListCommands(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	includeResults := r.URL.Query().Get("include_results") == "true"

	cmds, err := s.service.ListCommands(r.Context(), r.PathValue("hash"), limit, includeResults)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{"commands": toCommandListJSON(cmds)})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	caller, _ := auth.CallerFromContext(r.Context())

	cmd, err := s.service.Cancel(r.Context(), r.PathValue("hash"), r.PathValue("command_id"), caller, requestMeta(r))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, toCommandJSON(cmd))
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	filter := store.AuditFilter{
		DeploymentHash: r.URL.Query().Get("deployment_hash"),
		Action:         store.AuditAction(r.URL.Query().Get("action")),
		Limit:          queryInt(r, "limit", 100),
	}
	if v := r.URL.Query().Get("since"); v != "" {
		since, err := time.Parse(time.RFC3339, v)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "bad_request", "since must be RFC3339")
			return
		}
		filter.Since = &since
	}

	entries, err := s.service.ListAudit(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	out := make([]auditJSON, len(entries))
	for i, e := range entries {
		out[i] = toAuditJSON(e)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": out})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
