// ABOUTME: End-to-end HTTP API tests over httptest
// ABOUTME: Register, enqueue, wait, report, cancel, and the read paths

package httpapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trydirect/stacker-sub002/internal/auth"
	"github.com/trydirect/stacker-sub002/internal/dispatch"
	"github.com/trydirect/stacker-sub002/internal/plane"
	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

type testServer struct {
	url      string
	client   *http.Client
	operator string
	secrets  *secrets.Memory
	store    *store.SQLiteStore
}

func setupAPITest(t *testing.T) *testServer {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := dispatch.NewNotifier(nil)
	t.Cleanup(notifier.Close)

	mem := secrets.NewMemory()
	svc := plane.NewService(st, st, mem, dispatch.NewDispatcher(st, notifier, nil), nil)

	jwtVerifier := auth.NewJWTVerifier([]byte("test-secret"))
	agentVerifier := auth.NewAgentVerifier(st, mem, time.Minute)

	srv := New(svc, agentVerifier, jwtVerifier, 2*time.Second, 120*time.Second, nil)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)

	operatorToken, err := jwtVerifier.Generate("operator-1", time.Hour)
	require.NoError(t, err)

	return &testServer{
		url:      ts.URL,
		client:   ts.Client(),
		operator: operatorToken,
		secrets:  mem,
		store:    st,
	}
}

func (ts *testServer) do(t *testing.T, method, path string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, ts.url+path, reader)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := ts.client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (ts *testServer) operatorHeaders() map[string]string {
	return map[string]string{"Authorization": "Bearer " + ts.operator}
}

func (ts *testServer) agentHeaders(hash, token string) map[string]string {
	return map[string]string{
		"X-Agent-Id":    hash,
		"Authorization": "Bearer " + token,
	}
}

func (ts *testServer) register(t *testing.T, hash string) (agentID, token string) {
	t.Helper()

	resp, body := ts.do(t, http.MethodPost, "/agent/register", map[string]any{
		"deployment_hash": hash,
		"capabilities":    []string{"docker", "logs"},
		"version":         "1.0.0",
	}, ts.operatorHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var reg registerResponse
	require.NoError(t, json.Unmarshal(body, &reg))
	return reg.AgentID, reg.AgentToken
}

func errorCode(t *testing.T, body []byte) string {
	t.Helper()
	var env errorEnvelope
	require.NoError(t, json.Unmarshal(body, &env))
	return env.Error.Code
}

func TestAPI_FullScenario(t *testing.T) {
	ts := setupAPITest(t)

	// Register an agent.
	agentID, token := ts.register(t, "dep-1")
	assert.NotEmpty(t, agentID)
	assert.Len(t, token, 86)

	// Enqueue a high-priority restart.
	resp, body := ts.do(t, http.MethodPost, "/agent/commands/enqueue", map[string]any{
		"deployment_hash": "dep-1",
		"type":            "restart",
		"priority":        "high",
		"parameters":      map[string]any{"container": "web"},
	}, ts.operatorHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var enq enqueueResponse
	require.NoError(t, json.Unmarshal(body, &enq))
	assert.Contains(t, enq.CommandID, "cmd_")
	assert.Equal(t, "queued", enq.Status)
	assert.Equal(t, "high", enq.Priority)

	// The agent polls and receives the command as sent.
	resp, body = ts.do(t, http.MethodGet, "/agent/commands/wait", nil, ts.agentHeaders("dep-1", token))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var delivered commandJSON
	require.NoError(t, json.Unmarshal(body, &delivered))
	assert.Equal(t, enq.CommandID, delivered.CommandID)
	assert.Equal(t, "sent", delivered.Status)
	assert.JSONEq(t, `{"container":"web"}`, string(delivered.Parameters))

	// The agent acknowledges before doing the work.
	resp, body = ts.do(t, http.MethodPost, "/agent/commands/ack", map[string]any{
		"command_id": delivered.CommandID,
	}, ts.agentHeaders("dep-1", token))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var ack plane.ReportResult
	require.NoError(t, json.Unmarshal(body, &ack))
	assert.True(t, ack.Accepted)

	// The agent reports completion.
	resp, body = ts.do(t, http.MethodPost, "/agent/commands/report", map[string]any{
		"command_id": delivered.CommandID,
		"status":     "completed",
		"result":     map[string]any{"exit_code": 0},
	}, ts.agentHeaders("dep-1", token))
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var report plane.ReportResult
	require.NoError(t, json.Unmarshal(body, &report))
	assert.True(t, report.Accepted)

	// The snapshot shows the terminal command and an online agent.
	resp, body = ts.do(t, http.MethodGet, "/agent/deployments/dep-1?include_command_results=true", nil, ts.operatorHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var snap snapshotResponse
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, "online", snap.Agent.Status)
	require.Len(t, snap.Commands, 1)
	assert.Equal(t, "completed", snap.Commands[0].Status)
	assert.JSONEq(t, `{"exit_code":0}`, string(snap.Commands[0].Result))

	// The audit trail recorded the whole exchange.
	resp, body = ts.do(t, http.MethodGet, "/agent/audit?deployment_hash=dep-1", nil, ts.operatorHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var audit struct {
		Entries []auditJSON `json:"entries"`
	}
	require.NoError(t, json.Unmarshal(body, &audit))
	actions := make(map[string]bool)
	for _, e := range audit.Entries {
		actions[e.Action] = true
	}
	assert.True(t, actions["agent.registered"])
	assert.True(t, actions["command.enqueued"])
	assert.True(t, actions["agent.command_polled"])
	assert.True(t, actions["agent.command_reported"])
}

func TestAPI_RegisterDuplicate(t *testing.T) {
	ts := setupAPITest(t)
	ts.register(t, "dep-1")

	resp, body := ts.do(t, http.MethodPost, "/agent/register", map[string]any{
		"deployment_hash": "dep-1",
	}, ts.operatorHeaders())
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_registered", errorCode(t, body))
}

func TestAPI_RegisterRequiresOperator(t *testing.T) {
	ts := setupAPITest(t)

	resp, body := ts.do(t, http.MethodPost, "/agent/register", map[string]any{
		"deployment_hash": "dep-1",
	}, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, body))
}

func TestAPI_EnqueueUnknownDeployment(t *testing.T) {
	ts := setupAPITest(t)

	resp, body := ts.do(t, http.MethodPost, "/agent/commands/enqueue", map[string]any{
		"deployment_hash": "dep-ghost",
		"type":            "restart",
	}, ts.operatorHeaders())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "unknown_deployment", errorCode(t, body))
}

func TestAPI_WaitTimesOutEmpty(t *testing.T) {
	ts := setupAPITest(t)
	_, token := ts.register(t, "dep-1")

	start := time.Now()
	resp, _ := ts.do(t, http.MethodGet, "/agent/commands/wait?max_wait_seconds=1", nil, ts.agentHeaders("dep-1", token))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestAPI_WaitRejectsWrongToken(t *testing.T) {
	ts := setupAPITest(t)
	ts.register(t, "dep-1")

	resp, body := ts.do(t, http.MethodGet, "/agent/commands/wait", nil, ts.agentHeaders("dep-1", "wrong-token"))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, body))
}

func TestAPI_WaitRejectsForeignHashInBody(t *testing.T) {
	ts := setupAPITest(t)
	_, token := ts.register(t, "dep-1")
	ts.register(t, "dep-2")

	resp, body := ts.do(t, http.MethodPost, "/agent/commands/wait", map[string]any{
		"deployment_hash": "dep-2",
	}, ts.agentHeaders("dep-1", token))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, body))
}

func TestAPI_ReportIsolationAcrossDeployments(t *testing.T) {
	ts := setupAPITest(t)
	ts.register(t, "dep-a")
	_, tokenB := ts.register(t, "dep-b")

	resp, body := ts.do(t, http.MethodPost, "/agent/commands/enqueue", map[string]any{
		"deployment_hash": "dep-a",
		"type":            "restart",
	}, ts.operatorHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var enq enqueueResponse
	require.NoError(t, json.Unmarshal(body, &enq))

	resp, body = ts.do(t, http.MethodPost, "/agent/commands/report", map[string]any{
		"command_id": enq.CommandID,
		"status":     "completed",
	}, ts.agentHeaders("dep-b", tokenB))
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, body))
}

func TestAPI_ReportInvalidStatus(t *testing.T) {
	ts := setupAPITest(t)
	_, token := ts.register(t, "dep-1")

	resp, body := ts.do(t, http.MethodPost, "/agent/commands/enqueue", map[string]any{
		"deployment_hash": "dep-1",
		"type":            "restart",
	}, ts.operatorHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var enq enqueueResponse
	require.NoError(t, json.Unmarshal(body, &enq))

	resp, body = ts.do(t, http.MethodPost, "/agent/commands/report", map[string]any{
		"command_id": enq.CommandID,
		"status":     "finished",
	}, ts.agentHeaders("dep-1", token))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_status", errorCode(t, body))

	// Interim progress goes through the ack endpoint, never report.
	resp, body = ts.do(t, http.MethodPost, "/agent/commands/report", map[string]any{
		"command_id": enq.CommandID,
		"status":     "executing",
	}, ts.agentHeaders("dep-1", token))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "invalid_status", errorCode(t, body))
}

func TestAPI_Cancel(t *testing.T) {
	ts := setupAPITest(t)
	_, token := ts.register(t, "dep-1")

	resp, body := ts.do(t, http.MethodPost, "/agent/commands/enqueue", map[string]any{
		"deployment_hash": "dep-1",
		"type":            "backup",
	}, ts.operatorHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	var enq enqueueResponse
	require.NoError(t, json.Unmarshal(body, &enq))

	resp, body = ts.do(t, http.MethodPost,
		fmt.Sprintf("/agent/commands/dep-1/%s/cancel", enq.CommandID), nil, ts.operatorHeaders())
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var cancelled commandJSON
	require.NoError(t, json.Unmarshal(body, &cancelled))
	assert.Equal(t, "cancelled", cancelled.Status)

	// A second cancel is rejected: the command is already terminal.
	resp, body = ts.do(t, http.MethodPost,
		fmt.Sprintf("/agent/commands/dep-1/%s/cancel", enq.CommandID), nil, ts.operatorHeaders())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, body))

	// Cancelled work never reaches the agent.
	resp, _ = ts.do(t, http.MethodGet, "/agent/commands/wait?max_wait_seconds=1", nil, ts.agentHeaders("dep-1", token))
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
}

func TestAPI_Capabilities(t *testing.T) {
	ts := setupAPITest(t)
	ts.register(t, "dep-1")

	// Public read path, no auth headers.
	resp, body := ts.do(t, http.MethodGet, "/agent/dep-1/capabilities", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var caps plane.Capabilities
	require.NoError(t, json.Unmarshal(body, &caps))
	assert.Equal(t, "online", caps.Status)
	assert.Len(t, caps.Commands, 5)

	resp, body = ts.do(t, http.MethodGet, "/agent/dep-ghost/capabilities", nil, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &caps))
	assert.Equal(t, "offline", caps.Status)
	assert.Empty(t, caps.Commands)
}

func TestAPI_SecretStoreDownDuringRegister(t *testing.T) {
	ts := setupAPITest(t)
	ts.secrets.FailWith(secrets.ErrUnavailable)

	resp, body := ts.do(t, http.MethodPost, "/agent/register", map[string]any{
		"deployment_hash": "dep-1",
	}, ts.operatorHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))

	var reg registerResponse
	require.NoError(t, json.Unmarshal(body, &reg))
	assert.Len(t, reg.AgentToken, 86)
	assert.NotEmpty(t, reg.Warning)
}

func TestAPI_Health(t *testing.T) {
	ts := setupAPITest(t)

	resp, _ := ts.do(t, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = ts.do(t, http.MethodGet, "/health/ready", nil, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAPI_WakeDuringLongPoll(t *testing.T) {
	ts := setupAPITest(t)
	_, token := ts.register(t, "dep-1")

	type waitResult struct {
		status int
		body   []byte
	}
	done := make(chan waitResult, 1)

	go func() {
		resp, body := ts.do(t, http.MethodGet, "/agent/commands/wait?max_wait_seconds=10", nil, ts.agentHeaders("dep-1", token))
		done <- waitResult{resp.StatusCode, body}
	}()

	// Give the poll a moment to block, then enqueue.
	time.Sleep(200 * time.Millisecond)
	resp, _ := ts.do(t, http.MethodPost, "/agent/commands/enqueue", map[string]any{
		"deployment_hash": "dep-1",
		"type":            "restart",
	}, ts.operatorHeaders())
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	select {
	case r := <-done:
		require.Equal(t, http.StatusOK, r.status, string(r.body))
		var cmd commandJSON
		require.NoError(t, json.Unmarshal(r.body, &cmd))
		assert.Equal(t, "sent", cmd.Status)
	case <-time.After(5 * time.Second):
		t.Fatal("long poll was not woken by enqueue")
	}
}
