// ABOUTME: Tests for enqueue, wait, report, and cancel service operations
// ABOUTME: Exercises idempotent reports and cross-deployment isolation

package plane

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trydirect/stacker-sub002/internal/store"
)

func TestEnqueue_UnknownDeployment(t *testing.T) {
	svc, _, _ := setupServiceTest(t)

	_, err := svc.Enqueue(context.Background(), EnqueueRequest{
		DeploymentHash: "nobody-home",
		Type:           "restart",
	}, "operator-1", RequestMeta{})
	assert.ErrorIs(t, err, ErrUnknownDeployment)
}

func TestEnqueue_Defaults(t *testing.T) {
	svc, _, _ := setupServiceTest(t)
	registerAgent(t, svc, "dep-1")

	cmd, err := svc.Enqueue(context.Background(), EnqueueRequest{
		DeploymentHash: "dep-1",
		Type:           "restart",
		Priority:       "ludicrous",
	}, "operator-1", RequestMeta{})
	require.NoError(t, err)

	assert.Contains(t, cmd.CommandID, "cmd_")
	assert.Equal(t, store.StatusQueued, cmd.Status)
	assert.Equal(t, store.PriorityNormal, cmd.Priority, "unknown priority degrades to normal")
	assert.Equal(t, 300, cmd.TimeoutSeconds)
	assert.Equal(t, "operator-1", cmd.CreatedBy)
}

func TestWaitReport_FullLifecycle(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	ctx := context.Background()

	agent, _ := registerAgent(t, svc, "dep-1")
	queued := enqueueCommand(t, svc, "dep-1", "restart")

	// The agent polls and receives the command as sent.
	delivered, err := svc.Wait(ctx, agent, time.Second, RequestMeta{})
	require.NoError(t, err)
	require.NotNil(t, delivered)
	assert.Equal(t, queued.CommandID, delivered.CommandID)
	assert.Equal(t, store.StatusSent, delivered.Status)

	// Optional interim acknowledgement before the terminal report.
	res, err := svc.Acknowledge(ctx, agent, delivered.CommandID, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	// Terminal completion with a result payload.
	started := time.Now().Add(-2 * time.Second)
	completed := time.Now()
	res, err = svc.Report(ctx, agent, ReportRequest{
		CommandID:   delivered.CommandID,
		Status:      "completed",
		Result:      json.RawMessage(`{"exit_code":0}`),
		StartedAt:   &started,
		CompletedAt: &completed,
	}, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	final, err := st.GetCommand(ctx, delivered.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.JSONEq(t, `{"exit_code":0}`, string(final.Result))

	// The poll doubled as a heartbeat.
	refreshed, err := st.GetAgent(ctx, agent.ID)
	require.NoError(t, err)
	assert.NotNil(t, refreshed.LastHeartbeat)
	assert.Equal(t, store.AgentOnline, refreshed.Status)

	actions := auditActions(t, st, "dep-1")
	assert.Contains(t, actions, store.AuditAgentPolled)
	assert.Contains(t, actions, store.AuditCommandReported)
}

func TestReport_DuplicateTerminalIsNoOp(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	ctx := context.Background()

	agent, _ := registerAgent(t, svc, "dep-1")
	enqueueCommand(t, svc, "dep-1", "restart")

	cmd, err := svc.Wait(ctx, agent, time.Second, RequestMeta{})
	require.NoError(t, err)

	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: cmd.CommandID,
		Status:    "completed",
		Result:    json.RawMessage(`{"exit_code":0}`),
	}, RequestMeta{})
	require.NoError(t, err)

	// A retried report with a different outcome must not resurrect or
	// rewrite the command.
	res, err := svc.Report(ctx, agent, ReportRequest{
		CommandID: cmd.CommandID,
		Status:    "failed",
		Error:     json.RawMessage(`{"code":"boom"}`),
	}, RequestMeta{})
	require.NoError(t, err)
	assert.False(t, res.Accepted)

	final, err := st.GetCommand(ctx, cmd.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, final.Status)
	assert.JSONEq(t, `{"exit_code":0}`, string(final.Result))
}

func TestReport_Forbidden(t *testing.T) {
	svc, _, _ := setupServiceTest(t)
	ctx := context.Background()

	registerAgent(t, svc, "dep-a")
	intruder, _ := registerAgent(t, svc, "dep-b")
	cmd := enqueueCommand(t, svc, "dep-a", "restart")

	_, err := svc.Report(ctx, intruder, ReportRequest{
		CommandID: cmd.CommandID,
		Status:    "completed",
	}, RequestMeta{})
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestReport_InvalidStatus(t *testing.T) {
	svc, _, _ := setupServiceTest(t)
	ctx := context.Background()

	agent, _ := registerAgent(t, svc, "dep-1")
	cmd := enqueueCommand(t, svc, "dep-1", "restart")

	// Unknown status string.
	_, err := svc.Report(ctx, agent, ReportRequest{
		CommandID: cmd.CommandID,
		Status:    "done",
	}, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// Agents cannot report queue-side statuses.
	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: cmd.CommandID,
		Status:    "queued",
	}, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// The interim transition has its own operation; report takes terminal
	// statuses only.
	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: cmd.CommandID,
		Status:    "executing",
	}, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidStatus)

	// Completing a still-queued command skips sent; the transition table
	// rejects it.
	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: cmd.CommandID,
		Status:    "completed",
	}, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestReport_UnknownCommand(t *testing.T) {
	svc, _, _ := setupServiceTest(t)

	agent, _ := registerAgent(t, svc, "dep-1")
	_, err := svc.Report(context.Background(), agent, ReportRequest{
		CommandID: "cmd_missing",
		Status:    "completed",
	}, RequestMeta{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestCancel(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	ctx := context.Background()

	agent, _ := registerAgent(t, svc, "dep-1")
	cmd := enqueueCommand(t, svc, "dep-1", "restart")

	t.Run("queued command cancels", func(t *testing.T) {
		cancelled, err := svc.Cancel(ctx, "dep-1", cmd.CommandID, "operator-1", RequestMeta{})
		require.NoError(t, err)
		assert.Equal(t, store.StatusCancelled, cancelled.Status)

		// Cancelled commands never reach a polling agent.
		got, err := svc.Wait(ctx, agent, 100*time.Millisecond, RequestMeta{})
		require.NoError(t, err)
		assert.Nil(t, got)
	})

	t.Run("wrong deployment reads as not found", func(t *testing.T) {
		other := enqueueCommand(t, svc, "dep-1", "stop")
		_, err := svc.Cancel(ctx, "dep-other", other.CommandID, "operator-1", RequestMeta{})
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("executing command cannot cancel", func(t *testing.T) {
		running := enqueueCommand(t, svc, "dep-1", "backup")
		got, err := svc.Wait(ctx, agent, time.Second, RequestMeta{})
		require.NoError(t, err)
		require.Equal(t, running.CommandID, got.CommandID)
		require.NoError(t, st.MarkExecuting(ctx, running.CommandID))

		_, err = svc.Cancel(ctx, "dep-1", running.CommandID, "operator-1", RequestMeta{})
		assert.ErrorIs(t, err, store.ErrNotCancellable)
	})

	actions := auditActions(t, st, "dep-1")
	assert.Contains(t, actions, store.AuditCommandCancelled)
}

func TestSnapshot(t *testing.T) {
	svc, _, _ := setupServiceTest(t)
	ctx := context.Background()

	agent, _ := registerAgent(t, svc, "dep-1")
	cmd := enqueueCommand(t, svc, "dep-1", "restart")

	got, err := svc.Wait(ctx, agent, time.Second, RequestMeta{})
	require.NoError(t, err)
	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: got.CommandID,
		Status:    "completed",
		Result:    json.RawMessage(`{"ok":true}`),
	}, RequestMeta{})
	require.NoError(t, err)

	snap, err := svc.GetSnapshot(ctx, "dep-1", 0, false)
	require.NoError(t, err)
	assert.Equal(t, agent.ID, snap.Agent.ID)
	require.Len(t, snap.Commands, 1)
	assert.Equal(t, cmd.CommandID, snap.Commands[0].CommandID)
	assert.Nil(t, snap.Commands[0].Result, "results stripped unless requested")

	snap, err = svc.GetSnapshot(ctx, "dep-1", 10, true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(snap.Commands[0].Result))

	_, err = svc.GetSnapshot(ctx, "dep-missing", 0, false)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAcknowledge(t *testing.T) {
	svc, st, _ := setupServiceTest(t)
	ctx := context.Background()

	agent, _ := registerAgent(t, svc, "dep-1")
	enqueueCommand(t, svc, "dep-1", "restart")

	delivered, err := svc.Wait(ctx, agent, time.Second, RequestMeta{})
	require.NoError(t, err)

	res, err := svc.Acknowledge(ctx, agent, delivered.CommandID, RequestMeta{})
	require.NoError(t, err)
	assert.True(t, res.Accepted)

	got, err := st.GetCommand(ctx, delivered.CommandID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusExecuting, got.Status)

	// A late acknowledgement after the terminal report is a no-op, not an
	// error, mirroring duplicate terminal reports.
	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: delivered.CommandID,
		Status:    "completed",
	}, RequestMeta{})
	require.NoError(t, err)

	res, err = svc.Acknowledge(ctx, agent, delivered.CommandID, RequestMeta{})
	require.NoError(t, err)
	assert.False(t, res.Accepted)
}

func TestAcknowledge_RejectsQueuedCommand(t *testing.T) {
	svc, _, _ := setupServiceTest(t)

	agent, _ := registerAgent(t, svc, "dep-1")
	cmd := enqueueCommand(t, svc, "dep-1", "restart")

	// Executing requires a prior claim; queued to executing skips sent.
	_, err := svc.Acknowledge(context.Background(), agent, cmd.CommandID, RequestMeta{})
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestAcknowledge_Forbidden(t *testing.T) {
	svc, _, _ := setupServiceTest(t)
	ctx := context.Background()

	intruder, _ := registerAgent(t, svc, "dep-a")
	owner, _ := registerAgent(t, svc, "dep-b")
	enqueueCommand(t, svc, "dep-b", "restart")

	delivered, err := svc.Wait(ctx, owner, time.Second, RequestMeta{})
	require.NoError(t, err)

	_, err = svc.Acknowledge(ctx, intruder, delivered.CommandID, RequestMeta{})
	assert.ErrorIs(t, err, ErrForbidden)
}

// recordingEvents captures completion events for assertions.
type recordingEvents struct {
	mu        sync.Mutex
	completed []*store.Command
}

func (r *recordingEvents) CommandCompleted(_ context.Context, cmd *store.Command) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, cmd)
}

func TestReport_PublishesCompletionEvent(t *testing.T) {
	svc, _, _ := setupServiceTest(t)
	ctx := context.Background()

	events := &recordingEvents{}
	svc.SetCommandEvents(events)

	agent, _ := registerAgent(t, svc, "dep-1")
	enqueueCommand(t, svc, "dep-1", "restart")

	delivered, err := svc.Wait(ctx, agent, time.Second, RequestMeta{})
	require.NoError(t, err)

	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: delivered.CommandID,
		Status:    "failed",
		Error:     json.RawMessage(`{"code":"exec_error"}`),
	}, RequestMeta{})
	require.NoError(t, err)

	require.Len(t, events.completed, 1)
	assert.Equal(t, delivered.CommandID, events.completed[0].CommandID)
	assert.Equal(t, store.StatusFailed, events.completed[0].Status)

	// A duplicate terminal report changes nothing and publishes nothing.
	_, err = svc.Report(ctx, agent, ReportRequest{
		CommandID: delivered.CommandID,
		Status:    "completed",
	}, RequestMeta{})
	require.NoError(t, err)
	assert.Len(t, events.completed, 1)
}
