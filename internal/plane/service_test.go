// ABOUTME: Shared test fixtures for the control-plane service
// ABOUTME: Builds a service over one SQLite store and an in-memory secret store

package plane

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/trydirect/stacker-sub002/internal/dispatch"
	"github.com/trydirect/stacker-sub002/internal/secrets"
	"github.com/trydirect/stacker-sub002/internal/store"
)

func setupServiceTest(t *testing.T) (*Service, *store.SQLiteStore, *secrets.Memory) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := dispatch.NewNotifier(nil)
	t.Cleanup(notifier.Close)

	mem := secrets.NewMemory()
	svc := NewService(st, st, mem, dispatch.NewDispatcher(st, notifier, nil), nil)
	return svc, st, mem
}

func registerAgent(t *testing.T, svc *Service, hash string, capabilities ...string) (*store.Agent, string) {
	t.Helper()

	if capabilities == nil {
		capabilities = []string{"docker", "logs"}
	}
	result, err := svc.Register(context.Background(), RegisterRequest{
		DeploymentHash: hash,
		Capabilities:   capabilities,
		Version:        "1.2.3",
	}, RequestMeta{IP: "10.0.0.1"})
	require.NoError(t, err)
	return result.Agent, result.Token
}

func enqueueCommand(t *testing.T, svc *Service, hash, cmdType string) *store.Command {
	t.Helper()

	cmd, err := svc.Enqueue(context.Background(), EnqueueRequest{
		DeploymentHash: hash,
		Type:           cmdType,
	}, "operator-1", RequestMeta{})
	require.NoError(t, err)
	return cmd
}

func auditActions(t *testing.T, st *store.SQLiteStore, hash string) []store.AuditAction {
	t.Helper()

	entries, err := st.ListAudit(context.Background(), store.AuditFilter{DeploymentHash: hash})
	require.NoError(t, err)

	actions := make([]store.AuditAction, len(entries))
	for i, e := range entries {
		actions[i] = e.Action
	}
	return actions
}
