// ABOUTME: Shared test helpers for the store package
// ABOUTME: Creates temporary SQLite stores and command fixtures

package store

import (
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// setupTestStore creates a temporary SQLite store for testing.
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	s, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		s.Close()
	})

	return s
}

// testAgent returns a minimal agent fixture for the given deployment hash.
func testAgent(deploymentHash string) *Agent {
	return &Agent{
		DeploymentHash: deploymentHash,
		Capabilities:   []string{"docker", "logs"},
		Version:        "1.4.0",
		SystemInfo:     []byte(`{"os":"linux"}`),
	}
}

// testCommand returns a queued command fixture.
func testCommand(deploymentHash string, priority CommandPriority, createdAt time.Time) *Command {
	return &Command{
		CommandID:      fmt.Sprintf("cmd_%s", uuid.New().String()),
		DeploymentHash: deploymentHash,
		Type:           "restart",
		Priority:       priority,
		Parameters:     []byte(`{"container":"web"}`),
		CreatedBy:      "test-operator",
		CreatedAt:      createdAt,
	}
}
