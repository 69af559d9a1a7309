// ABOUTME: SQLite implementation of the store interfaces using modernc.org/sqlite
// ABOUTME: Provides agent/command/audit persistence with automatic schema creation

package store

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements AgentStore, CommandStore and AuditStore on SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// Pools holds the two independently sized database handles. Agent long-poll
// traffic and interactive API traffic must never compete for the same
// connection headroom: a burst of held-open agent polls on the Agent handle
// cannot starve requests served from the API handle.
type Pools struct {
	Agent *SQLiteStore
	API   *SQLiteStore
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	return newSQLiteStore(path, 0, true)
}

// OpenPools opens the agent and API handles over the same database file,
// each capped at its configured connection count. The schema is created
// once, through the agent handle.
func OpenPools(path string, agentConns, apiConns int) (*Pools, error) {
	agent, err := newSQLiteStore(path, agentConns, true)
	if err != nil {
		return nil, fmt.Errorf("opening agent pool: %w", err)
	}
	api, err := newSQLiteStore(path, apiConns, false)
	if err != nil {
		agent.Close()
		return nil, fmt.Errorf("opening api pool: %w", err)
	}
	api.logger = slog.Default().With("component", "store", "pool", "api")
	agent.logger = slog.Default().With("component", "store", "pool", "agent")
	return &Pools{Agent: agent, API: api}, nil
}

func newSQLiteStore(path string, maxConns int, createSchema bool) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	// Enable WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	// Writers in the agent and API pools block each other briefly; wait
	// instead of surfacing SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if createSchema {
		if err := s.createSchema(); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
		logger.Info("SQLite store initialized", "path", path)
	}

	return s, nil
}

// createSchema creates the database tables if they don't exist.
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS agents (
			id                     TEXT PRIMARY KEY,
			deployment_hash        TEXT NOT NULL UNIQUE,
			capabilities_json      TEXT NOT NULL DEFAULT '[]',
			version                TEXT,
			system_info_json       TEXT,
			public_key_fingerprint TEXT,
			status                 TEXT NOT NULL DEFAULT 'offline',
			last_heartbeat         TEXT,
			created_at             TEXT NOT NULL,
			updated_at             TEXT NOT NULL,

			CHECK (status IN ('online', 'offline'))
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

		CREATE TABLE IF NOT EXISTS commands (
			id              TEXT PRIMARY KEY,
			command_id      TEXT NOT NULL UNIQUE,
			deployment_hash TEXT NOT NULL,
			type            TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'queued',
			priority        TEXT NOT NULL DEFAULT 'normal',
			parameters      TEXT,
			result          TEXT,
			error           TEXT,
			created_by      TEXT NOT NULL,
			timeout_seconds INTEGER NOT NULL DEFAULT 300,
			metadata        TEXT,
			created_at      TEXT NOT NULL,
			updated_at      TEXT NOT NULL,

			CHECK (status IN ('queued', 'sent', 'executing', 'completed', 'failed', 'cancelled')),
			CHECK (priority IN ('low', 'normal', 'high', 'critical'))
		);

		CREATE INDEX IF NOT EXISTS idx_commands_deployment
			ON commands(deployment_hash, created_at);
		CREATE INDEX IF NOT EXISTS idx_commands_status ON commands(status);

		CREATE TABLE IF NOT EXISTS command_queue (
			command_id      TEXT PRIMARY KEY,
			deployment_hash TEXT NOT NULL,
			priority        INTEGER NOT NULL,
			created_at      INTEGER NOT NULL,

			FOREIGN KEY (command_id) REFERENCES commands(command_id)
		);

		CREATE INDEX IF NOT EXISTS idx_queue_deployment
			ON command_queue(deployment_hash, priority DESC, created_at ASC);

		CREATE TABLE IF NOT EXISTS audit_log (
			id              TEXT PRIMARY KEY,
			agent_id        TEXT,
			deployment_hash TEXT,
			action          TEXT NOT NULL,
			status          TEXT,
			detail_json     TEXT,
			ip_address      TEXT,
			user_agent      TEXT,
			created_at      TEXT NOT NULL
		);

		CREATE INDEX IF NOT EXISTS idx_audit_created ON audit_log(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_audit_deployment ON audit_log(deployment_hash);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("executing schema: %w", err)
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Close closes both pool handles.
func (p *Pools) Close() error {
	err := p.Agent.Close()
	if apiErr := p.API.Close(); err == nil {
		err = apiErr
	}
	return err
}

// isConstraintViolation reports whether err is a SQLite constraint failure.
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func ptrToString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
