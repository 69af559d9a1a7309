// ABOUTME: Command and queue-index persistence on the SQLite store
// ABOUTME: Claim is a single transaction so concurrent waiters get exactly one winner

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const commandColumns = `id, command_id, deployment_hash, type, status, priority,
	parameters, result, error, created_by, timeout_seconds, metadata, created_at, updated_at`

// CreateCommand persists a command as queued and adds its queue-index entry
// in one transaction.
func (s *SQLiteStore) CreateCommand(ctx context.Context, cmd *Command) error {
	if cmd.ID == "" {
		cmd.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if cmd.CreatedAt.IsZero() {
		cmd.CreatedAt = now
	}
	if cmd.UpdatedAt.IsZero() {
		cmd.UpdatedAt = now
	}
	if cmd.Status == "" {
		cmd.Status = StatusQueued
	}
	if cmd.Priority == "" {
		cmd.Priority = PriorityNormal
	}
	if cmd.TimeoutSeconds <= 0 {
		cmd.TimeoutSeconds = 300
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO commands (id, command_id, deployment_hash, type, status, priority,
			parameters, result, error, created_by, timeout_seconds, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		cmd.ID,
		cmd.CommandID,
		cmd.DeploymentHash,
		cmd.Type,
		string(cmd.Status),
		string(cmd.Priority),
		rawToDB(cmd.Parameters),
		rawToDB(cmd.Result),
		rawToDB(cmd.Error),
		cmd.CreatedBy,
		cmd.TimeoutSeconds,
		rawToDB(cmd.Metadata),
		cmd.CreatedAt.Format(timeFormat),
		cmd.UpdatedAt.Format(timeFormat),
	)
	if err != nil {
		if isConstraintViolation(err) {
			return fmt.Errorf("command %q already exists: %w", cmd.CommandID, err)
		}
		return fmt.Errorf("inserting command: %w", err)
	}

	// Queue ordering uses integer unix nanos so FIFO ties within a priority
	// band resolve deterministically.
	_, err = tx.ExecContext(ctx, `
		INSERT INTO command_queue (command_id, deployment_hash, priority, created_at)
		VALUES (?, ?, ?, ?)
	`,
		cmd.CommandID,
		cmd.DeploymentHash,
		cmd.Priority.Ordinal(),
		cmd.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("inserting queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing command: %w", err)
	}

	s.logger.Debug("created command",
		"command_id", cmd.CommandID,
		"deployment_hash", cmd.DeploymentHash,
		"type", cmd.Type,
		"priority", cmd.Priority,
	)
	return nil
}

// GetCommand retrieves a command by its client-facing command_id.
// Returns ErrNotFound if the command doesn't exist.
func (s *SQLiteStore) GetCommand(ctx context.Context, commandID string) (*Command, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE command_id = ?`, commandID)
	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying command: %w", err)
	}
	return cmd, nil
}

// ListCommands returns the most recent commands for a deployment, newest
// first. When includeResults is false the result/error payloads are stripped
// to keep responses small. Limit <= 0 means no limit.
func (s *SQLiteStore) ListCommands(ctx context.Context, deploymentHash string, limit int, includeResults bool) ([]*Command, error) {
	query := `SELECT ` + commandColumns + ` FROM commands WHERE deployment_hash = ? ORDER BY created_at DESC`
	args := []any{deploymentHash}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying commands: %w", err)
	}
	defer rows.Close()

	var commands []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		if !includeResults {
			cmd.Result = nil
			cmd.Error = nil
		}
		commands = append(commands, cmd)
	}
	return commands, rows.Err()
}

// ClaimNext atomically claims the next queued command for a deployment:
// highest priority first, then oldest. The status flip queued→sent and the
// queue-index removal happen in one transaction guarded by a status check,
// so two racing claimers get exactly one winner. Returns ErrNotFound when
// the queue is empty.
func (s *SQLiteStore) ClaimNext(ctx context.Context, deploymentHash string) (*Command, error) {
	// A claimer losing the status CAS means another transaction took the
	// head between our SELECT and UPDATE; re-read for the next entry.
	for attempt := 0; attempt < 3; attempt++ {
		cmd, err := s.claimOnce(ctx, deploymentHash)
		if err == nil || !errors.Is(err, errClaimLost) {
			return cmd, err
		}
	}
	return nil, ErrNotFound
}

var errClaimLost = errors.New("claim lost to concurrent waiter")

func (s *SQLiteStore) claimOnce(ctx context.Context, deploymentHash string) (*Command, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT `+prefixColumns("c")+`
		FROM commands c
		INNER JOIN command_queue q ON c.command_id = q.command_id
		WHERE q.deployment_hash = ?
		ORDER BY q.priority DESC, q.created_at ASC
		LIMIT 1
	`, deploymentHash)

	cmd, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("querying queue head: %w", err)
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ? WHERE command_id = ? AND status = ?`,
		string(StatusSent), now.Format(timeFormat), cmd.CommandID, string(StatusQueued),
	)
	if err != nil {
		return nil, fmt.Errorf("claiming command: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, errClaimLost
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM command_queue WHERE command_id = ?`, cmd.CommandID); err != nil {
		return nil, fmt.Errorf("removing queue entry: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	cmd.Status = StatusSent
	cmd.UpdatedAt = now
	s.logger.Debug("claimed command", "command_id", cmd.CommandID, "deployment_hash", deploymentHash)
	return cmd, nil
}

// MarkExecuting transitions a sent command to executing.
func (s *SQLiteStore) MarkExecuting(ctx context.Context, commandID string) error {
	result, err := s.db.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ? WHERE command_id = ? AND status = ?`,
		string(StatusExecuting), time.Now().UTC().Format(timeFormat), commandID, string(StatusSent),
	)
	if err != nil {
		return fmt.Errorf("marking command executing: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		cmd, err := s.GetCommand(ctx, commandID)
		if err != nil {
			return err
		}
		if cmd.Status.IsTerminal() {
			return ErrTerminalCommand
		}
		return ErrInvalidTransition
	}
	return nil
}

// CompleteCommand applies an agent-reported terminal status plus result/error
// payloads. The update is guarded by the state machine: a command already in
// a terminal state is never resurrected — callers see ErrTerminalCommand and
// treat a matching duplicate report as a no-op.
func (s *SQLiteStore) CompleteCommand(ctx context.Context, commandID string, status CommandStatus, result, cmdErr json.RawMessage) (*Command, error) {
	if status != StatusCompleted && status != StatusFailed {
		return nil, ErrInvalidTransition
	}

	cmd, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status.IsTerminal() {
		return cmd, ErrTerminalCommand
	}
	if !cmd.Status.CanTransition(status) {
		return nil, ErrInvalidTransition
	}

	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx, `
		UPDATE commands SET status = ?, result = ?, error = ?, updated_at = ?
		WHERE command_id = ? AND status = ?
	`,
		string(status),
		rawToDB(result),
		rawToDB(cmdErr),
		now.Format(timeFormat),
		commandID,
		string(cmd.Status),
	)
	if err != nil {
		return nil, fmt.Errorf("updating command result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		// Concurrent transition happened between read and write; re-read
		// and let the caller decide how to handle the terminal case.
		current, getErr := s.GetCommand(ctx, commandID)
		if getErr != nil {
			return nil, getErr
		}
		if current.Status.IsTerminal() {
			return current, ErrTerminalCommand
		}
		return nil, ErrInvalidTransition
	}

	cmd.Status = status
	cmd.Result = result
	cmd.Error = cmdErr
	cmd.UpdatedAt = now
	return cmd, nil
}

// CancelCommand cancels a command and removes any queue entry in one
// transaction. Only queued and sent commands can be cancelled.
func (s *SQLiteStore) CancelCommand(ctx context.Context, commandID string) (*Command, error) {
	cmd, err := s.GetCommand(ctx, commandID)
	if err != nil {
		return nil, err
	}
	if cmd.Status != StatusQueued && cmd.Status != StatusSent {
		return nil, ErrNotCancellable
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM command_queue WHERE command_id = ?`, commandID); err != nil {
		return nil, fmt.Errorf("removing queue entry: %w", err)
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE commands SET status = ?, updated_at = ? WHERE command_id = ? AND status IN (?, ?)`,
		string(StatusCancelled), now.Format(timeFormat), commandID,
		string(StatusQueued), string(StatusSent),
	)
	if err != nil {
		return nil, fmt.Errorf("cancelling command: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return nil, ErrNotCancellable
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing cancel: %w", err)
	}

	cmd.Status = StatusCancelled
	cmd.UpdatedAt = now
	s.logger.Info("cancelled command", "command_id", commandID)
	return cmd, nil
}

// RemoveFromQueue deletes a command's queue-index entry if one still exists.
// Claim already removes the entry; this is defensive cleanup on report.
func (s *SQLiteStore) RemoveFromQueue(ctx context.Context, commandID string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM command_queue WHERE command_id = ?`, commandID)
	if err != nil {
		return fmt.Errorf("removing queue entry: %w", err)
	}
	return nil
}

// ReapStale fails commands stuck in sent/executing past their own
// timeout_seconds, measured from the last status change. Returns the
// commands it transitioned so the caller can audit them.
func (s *SQLiteStore) ReapStale(ctx context.Context, now time.Time) ([]*Command, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+commandColumns+` FROM commands WHERE status IN (?, ?)`,
		string(StatusSent), string(StatusExecuting),
	)
	if err != nil {
		return nil, fmt.Errorf("querying in-flight commands: %w", err)
	}
	defer rows.Close()

	var candidates []*Command
	for rows.Next() {
		cmd, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning command: %w", err)
		}
		deadline := cmd.UpdatedAt.Add(time.Duration(cmd.TimeoutSeconds) * time.Second)
		if now.After(deadline) {
			candidates = append(candidates, cmd)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	timeoutErr, _ := json.Marshal(CommandError{
		Code:    "timeout",
		Message: "command exceeded its timeout without a report",
	})

	var reaped []*Command
	for _, cmd := range candidates {
		result, err := s.db.ExecContext(ctx,
			`UPDATE commands SET status = ?, error = ?, updated_at = ? WHERE command_id = ? AND status = ?`,
			string(StatusFailed), string(timeoutErr),
			now.UTC().Format(timeFormat), cmd.CommandID, string(cmd.Status),
		)
		if err != nil {
			return reaped, fmt.Errorf("failing stale command %s: %w", cmd.CommandID, err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			// The agent reported in the meantime; leave it alone.
			continue
		}
		cmd.Status = StatusFailed
		cmd.Error = timeoutErr
		reaped = append(reaped, cmd)
		s.logger.Warn("failed stale command",
			"command_id", cmd.CommandID,
			"deployment_hash", cmd.DeploymentHash,
			"timeout_seconds", cmd.TimeoutSeconds,
		)
	}
	return reaped, nil
}

func prefixColumns(alias string) string {
	cols := ""
	for i, c := range []string{"id", "command_id", "deployment_hash", "type", "status", "priority",
		"parameters", "result", "error", "created_by", "timeout_seconds", "metadata", "created_at", "updated_at"} {
		if i > 0 {
			cols += ", "
		}
		cols += alias + "." + c
	}
	return cols
}

func scanCommand(row scanner) (*Command, error) {
	var cmd Command
	var status, priority string
	var parameters, result, cmdErr, metadata sql.NullString
	var createdAt, updatedAt string

	err := row.Scan(
		&cmd.ID,
		&cmd.CommandID,
		&cmd.DeploymentHash,
		&cmd.Type,
		&status,
		&priority,
		&parameters,
		&result,
		&cmdErr,
		&cmd.CreatedBy,
		&cmd.TimeoutSeconds,
		&metadata,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	cmd.Status = CommandStatus(status)
	cmd.Priority = CommandPriority(priority)
	if parameters.Valid {
		cmd.Parameters = json.RawMessage(parameters.String)
	}
	if result.Valid {
		cmd.Result = json.RawMessage(result.String)
	}
	if cmdErr.Valid {
		cmd.Error = json.RawMessage(cmdErr.String)
	}
	if metadata.Valid {
		cmd.Metadata = json.RawMessage(metadata.String)
	}
	if cmd.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	if cmd.UpdatedAt, err = time.Parse(timeFormat, updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at: %w", err)
	}
	return &cmd, nil
}
