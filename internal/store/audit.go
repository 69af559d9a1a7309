// ABOUTME: Append-only audit log persistence for control-plane and agent actions
// ABOUTME: Entries are never updated or deleted; listing supports simple filters

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AppendAudit writes one audit entry. ID and timestamp are generated when
// missing. The detail map must never contain raw command payloads or token
// values; callers record presence flags instead.
func (s *SQLiteStore) AppendAudit(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	var detail any
	if len(entry.Detail) > 0 {
		b, err := json.Marshal(entry.Detail)
		if err != nil {
			return fmt.Errorf("encoding audit detail: %w", err)
		}
		detail = string(b)
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_log (id, agent_id, deployment_hash, action, status, detail_json,
			ip_address, user_agent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		entry.ID,
		nullString(ptrToString(entry.AgentID)),
		nullString(ptrToString(entry.DeploymentHash)),
		string(entry.Action),
		nullString(entry.Status),
		detail,
		nullString(entry.IPAddress),
		nullString(entry.UserAgent),
		entry.CreatedAt.Format(timeFormat),
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// ListAudit returns audit entries matching the filter, newest first.
func (s *SQLiteStore) ListAudit(ctx context.Context, filter AuditFilter) ([]*AuditEntry, error) {
	query := `
		SELECT id, agent_id, deployment_hash, action, status, detail_json,
			ip_address, user_agent, created_at
		FROM audit_log
		WHERE 1=1
	`
	var args []any

	if filter.DeploymentHash != "" {
		query += ` AND deployment_hash = ?`
		args = append(args, filter.DeploymentHash)
	}
	if filter.Action != "" {
		query += ` AND action = ?`
		args = append(args, string(filter.Action))
	}
	if filter.Since != nil {
		query += ` AND created_at >= ?`
		args = append(args, filter.Since.UTC().Format(timeFormat))
	}

	query += ` ORDER BY created_at DESC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var entries []*AuditEntry
	for rows.Next() {
		var entry AuditEntry
		var agentID, deploymentHash, status, detail, ip, ua sql.NullString
		var createdAt string

		err := rows.Scan(
			&entry.ID,
			&agentID,
			&deploymentHash,
			(*string)(&entry.Action),
			&status,
			&detail,
			&ip,
			&ua,
			&createdAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning audit entry: %w", err)
		}

		if agentID.Valid {
			entry.AgentID = &agentID.String
		}
		if deploymentHash.Valid {
			entry.DeploymentHash = &deploymentHash.String
		}
		entry.Status = status.String
		entry.IPAddress = ip.String
		entry.UserAgent = ua.String
		if detail.Valid {
			if err := json.Unmarshal([]byte(detail.String), &entry.Detail); err != nil {
				return nil, fmt.Errorf("decoding audit detail: %w", err)
			}
		}
		if entry.CreatedAt, err = time.Parse(timeFormat, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}
