package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forgeworks/conductor/internal/models"
)

// AppendHeartbeatTx records a liveness/progress sample from an agent worker
// session and bumps the owning session's last_heartbeat_at in the same
// transaction, so Session.IsStuck never reads a stale timestamp.
func AppendHeartbeatTx(tx *sql.Tx, h *models.Heartbeat) (int64, error) {
	var progress, memMB any
	var cpu any
	if h.ProgressPercent != nil {
		progress = *h.ProgressPercent
	}
	if h.MemoryMB != nil {
		memMB = *h.MemoryMB
	}
	if h.CPUPercent != nil {
		cpu = *h.CPUPercent
	}

	result, err := tx.ExecContext(context.Background(), `
		INSERT INTO heartbeats (session_id, status, progress_percent, current_step, memory_mb, cpu_percent, created_at)
		VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, h.SessionID, string(h.Status), progress, h.CurrentStep, memMB, cpu)
	if err != nil {
		return 0, fmt.Errorf("failed to insert heartbeat: %w", err)
	}

	if err := TouchSessionHeartbeatTx(tx, h.SessionID); err != nil {
		return 0, err
	}

	return result.LastInsertId()
}

// LastHeartbeat returns the most recent heartbeat for a session, or nil if none.
func LastHeartbeat(db *sql.DB, sessionID string) (*models.Heartbeat, error) {
	row := db.QueryRowContext(context.Background(), `
		SELECT id, session_id, status, progress_percent, current_step, memory_mb, cpu_percent, created_at
		FROM heartbeats WHERE session_id = ? ORDER BY created_at DESC, id DESC LIMIT 1
	`, sessionID)

	var h models.Heartbeat
	var progress, memMB sql.NullInt64
	var cpu sql.NullFloat64
	var step sql.NullString
	err := row.Scan(&h.ID, &h.SessionID, &h.Status, &progress, &step, &memMB, &cpu, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query last heartbeat: %w", err)
	}
	if progress.Valid {
		v := int(progress.Int64)
		h.ProgressPercent = &v
	}
	if memMB.Valid {
		v := int(memMB.Int64)
		h.MemoryMB = &v
	}
	if cpu.Valid {
		h.CPUPercent = &cpu.Float64
	}
	h.CurrentStep = scanNullString(step)
	return &h, nil
}

// ListHeartbeats returns every heartbeat recorded for a session, oldest first.
func ListHeartbeats(db *sql.DB, sessionID string) ([]*models.Heartbeat, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, session_id, status, progress_percent, current_step, memory_mb, cpu_percent, created_at
		FROM heartbeats WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query heartbeats: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Heartbeat
	for rows.Next() {
		var h models.Heartbeat
		var progress, memMB sql.NullInt64
		var cpu sql.NullFloat64
		var step sql.NullString
		if err := rows.Scan(&h.ID, &h.SessionID, &h.Status, &progress, &step, &memMB, &cpu, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan heartbeat: %w", err)
		}
		if progress.Valid {
			v := int(progress.Int64)
			h.ProgressPercent = &v
		}
		if memMB.Valid {
			v := int(memMB.Int64)
			h.MemoryMB = &v
		}
		if cpu.Valid {
			h.CPUPercent = &cpu.Float64
		}
		h.CurrentStep = scanNullString(step)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// AppendActivityTx records a derived observability event for a session
// (file write, command executed, error, spawn/terminate lifecycle markers).
func AppendActivityTx(tx *sql.Tx, sessionID string, kind models.ActivityKind, detailsJSON string) (int64, error) {
	if detailsJSON == "" {
		detailsJSON = "{}"
	}
	result, err := tx.ExecContext(context.Background(), `
		INSERT INTO activities (session_id, kind, details, created_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)
	`, sessionID, string(kind), detailsJSON)
	if err != nil {
		return 0, fmt.Errorf("failed to insert activity: %w", err)
	}
	return result.LastInsertId()
}

// ListActivities returns activities recorded for a session, oldest first.
func ListActivities(db *sql.DB, sessionID string) ([]*models.Activity, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, session_id, kind, details, created_at FROM activities
		WHERE session_id = ? ORDER BY created_at ASC, id ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to query activities: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Activity
	for rows.Next() {
		var a models.Activity
		if err := rows.Scan(&a.ID, &a.SessionID, &a.Kind, &a.Details, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan activity: %w", err)
		}
		out = append(out, &a)
	}
	return out, rows.Err()
}
