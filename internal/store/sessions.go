package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgeworks/conductor/internal/models"
)

// CreateSessionTx spawns a new session row bound to taskID. Fails with a
// plain error if the task already has an active session, enforcing the
// Session Manager's "at most one active session per task" invariant.
func CreateSessionTx(tx *sql.Tx, taskID string, agentType models.AgentType, agentName string) (*models.Session, error) {
	var activeCount int
	err := tx.QueryRowContext(context.Background(), `
		SELECT COUNT(*) FROM sessions
		WHERE task_id = ? AND status IN ('running', 'testing', 'validating')
	`, taskID).Scan(&activeCount)
	if err != nil {
		return nil, fmt.Errorf("failed to check active sessions: %w", err)
	}
	if activeCount > 0 {
		return nil, fmt.Errorf("task %s already has an active session", taskID)
	}

	id := generateID("sess")
	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO sessions (id, task_id, agent_type, agent_name, status, version, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'spawning', 1, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, taskID, string(agentType), agentName)
	if err != nil {
		return nil, fmt.Errorf("failed to insert session: %w", err)
	}

	return getSessionByQuerier(tx, id)
}

const sessionColumns = `id, task_id, agent_type, agent_name, pid, status, spawned_at,
	last_heartbeat_at, exit_code, logs_ref, version, created_at, updated_at`

func scanSessionRow(row interface{ Scan(dest ...any) error }) (*models.Session, error) {
	var s models.Session
	var pid sql.NullInt64
	var lastHeartbeat sql.NullTime
	var exitCode sql.NullInt64
	var logsRef sql.NullString
	err := row.Scan(
		&s.ID, &s.TaskID, &s.AgentType, &s.AgentName, &pid, &s.Status, &s.SpawnedAt,
		&lastHeartbeat, &exitCode, &logsRef, &s.Version, &s.CreatedAt, &s.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if pid.Valid {
		s.PID = int(pid.Int64)
	}
	s.LastHeartbeatAt = scanNullTime(lastHeartbeat)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		s.ExitCode = &v
	}
	s.LogsRef = scanNullString(logsRef)
	return &s, nil
}

// GetSession retrieves a session by ID.
func GetSession(db *sql.DB, id string) (*models.Session, error) {
	return getSessionByQuerier(db, id)
}

func getSessionByQuerier(q Querier, id string) (*models.Session, error) {
	row := q.QueryRow(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	s, err := scanSessionRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}
	return s, nil
}

// UpdateSessionStatusTx transitions a session's status with optimistic
// concurrency. Terminal statuses (completed/failed/terminated) also stamp
// exit_code when provided.
func UpdateSessionStatusTx(tx *sql.Tx, id string, status models.SessionStatus, exitCode *int, version int) error {
	var exitVal any
	if exitCode != nil {
		exitVal = *exitCode
	}
	result, err := tx.ExecContext(context.Background(), `
		UPDATE sessions
		SET status = ?, exit_code = COALESCE(?, exit_code), version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, string(status), exitVal, id, version)
	if err != nil {
		return fmt.Errorf("failed to update session status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &VersionConflictError{Entity: "session", ID: id, Version: version}
	}
	return nil
}

// SetSessionPIDTx records the spawned OS process ID once the agent worker
// subprocess starts, moving the session from spawning to running.
func SetSessionPIDTx(tx *sql.Tx, id string, pid int, version int) error {
	result, err := tx.ExecContext(context.Background(), `
		UPDATE sessions
		SET pid = ?, status = 'running', version = version + 1, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, pid, id, version)
	if err != nil {
		return fmt.Errorf("failed to set session pid: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &VersionConflictError{Entity: "session", ID: id, Version: version}
	}
	return nil
}

// TouchSessionHeartbeatTx records the heartbeat timestamp on the session row
// itself so stuck-session scans don't need to join against heartbeats.
func TouchSessionHeartbeatTx(tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE sessions SET last_heartbeat_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP WHERE id = ?
	`, id)
	if err != nil {
		return fmt.Errorf("failed to touch session heartbeat: %w", err)
	}
	return nil
}

// ListActiveSessions returns every session in a non-terminal status, the set
// the Monitor & PM's stuck-detection sweep scans each tick.
func ListActiveSessions(db *sql.DB) ([]*models.Session, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status IN ('spawning', 'running', 'testing', 'validating')
		ORDER BY spawned_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query active sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListSessionsByTask returns every session (including terminal ones) spawned
// for a task, most recent first.
func ListSessionsByTask(db *sql.DB, taskID string) ([]*models.Session, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+sessionColumns+` FROM sessions WHERE task_id = ? ORDER BY spawned_at DESC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("failed to query sessions by task: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Session
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session row: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
