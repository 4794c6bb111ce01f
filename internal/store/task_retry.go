package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/forgeworks/conductor/internal/models"
)

// RecordTaskFailureTx records a classified failure against a task: it bumps
// retry_count, stashes the error for MaxRetriesExceeded checks, and schedules
// the task's next eligible claim time. Callers decide the resulting status
// (typically "pending" to retry or "blocked" once the policy is exhausted).
// nextRetryAt may be nil (no further retry scheduled, e.g. when blocking).
func RecordTaskFailureTx(tx *sql.Tx, taskID string, lastErr *models.LastError, nextStatus string, nextRetryAt *time.Time, version int) error {
	var nextRetryVal any
	if nextRetryAt != nil {
		nextRetryVal = *nextRetryAt
	}
	result, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET status = ?,
		    retry_count = retry_count + 1,
		    last_error_kind = ?,
		    last_error_message = ?,
		    last_error_location = ?,
		    next_retry_at = ?,
		    version = version + 1,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND version = ?
	`, nextStatus, string(lastErr.Kind), lastErr.Message, lastErr.Location, nextRetryVal, taskID, version)
	if err != nil {
		return fmt.Errorf("failed to record task failure: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return &VersionConflictError{Entity: "task", ID: taskID, Version: version}
	}
	return nil
}

// ClearRetryStateTx resets the retry bookkeeping once a task completes
// successfully, so a later re-run (e.g. after a manual reopen) starts clean.
func ClearRetryStateTx(tx *sql.Tx, taskID string) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE tasks
		SET retry_count = 0, next_retry_at = NULL, last_error_kind = NULL,
		    last_error_message = NULL, last_error_location = NULL
		WHERE id = ?
	`, taskID)
	if err != nil {
		return fmt.Errorf("failed to clear retry state: %w", err)
	}
	return nil
}

// SetCompletionReportTx stores the worker's rendered completion report
// alongside the task once it reaches pending_verification or completed.
func SetCompletionReportTx(tx *sql.Tx, taskID, report string) error {
	_, err := tx.ExecContext(context.Background(), `UPDATE tasks SET completion_report = ? WHERE id = ?`, report, taskID)
	if err != nil {
		return fmt.Errorf("failed to set completion report: %w", err)
	}
	return nil
}

// ListRetryableTasks returns tasks whose next_retry_at has elapsed and whose
// status is pending, so the Task Orchestrator's dispatch tick can reclaim
// them without a separate cron job.
func ListRetryableTasks(db *sql.DB) ([]*models.Task, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= CURRENT_TIMESTAMP
		ORDER BY priority DESC, next_retry_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query retryable tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []*models.Task
	for rows.Next() {
		scanner := &taskRowScanner{}
		if err := scanner.scan(rows); err != nil {
			return nil, fmt.Errorf("failed to scan task row: %w", err)
		}
		scanner.hydrate()
		tasks = append(tasks, scanner.getTask())
	}
	return tasks, rows.Err()
}
