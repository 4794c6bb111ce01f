package store

import (
	"database/sql"
	"time"

	"github.com/forgeworks/conductor/internal/models"
)

// scanNullString converts sql.NullString to string (empty if NULL)
func scanNullString(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

// scanNullTime converts sql.NullTime to *time.Time (nil if NULL)
func scanNullTime(nt sql.NullTime) *time.Time {
	if nt.Valid {
		return &nt.Time
	}
	return nil
}

// taskColumns is the fixed column list shared by every task SELECT so the
// scanner and the query text never drift apart.
const taskColumns = `id, display_id, title, description, status, priority, project_id,
	spec_path, assigned_agent_type, blocked_reason, claimed_by, claimed_at,
	claim_expires_at, last_heartbeat_at, retry_count, next_retry_at, attempt,
	last_error_kind, last_error_message, last_error_location, completion_report,
	version, created_at, updated_at`

// taskRowScanner encapsulates the common task row scanning logic.
type taskRowScanner struct {
	task           models.Task
	displayID      sql.NullString
	projID         sql.NullString
	specPath       sql.NullString
	assignedAgent  sql.NullString
	blockedReason  sql.NullString
	claimedBy      sql.NullString
	claimedAt      sql.NullTime
	claimExpiresAt sql.NullTime
	lastHeartbeat  sql.NullTime
	nextRetryAt    sql.NullTime
	errKind        sql.NullString
	errMessage     sql.NullString
	errLocation    sql.NullString
	completion     sql.NullString
}

func (s *taskRowScanner) scan(row interface {
	Scan(dest ...any) error
}) error {
	return row.Scan(
		&s.task.ID,
		&s.displayID,
		&s.task.Title,
		&s.task.Description,
		&s.task.Status,
		&s.task.Priority,
		&s.projID,
		&s.specPath,
		&s.assignedAgent,
		&s.blockedReason,
		&s.claimedBy,
		&s.claimedAt,
		&s.claimExpiresAt,
		&s.lastHeartbeat,
		&s.task.RetryCount,
		&s.nextRetryAt,
		&s.task.Attempt,
		&s.errKind,
		&s.errMessage,
		&s.errLocation,
		&s.completion,
		&s.task.Version,
		&s.task.CreatedAt,
		&s.task.UpdatedAt,
	)
}

func (s *taskRowScanner) hydrate() {
	s.task.DisplayID = scanNullString(s.displayID)
	s.task.ProjectID = scanNullString(s.projID)
	s.task.SpecPath = scanNullString(s.specPath)
	s.task.AssignedAgentType = models.AgentType(scanNullString(s.assignedAgent))
	if s.blockedReason.Valid {
		s.task.BlockedReason = models.BlockedReason(s.blockedReason.String)
	}
	s.task.ClaimedBy = scanNullString(s.claimedBy)
	s.task.ClaimedAt = scanNullTime(s.claimedAt)
	s.task.ClaimExpiresAt = scanNullTime(s.claimExpiresAt)
	s.task.LastHeartbeatAt = scanNullTime(s.lastHeartbeat)
	s.task.NextRetryAt = scanNullTime(s.nextRetryAt)
	s.task.CompletionReport = scanNullString(s.completion)
	if s.errKind.Valid {
		s.task.LastError = &models.LastError{
			Kind:     models.ErrorKind(s.errKind.String),
			Message:  scanNullString(s.errMessage),
			Location: scanNullString(s.errLocation),
		}
	}
}

func (s *taskRowScanner) getTask() *models.Task {
	return &s.task
}

// scanTaskRow is a helper that scans and hydrates a task from a single row.
func scanTaskRow(row interface {
	Scan(dest ...any) error
}) (*models.Task, error) {
	scanner := &taskRowScanner{}
	if err := scanner.scan(row); err != nil {
		return nil, err
	}
	scanner.hydrate()
	return scanner.getTask(), nil
}
