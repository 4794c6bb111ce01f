package models

import "time"

// SessionStatus represents the lifecycle state of an agent worker session.
type SessionStatus string

// Session status constants, matching the Session Manager's state machine:
// spawning -> running -> {testing, validating} -> {completed, failed, terminated}.
const (
	SessionStatusSpawning  SessionStatus = "spawning"
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusTesting   SessionStatus = "testing"
	SessionStatusValidating SessionStatus = "validating"
	SessionStatusCompleted SessionStatus = "completed"
	SessionStatusFailed    SessionStatus = "failed"
	SessionStatusTerminated SessionStatus = "terminated"
)

// IsTerminal reports whether the status is one of the write-once terminal states.
func (s SessionStatus) IsTerminal() bool {
	switch s {
	case SessionStatusCompleted, SessionStatusFailed, SessionStatusTerminated:
		return true
	default:
		return false
	}
}

// IsActive reports whether a session in this status counts toward the
// "at most one active session per task" invariant.
func (s SessionStatus) IsActive() bool {
	switch s {
	case SessionStatusRunning, SessionStatusTesting, SessionStatusValidating:
		return true
	default:
		return false
	}
}

// Session is a live (or terminated) execution of an agent worker process
// bound to exactly one task.
type Session struct {
	ID              string        `json:"id"`
	TaskID          string        `json:"task_id"`
	AgentType       AgentType     `json:"agent_type"`
	AgentName       string        `json:"agent_name"`
	PID             int           `json:"pid,omitempty"`
	Status          SessionStatus `json:"status"`
	SpawnedAt       time.Time     `json:"spawned_at"`
	LastHeartbeatAt *time.Time    `json:"last_heartbeat_at,omitempty"`
	ExitCode        *int          `json:"exit_code,omitempty"`
	LogsRef         string        `json:"logs_ref,omitempty"`
	Version         int           `json:"version"`
	CreatedAt       time.Time     `json:"created_at"`
	UpdatedAt       time.Time     `json:"updated_at"`
}

// IsStuck reports whether the session's last heartbeat is older than the
// given threshold, making it a candidate for monitor intervention.
func (s *Session) IsStuck(now time.Time, threshold time.Duration) bool {
	if !s.Status.IsActive() {
		return false
	}
	if s.LastHeartbeatAt == nil {
		return now.Sub(s.SpawnedAt) > threshold
	}
	return now.Sub(*s.LastHeartbeatAt) > threshold
}

// HeartbeatStatus is the status field an agent worker reports in a heartbeat.
type HeartbeatStatus string

// Heartbeat status constants.
const (
	HeartbeatStatusRunning    HeartbeatStatus = "running"
	HeartbeatStatusTesting    HeartbeatStatus = "testing"
	HeartbeatStatusValidating HeartbeatStatus = "validating"
	HeartbeatStatusStuck      HeartbeatStatus = "stuck"
)

// Heartbeat is an append-only liveness record from an agent worker session.
type Heartbeat struct {
	ID                int64           `json:"id"`
	SessionID         string          `json:"session_id"`
	Status            HeartbeatStatus `json:"status"`
	ProgressPercent   *int            `json:"progress_percent,omitempty"`
	CurrentStep       string          `json:"current_step,omitempty"`
	MemoryMB          *int            `json:"memory_mb,omitempty"`
	CPUPercent        *float64        `json:"cpu_percent,omitempty"`
	CreatedAt         time.Time       `json:"ts"`
}

// ActivityKind enumerates the observability-plane activity records.
type ActivityKind string

// Activity kind constants.
const (
	ActivityKindTaskAssigned    ActivityKind = "task_assigned"
	ActivityKindFileWrite       ActivityKind = "file_write"
	ActivityKindCommandExecuted ActivityKind = "command_executed"
	ActivityKindErrorOccurred   ActivityKind = "error_occurred"
	ActivityKindHeartbeat       ActivityKind = "heartbeat"
	ActivityKindSpawned         ActivityKind = "spawned"
	ActivityKindTerminated      ActivityKind = "terminated"
)

// Activity is a derived/correlated observability record for a session.
type Activity struct {
	ID        int64        `json:"id"`
	SessionID string       `json:"session_id"`
	Kind      ActivityKind `json:"kind"`
	Details   string       `json:"details,omitempty"` // JSON blob
	CreatedAt time.Time    `json:"created_at"`
}

// CompletionReport is the structured form of the markdown report a worker
// produces on success (spec.md §6). FilesChanged separates creates from
// modifies so the Change-Plan Engine's commit message and the task's
// completion_report can both summarize blast radius cheaply.
type CompletionReport struct {
	Status         string            `json:"status"`
	DurationSec    float64           `json:"duration_sec"`
	FilesCreated   []string          `json:"files_created,omitempty"`
	FilesModified  []string          `json:"files_modified,omitempty"`
	PassCriteria   []PassCriterion   `json:"pass_criteria,omitempty"`
	FinalCommitRef string            `json:"final_commit_ref,omitempty"`
}

// PassCriterion is one row of the completion report's criterion -> result table.
type PassCriterion struct {
	Criterion string `json:"criterion"`
	TestID    string `json:"test_id,omitempty"`
	Result    string `json:"result"`
}
