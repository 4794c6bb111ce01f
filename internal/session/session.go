// Package session implements the Session Manager (C7): it spawns one agent
// worker subprocess per task, tracks its lifecycle through heartbeats, and
// escalates to the Monitor & PM when a session goes stuck.
package session

import (
	"context"
	"database/sql"
	"fmt"
	"os/exec"
	"time"

	"github.com/forgeworks/conductor/internal/eventbus"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

// StuckThreshold is how long a session may go without a heartbeat before
// IsStuck reports true.
const StuckThreshold = 10 * time.Minute

// Manager owns the spawn/heartbeat/terminate lifecycle for agent worker sessions.
type Manager struct {
	db          *sql.DB
	workerBin   string
	stuckAfter  time.Duration
}

// New returns a Manager that spawns workerBin as the agent worker subprocess
// (typically the conductor-agentworker binary built from cmd/agentworker).
func New(db *sql.DB, workerBin string) *Manager {
	return &Manager{db: db, workerBin: workerBin, stuckAfter: StuckThreshold}
}

// Spawn creates a session row for taskID and starts the agent worker
// subprocess detached, passing it the fixed command-line contract: the
// session acts as the worker's own agent id, plus the task id, the task's
// project (its task list) and spec path resolved once here so the worker
// doesn't need its own database round trip to learn them.
func (m *Manager) Spawn(ctx context.Context, taskID string, agentType models.AgentType, agentName string) (*models.Session, error) {
	task, err := store.GetTask(m.db, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task %s: %w", taskID, err)
	}

	var sess *models.Session
	err = store.Transact(m.db, func(tx *sql.Tx) error {
		s, err := store.CreateSessionTx(tx, taskID, agentType, agentName)
		sess = s
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create session for task %s: %w", taskID, err)
	}

	args := []string{"--agent-id", sess.ID, "--task-id", taskID, "--spec-file", task.SpecPath}
	if task.ProjectID != "" {
		args = append(args, "--task-list", task.ProjectID)
	}
	cmd := exec.CommandContext(ctx, m.workerBin, args...) //nolint:gosec // G204: workerBin is operator-configured, not derived from untrusted input
	if err := cmd.Start(); err != nil {
		_ = store.Transact(m.db, func(tx *sql.Tx) error {
			return store.UpdateSessionStatusTx(tx, sess.ID, models.SessionStatusFailed, nil, sess.Version)
		})
		return nil, fmt.Errorf("spawn agent worker for session %s: %w", sess.ID, err)
	}

	pid := cmd.Process.Pid
	err = store.Transact(m.db, func(tx *sql.Tx) error {
		return store.SetSessionPIDTx(tx, sess.ID, pid, sess.Version)
	})
	if err != nil {
		return nil, fmt.Errorf("record pid for session %s: %w", sess.ID, err)
	}

	if _, err := eventbus.Publish(m.db, models.EventKindAgentSpawnedOrch, agentName, taskID, fmt.Sprintf("session %s spawned (pid %d)", sess.ID, pid), map[string]any{"session_id": sess.ID}); err != nil {
		return nil, fmt.Errorf("publish spawn event: %w", err)
	}

	go func() {
		_ = cmd.Wait()
	}()

	return store.GetSession(m.db, sess.ID)
}

// Heartbeat records a liveness sample from a running session.
func (m *Manager) Heartbeat(h *models.Heartbeat) error {
	return store.Transact(m.db, func(tx *sql.Tx) error {
		_, err := store.AppendHeartbeatTx(tx, h)
		return err
	})
}

// Transition moves a session between statuses with optimistic concurrency,
// publishing agent.terminated once it reaches a terminal state.
func (m *Manager) Transition(sessionID string, status models.SessionStatus, exitCode *int) error {
	sess, err := store.GetSession(m.db, sessionID)
	if err != nil {
		return err
	}
	if err := store.Transact(m.db, func(tx *sql.Tx) error {
		return store.UpdateSessionStatusTx(tx, sessionID, status, exitCode, sess.Version)
	}); err != nil {
		return fmt.Errorf("transition session %s to %s: %w", sessionID, status, err)
	}

	if status.IsTerminal() {
		if _, err := eventbus.Publish(m.db, models.EventKindAgentTerminated, sess.AgentName, sess.TaskID, fmt.Sprintf("session %s terminated: %s", sessionID, status), map[string]any{"session_id": sessionID, "status": status}); err != nil {
			return fmt.Errorf("publish terminate event: %w", err)
		}
	}
	return nil
}

// Cancel force-terminates a stuck or runaway session: it sends SIGKILL to the
// recorded PID (that process only, not its process group; no SIGTERM is sent
// first) and marks the session terminated.
func (m *Manager) Cancel(sessionID string) error {
	sess, err := store.GetSession(m.db, sessionID)
	if err != nil {
		return err
	}
	if sess.PID > 0 {
		if proc, perr := findProcess(sess.PID); perr == nil {
			_ = proc.Kill()
		}
	}
	return m.Transition(sessionID, models.SessionStatusTerminated, nil)
}

// Observation is the point-in-time view Observe returns: a session's
// current status plus its full heartbeat and activity (log) history.
type Observation struct {
	Session    *models.Session     `json:"session"`
	Heartbeats []*models.Heartbeat `json:"heartbeats"`
	Activities []*models.Activity  `json:"activities"`
}

// Observe returns sessionID's current status together with every heartbeat
// and activity recorded against it, the view an operator or the Monitor &
// PM uses to inspect a session without tailing the event log directly.
func (m *Manager) Observe(sessionID string) (*Observation, error) {
	sess, err := store.GetSession(m.db, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load session %s: %w", sessionID, err)
	}
	heartbeats, err := store.ListHeartbeats(m.db, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list heartbeats for session %s: %w", sessionID, err)
	}
	activities, err := store.ListActivities(m.db, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list activities for session %s: %w", sessionID, err)
	}
	return &Observation{Session: sess, Heartbeats: heartbeats, Activities: activities}, nil
}

// ScanStuck returns every active session whose last heartbeat exceeds the
// stuck threshold, for the Monitor & PM's periodic sweep.
func (m *Manager) ScanStuck(now time.Time) ([]*models.Session, error) {
	active, err := store.ListActiveSessions(m.db)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	var stuck []*models.Session
	for _, s := range active {
		if s.IsStuck(now, m.stuckAfter) {
			stuck = append(stuck, s)
		}
	}
	return stuck, nil
}
