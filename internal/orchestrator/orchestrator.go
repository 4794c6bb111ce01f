// Package orchestrator implements the Task Orchestrator (C9): the dispatch
// loop that claims ready tasks, spawns sessions for them, and classifies
// failures back into the task's retry/block state per a fixed error-kind
// policy table.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/forgeworks/conductor/internal/eventbus"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/reslock"
	"github.com/forgeworks/conductor/internal/session"
	"github.com/forgeworks/conductor/internal/store"
)

// Dispatcher runs the claim -> spawn -> observe -> reconcile loop. It does
// not itself run agent logic; it routes tasks to the Session Manager and
// reacts to the outcomes sessions report.
type Dispatcher struct {
	db       *sql.DB
	sessions *session.Manager
	locks    *reslock.Registry
	policies map[models.ErrorKind]models.RetryPolicy
	agent    string
}

// New returns a Dispatcher backed by db and sessions, using the default
// retry policy table.
func New(db *sql.DB, sessions *session.Manager, agentName string) *Dispatcher {
	return &Dispatcher{db: db, sessions: sessions, locks: reslock.New(db), policies: models.DefaultRetryPolicies(), agent: agentName}
}

// Tick runs one dispatch cycle: reclaim elapsed retries, reconcile tasks
// whose session already reached a terminal state, then claim and spawn
// sessions for every ready task that isn't already running. Returns how
// many sessions it spawned.
func (d *Dispatcher) Tick(ctx context.Context) (int, error) {
	if err := d.reclaimRetries(ctx); err != nil {
		return 0, fmt.Errorf("reclaim retries: %w", err)
	}

	if err := d.ReconcileSessions(ctx); err != nil {
		return 0, fmt.Errorf("reconcile sessions: %w", err)
	}

	ready, err := store.ListTasks(d.db, string(models.TaskStatusReady), "", -1)
	if err != nil {
		return 0, fmt.Errorf("list ready tasks: %w", err)
	}

	spawned := 0
	for _, t := range ready {
		if !t.IsReady() {
			continue
		}
		if err := d.dispatchOne(ctx, t); err != nil {
			var conflict *models.ResourceConflictError
			if errors.As(err, &conflict) {
				if rerr := d.scheduleResourceConflictRetry(t); rerr != nil {
					return spawned, rerr
				}
				continue
			}
			return spawned, fmt.Errorf("dispatch task %s: %w", t.ID, err)
		}
		spawned++
	}
	return spawned, nil
}

// dispatchOne claims a task's single resource lock (its spec path — the
// orchestrator never holds more than one lock per task at a time, per the
// deadlock policy; multi-file atomicity within a task's own change plan is
// the Change-Plan Engine's job) before spawning its session. A conflict here
// propagates unchanged to Tick, which reschedules the task instead of
// spawning a session against a path another task is already running.
func (d *Dispatcher) dispatchOne(ctx context.Context, t *models.Task) error {
	if err := d.locks.Acquire(t.SpecPath, d.agent, reslock.DefaultTTL); err != nil {
		return err
	}

	if _, err := d.sessions.Spawn(ctx, t.ID, t.AssignedAgentType, d.agent); err != nil {
		_ = d.locks.Release(t.SpecPath, d.agent)
		return err
	}

	return store.Transact(d.db, func(tx *sql.Tx) error {
		_, err := store.UpdateTaskStatusWithEventTx(tx, d.agent, t.ID, string(models.TaskStatusInProgress), t.Version)
		return err
	})
}

// ReconcileSessions closes the loop between the Session Manager and the
// task state machine: worker.Runtime only ever moves a session to a
// terminal status, it never touches the task it ran for. This walks every
// in_progress task, looks at its most recent session, and advances the
// task accordingly: pending_verification on a completed session, or into
// the normal RecordFailure classification on a failed or terminated one.
func (d *Dispatcher) ReconcileSessions(_ context.Context) error {
	inProgress, err := store.ListTasks(d.db, string(models.TaskStatusInProgress), "", -1)
	if err != nil {
		return fmt.Errorf("list in-progress tasks: %w", err)
	}

	for _, t := range inProgress {
		sessions, err := store.ListSessionsByTask(d.db, t.ID)
		if err != nil {
			return fmt.Errorf("list sessions for task %s: %w", t.ID, err)
		}
		if len(sessions) == 0 {
			continue
		}
		latest := sessions[0]
		if !latest.Status.IsTerminal() {
			continue
		}
		if err := d.reconcileOne(t, latest); err != nil {
			return fmt.Errorf("reconcile task %s: %w", t.ID, err)
		}
	}
	return nil
}

func (d *Dispatcher) reconcileOne(t *models.Task, s *models.Session) error {
	// The task's session has reached a terminal state, so the spec-path
	// lock dispatchOne took for it is no longer protecting anything live.
	_ = d.locks.Release(t.SpecPath, d.agent)

	switch s.Status {
	case models.SessionStatusCompleted:
		err := store.Transact(d.db, func(tx *sql.Tx) error {
			if _, err := store.UpdateTaskStatusWithEventTx(tx, d.agent, t.ID, string(models.TaskStatusPendingVerification), t.Version); err != nil {
				return err
			}
			return store.ClearRetryStateTx(tx, t.ID)
		})
		if err != nil {
			return err
		}
		_, perr := eventbus.Publish(d.db, models.EventKindBuildCompleted, d.agent, t.ID, "session completed, awaiting verification", map[string]any{"session_id": s.ID})
		return perr
	case models.SessionStatusFailed, models.SessionStatusTerminated:
		message := fmt.Sprintf("session %s ended in status %s", s.ID, s.Status)
		if s.ExitCode != nil {
			message = fmt.Sprintf("%s (exit code %d)", message, *s.ExitCode)
		}
		return d.RecordFailure(t.ID, models.ErrorKindCodeError, message, "")
	default:
		return nil
	}
}

// RecordFailure classifies a reported failure against its retry policy: if
// the task has budget remaining, it is rescheduled with the kind's backoff
// (reading retry_count to pick the schedule index); otherwise it is blocked.
func (d *Dispatcher) RecordFailure(taskID string, kind models.ErrorKind, message, location string) error {
	t, err := store.GetTask(d.db, taskID)
	if err != nil {
		return err
	}

	policy, ok := d.policies[kind]
	if !ok {
		policy = d.policies[models.ErrorKindUnknown]
	}

	lastErr := &models.LastError{Kind: kind, Message: message, Location: location}
	nextStatus := string(models.TaskStatusPending)
	var nextRetryAt *time.Time

	if t.RetryCount+1 >= policy.MaxRetries {
		nextStatus = string(models.TaskStatusBlocked)
	} else {
		idx := t.RetryCount
		if idx >= len(policy.Backoff) {
			idx = len(policy.Backoff) - 1
		}
		delay := policy.Backoff[idx]
		if kind == models.ErrorKindResourceConflict {
			delay = jitter(delay)
		}
		at := time.Now().UTC().Add(delay)
		nextRetryAt = &at
	}

	err = store.Transact(d.db, func(tx *sql.Tx) error {
		if serr := store.SetBlockedReasonTx(tx, taskID, blockedReasonFor(nextStatus, message)); serr != nil {
			return serr
		}
		return store.RecordTaskFailureTx(tx, taskID, lastErr, nextStatus, nextRetryAt, t.Version)
	})
	if err != nil {
		return fmt.Errorf("record task failure: %w", err)
	}

	if nextStatus == string(models.TaskStatusBlocked) {
		_, perr := eventbus.Publish(d.db, models.EventKindOrchTaskFailed, d.agent, taskID, message, map[string]any{"kind": kind, "blocked": true})
		return perr
	}
	_, perr := eventbus.Publish(d.db, models.EventKindOrchTaskFailed, d.agent, taskID, message, map[string]any{"kind": kind, "retry_at": nextRetryAt})
	return perr
}

func blockedReasonFor(nextStatus, message string) string {
	if nextStatus != string(models.TaskStatusBlocked) {
		return ""
	}
	return models.BlockedReasonFailurePrefix + message
}

func (d *Dispatcher) reclaimRetries(_ context.Context) error {
	due, err := store.ListRetryableTasks(d.db)
	if err != nil {
		return err
	}
	for _, t := range due {
		if err := store.Transact(d.db, func(tx *sql.Tx) error {
			_, err := store.UpdateTaskStatusWithEventTx(tx, d.agent, t.ID, string(models.TaskStatusReady), t.Version)
			return err
		}); err != nil {
			return fmt.Errorf("reclaim task %s: %w", t.ID, err)
		}
	}
	return nil
}

func (d *Dispatcher) scheduleResourceConflictRetry(t *models.Task) error {
	policy := d.policies[models.ErrorKindResourceConflict]
	delay := jitter(policy.Backoff[0] + 2*time.Second)
	at := time.Now().UTC().Add(delay)
	return store.Transact(d.db, func(tx *sql.Tx) error {
		return store.RecordTaskFailureTx(tx, t.ID, &models.LastError{
			Kind:    models.ErrorKindResourceConflict,
			Message: "resource lock held by another session",
		}, string(models.TaskStatusPending), &at, t.Version)
	})
}

// jitter adds up to 50% random delay on top of base, spreading out
// resource-conflict retries so competing sessions don't thunder back in lockstep.
func jitter(base time.Duration) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	return base + time.Duration(rand.Int63n(int64(base)/2+1))
}
