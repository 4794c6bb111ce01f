// Package worker implements the Agent Worker Runtime (C6): the logic that
// runs inside the subprocess the Session Manager spawns for a task. It
// assembles context from the task and the Knowledge Base, drives an external
// coding-agent CLI through internal/llm, and reports heartbeats and a final
// completion report back through the store.
package worker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/forgeworks/conductor/internal/knowledge"
	"github.com/forgeworks/conductor/internal/llm"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

// HeartbeatInterval is how often Run reports liveness while the underlying
// CLI call is in flight.
const HeartbeatInterval = 20 * time.Second

// Runtime drives one task to completion (or failure) inside an agent worker
// subprocess. agentID is the process's own identity, assigned by the Session
// Manager at spawn time and equal to the session row it reports against.
type Runtime struct {
	db       *sql.DB
	agentID  string
	taskID   string
	taskList string
	specFile string
	log      zerolog.Logger
}

// New returns a Runtime bound to one agent/task pair, logging through log.
// specFile and taskList come from the worker's --spec-file/--task-list
// flags; specFile overrides the task's own spec_path when set, and taskList
// is carried for logging only (tasks aren't grouped into lists beyond their
// project id).
func New(db *sql.DB, agentID, taskID, specFile, taskList string, log zerolog.Logger) *Runtime {
	return &Runtime{
		db:       db,
		agentID:  agentID,
		taskID:   taskID,
		taskList: taskList,
		specFile: specFile,
		log:      log.With().Str("session_id", agentID).Str("task_id", taskID).Logger(),
	}
}

// Run executes the full worker lifecycle: transition to running, assemble a
// prompt, invoke the agent CLI with periodic heartbeats, then record a
// completion report and transition to a terminal status.
func (r *Runtime) Run(ctx context.Context) error {
	task, err := store.GetTask(r.db, r.taskID)
	if err != nil {
		return fmt.Errorf("load task: %w", err)
	}

	if err := r.transition(models.SessionStatusRunning, nil); err != nil {
		return err
	}
	r.activity(models.ActivityKindTaskAssigned, fmt.Sprintf(`{"title":%q}`, task.Title))

	prompt, err := r.assemblePrompt(task)
	if err != nil {
		return fmt.Errorf("assemble prompt: %w", err)
	}

	runner, err := llm.NewRunner(string(task.AssignedAgentType))
	if err != nil {
		return r.fail(ctx, fmt.Errorf("resolve agent runner: %w", err))
	}

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	defer stopHeartbeats()
	go r.heartbeatLoop(hbCtx)

	start := time.Now()
	output, err := runner.Extract(ctx, prompt)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("agent cli invocation: %w", err))
	}
	stopHeartbeats()

	r.log.Debug().Str("output", output).Msg("agent cli output")
	report := r.buildReport(time.Since(start))
	reportJSON, err := json.Marshal(report)
	if err != nil {
		return r.fail(ctx, fmt.Errorf("marshal completion report: %w", err))
	}

	if err := store.Transact(r.db, func(tx *sql.Tx) error {
		return store.SetCompletionReportTx(tx, r.taskID, string(reportJSON))
	}); err != nil {
		return r.fail(ctx, fmt.Errorf("persist completion report: %w", err))
	}

	r.activity(models.ActivityKindCommandExecuted, fmt.Sprintf(`{"duration_sec":%.2f}`, report.DurationSec))
	return r.transition(models.SessionStatusCompleted, intPtr(0))
}

// assemblePrompt builds the context an agent CLI receives: the task's own
// description plus any knowledge items relevant to the files it touches.
// The spec path comes from the worker's own --spec-file flag when set
// (the Session Manager resolves it once at spawn time), falling back to the
// task's own spec_path for callers that don't pass one.
func (r *Runtime) assemblePrompt(task *models.Task) (string, error) {
	specPath := r.specFile
	if specPath == "" {
		specPath = task.SpecPath
	}

	kb := knowledge.New(r.db)
	var relevant []*models.KnowledgeItem
	if specPath != "" {
		items, err := kb.RelevantFor(specPath)
		if err != nil {
			return "", fmt.Errorf("query knowledge base: %w", err)
		}
		relevant = items
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n\n%s\n", task.Title, task.Description)
	if specPath != "" {
		fmt.Fprintf(&b, "\nSpec: %s\n", specPath)
	}
	if r.taskList != "" {
		fmt.Fprintf(&b, "\nTask list: %s\n", r.taskList)
	}
	if len(relevant) > 0 {
		b.WriteString("\nKnown gotchas and patterns for this area:\n")
		for _, item := range relevant {
			fmt.Fprintf(&b, "- [%s] %s\n", item.Kind, item.Content)
		}
	}
	return b.String(), nil
}

func (r *Runtime) buildReport(dur time.Duration) *models.CompletionReport {
	return &models.CompletionReport{
		Status:      "completed",
		DurationSec: dur.Seconds(),
		PassCriteria: []models.PassCriterion{
			{Criterion: "agent_cli_exit", Result: "pass"},
		},
	}
}

// fail records a terminal failure. A cancelled context (SIGTERM forwarded by
// the process's signal context) is reported as terminated with exit 2
// (unexpected internal error), not failed, since the worker didn't get to
// finish judging the task's own outcome.
func (r *Runtime) fail(ctx context.Context, cause error) error {
	r.log.Error().Err(cause).Msg("worker run failed")
	r.activity(models.ActivityKindErrorOccurred, fmt.Sprintf(`{"error":%q}`, cause.Error()))

	status, exitCode := models.SessionStatusFailed, 1
	if ctx.Err() != nil {
		status, exitCode = models.SessionStatusTerminated, 2
	}
	if terr := r.transition(status, intPtr(exitCode)); terr != nil {
		r.log.Error().Err(terr).Msg("failed to record terminal status")
	}
	return cause
}

func (r *Runtime) transition(status models.SessionStatus, exitCode *int) error {
	sess, err := store.GetSession(r.db, r.agentID)
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	return store.Transact(r.db, func(tx *sql.Tx) error {
		_, err := store.UpdateSessionStatusTx(tx, r.agentID, status, exitCode, sess.Version)
		return err
	})
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h := &models.Heartbeat{SessionID: r.agentID, Status: models.HeartbeatStatusRunning, CurrentStep: "agent_cli_running"}
			if err := store.Transact(r.db, func(tx *sql.Tx) error {
				_, err := store.AppendHeartbeatTx(tx, h)
				return err
			}); err != nil {
				r.log.Warn().Err(err).Msg("heartbeat write failed")
			}
		}
	}
}

func (r *Runtime) activity(kind models.ActivityKind, detailsJSON string) {
	if err := store.Transact(r.db, func(tx *sql.Tx) error {
		_, err := store.AppendActivityTx(tx, r.agentID, kind, detailsJSON)
		return err
	}); err != nil {
		r.log.Warn().Err(err).Msg("activity write failed")
	}
}

func intPtr(v int) *int { return &v }
