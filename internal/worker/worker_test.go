package worker

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/conductor/internal/knowledge"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/session"
	"github.com/forgeworks/conductor/internal/store"
)

func setupTestDB(t *testing.T) (*sql.DB, func()) {
	t.Helper()

	db, err := store.InitDBWithPath(":memory:")
	require.NoError(t, err)

	cleanup := func() {
		_ = db.Close()
	}

	return db, cleanup
}

func createTask(t *testing.T, db *sql.DB, specPath string) *models.Task {
	t.Helper()
	var task *models.Task
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		tk, err := store.CreateTaskWithSpecTx(tx, "Test Task", "do the thing", "", specPath, models.AgentTypeBuild, 0)
		if err != nil {
			return err
		}
		task = tk
		return nil
	}))
	return task
}

// mockAgentCLI writes a shell script that stands in for the claude CLI,
// prepends its directory to PATH, and returns nothing (cleanup is automatic
// via t.Setenv).
func mockAgentCLI(t *testing.T, body string) {
	t.Helper()
	dir := t.TempDir()
	script := filepath.Join(dir, "claude")
	require.NoError(t, os.WriteFile(script, []byte("#!/bin/sh\n"+body+"\n"), 0o755))

	path := os.Getenv("PATH")
	t.Setenv("PATH", dir+string(os.PathListSeparator)+path)
}

func TestRun_FailsWhenExternalLLMDisabled(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db, "docs/spec.md")
	sess, err := session.New(db, "true").Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	t.Setenv("CONDUCTOR_DISABLE_EXTERNAL_LLM", "1")

	rt := New(db, sess.ID, task.ID, "", "", zerolog.Nop())
	err = rt.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "resolve agent runner")

	got, err := store.GetSession(db, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 1, *got.ExitCode)

	activities, err := store.ListActivities(db, sess.ID)
	require.NoError(t, err)
	var sawError bool
	for _, a := range activities {
		if a.Kind == models.ActivityKindErrorOccurred {
			sawError = true
		}
	}
	assert.True(t, sawError, "expected an error_occurred activity to be recorded")
}

func TestRun_CompletesAndPersistsReportOnSuccessfulCLI(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db, "docs/spec.md")
	sess, err := session.New(db, "true").Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	mockAgentCLI(t, `echo "done"`)

	rt := New(db, sess.ID, task.ID, "", "", zerolog.Nop())
	err = rt.Run(context.Background())
	require.NoError(t, err)

	got, err := store.GetSession(db, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	reloaded, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Contains(t, reloaded.CompletionReport, `"status":"completed"`)
}

func TestRun_FailsWhenAgentCLIExitsNonZero(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db, "docs/spec.md")
	sess, err := session.New(db, "true").Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	mockAgentCLI(t, `echo "boom" 1>&2; exit 1`)

	rt := New(db, sess.ID, task.ID, "", "", zerolog.Nop())
	err = rt.Run(context.Background())
	require.Error(t, err)
	assert.ErrorContains(t, err, "agent cli invocation")

	got, err := store.GetSession(db, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusFailed, got.Status)
}

func TestAssemblePrompt_IncludesRelevantKnowledgeItems(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db, "internal/worker/worker.go")
	sess, err := session.New(db, "true").Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	kb := knowledge.New(db)
	_, err = kb.Record(models.KnowledgeKindGotcha, "heartbeat writer races with cli exit", "internal/worker/worker.go", "edit", "retro", 0.95)
	require.NoError(t, err)

	rt := New(db, sess.ID, task.ID, "", "", zerolog.Nop())
	prompt, err := rt.assemblePrompt(task)
	require.NoError(t, err)

	assert.Contains(t, prompt, task.Title)
	assert.Contains(t, prompt, "Known gotchas and patterns for this area:")
	assert.Contains(t, prompt, "heartbeat writer races with cli exit")
}

func TestAssemblePrompt_SpecFileFlagOverridesTaskSpecPath(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db, "docs/stale-spec.md")
	sess, err := session.New(db, "true").Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	rt := New(db, sess.ID, task.ID, "docs/current-spec.md", "list-42", zerolog.Nop())
	prompt, err := rt.assemblePrompt(task)
	require.NoError(t, err)

	assert.Contains(t, prompt, "Spec: docs/current-spec.md")
	assert.NotContains(t, prompt, "docs/stale-spec.md")
	assert.Contains(t, prompt, "Task list: list-42")
}

func TestAssemblePrompt_OmitsKnowledgeSectionWhenSpecPathEmpty(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db, "")
	sess, err := session.New(db, "true").Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	rt := New(db, sess.ID, task.ID, "", "", zerolog.Nop())
	prompt, err := rt.assemblePrompt(task)
	require.NoError(t, err)

	assert.NotContains(t, prompt, "Known gotchas and patterns for this area:")
}
