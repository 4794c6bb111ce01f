package orchestrator

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

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

func createReadyTask(t *testing.T, db *sql.DB, specPath string) *models.Task {
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
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		_, err := store.UpdateTaskStatusWithEventTx(tx, "tester", task.ID, string(models.TaskStatusReady), task.Version)
		return err
	}))
	task, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	return task
}

func TestTickDispatchesReadyTask(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createReadyTask(t, db, "docs/spec.md")

	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	spawned, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, spawned)

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, got.Status)
}

func TestTickIgnoresTaskWithoutSpecPath(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	createReadyTask(t, db, "")

	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	spawned, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, spawned)
}

func TestRecordFailureSchedulesRetryUnderBudget(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createReadyTask(t, db, "docs/spec.md")
	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	require.NoError(t, d.RecordFailure(task.ID, models.ErrorKindTransient, "boom", "worker.go:1"))

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.ErrorKindTransient, got.LastError.Kind)
	assert.Equal(t, 1, got.RetryCount)
}

func TestRecordFailureBlocksAfterMaxRetries(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createReadyTask(t, db, "docs/spec.md")
	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	policy := d.policies[models.ErrorKindCodeError]
	for i := 0; i < policy.MaxRetries; i++ {
		require.NoError(t, d.RecordFailure(task.ID, models.ErrorKindCodeError, "still broken", "worker.go:1"))
	}

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusBlocked, got.Status)
	assert.NotEmpty(t, got.BlockedReason)
}

func TestReconcileSessionsAdvancesCompletedSessionToPendingVerification(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createReadyTask(t, db, "docs/spec.md")
	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	sessions, err := store.ListSessionsByTask(db, task.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sess := sessions[0]

	require.NoError(t, mgr.Transition(sess.ID, models.SessionStatusCompleted, intPtr(0)))

	require.NoError(t, d.ReconcileSessions(context.Background()))

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPendingVerification, got.Status)
}

func TestReconcileSessionsRoutesFailedSessionIntoRecordFailure(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createReadyTask(t, db, "docs/spec.md")
	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	sessions, err := store.ListSessionsByTask(db, task.ID)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	sess := sessions[0]

	require.NoError(t, mgr.Transition(sess.ID, models.SessionStatusFailed, intPtr(1)))

	require.NoError(t, d.ReconcileSessions(context.Background()))

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
	require.NotNil(t, got.LastError)
	assert.Equal(t, models.ErrorKindCodeError, got.LastError.Kind)
}

func TestReconcileSessionsIgnoresStillRunningSession(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createReadyTask(t, db, "docs/spec.md")
	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	_, err := d.Tick(context.Background())
	require.NoError(t, err)

	// Give the spawned subprocess a moment to exit before checking that a
	// still-running session (no transition applied) is left untouched.
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, d.ReconcileSessions(context.Background()))

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusInProgress, got.Status)
}

// TestTickReschedulesTaskOnResourceConflict exercises the lock exclusion
// invariant end to end: two ready tasks sharing a spec path race for the
// same lock, the loser is rescheduled with kind resource_conflict instead of
// failing the whole tick, and the winner still dispatches normally.
func TestTickReschedulesTaskOnResourceConflict(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	winner := createReadyTask(t, db, "docs/shared.md")
	loser := createReadyTask(t, db, "docs/shared.md")

	mgr := session.New(db, "true")
	d := New(db, mgr, "tester")

	spawned, err := d.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, spawned, "only one of the two tasks sharing a path should dispatch")

	gotWinner, err := store.GetTask(db, winner.ID)
	require.NoError(t, err)
	gotLoser, err := store.GetTask(db, loser.ID)
	require.NoError(t, err)

	dispatched, blocked := gotWinner, gotLoser
	if dispatched.Status != models.TaskStatusInProgress {
		dispatched, blocked = gotLoser, gotWinner
	}
	assert.Equal(t, models.TaskStatusInProgress, dispatched.Status)

	assert.Equal(t, models.TaskStatusPending, blocked.Status)
	require.NotNil(t, blocked.LastError)
	assert.Equal(t, models.ErrorKindResourceConflict, blocked.LastError.Kind)
	assert.NotNil(t, blocked.NextRetryAt)
}

func intPtr(v int) *int {
	return &v
}
