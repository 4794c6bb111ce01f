package session

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/conductor/internal/models"
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

func createTask(t *testing.T, db *sql.DB) *models.Task {
	t.Helper()
	var task *models.Task
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		tk, err := store.CreateTaskWithSpecTx(tx, "Test Task", "do the thing", "", "docs/spec.md", models.AgentTypeBuild, 0)
		if err != nil {
			return err
		}
		task = tk
		return nil
	}))
	return task
}

func TestSpawnCreatesRunningSessionAndEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db)
	mgr := New(db, "true")

	sess, err := mgr.Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)
	assert.Equal(t, task.ID, sess.TaskID)
	assert.NotZero(t, sess.PID)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ? AND task_id = ?", models.EventKindAgentSpawnedOrch, task.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestHeartbeatAppendsLivenessRecord(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db)
	mgr := New(db, "true")

	sess, err := mgr.Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	pct := 50
	require.NoError(t, mgr.Heartbeat(&models.Heartbeat{SessionID: sess.ID, Status: models.HeartbeatStatusRunning, ProgressPercent: &pct}))

	last, err := store.LastHeartbeat(db, sess.ID)
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, models.HeartbeatStatusRunning, last.Status)
	require.NotNil(t, last.ProgressPercent)
	assert.Equal(t, 50, *last.ProgressPercent)
}

func TestTransitionToTerminalPublishesTerminatedEvent(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db)
	mgr := New(db, "true")

	sess, err := mgr.Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	code := 0
	require.NoError(t, mgr.Transition(sess.ID, models.SessionStatusCompleted, &code))

	got, err := store.GetSession(db, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusCompleted, got.Status)
	require.NotNil(t, got.ExitCode)
	assert.Equal(t, 0, *got.ExitCode)

	var count int
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM events WHERE kind = ? AND task_id = ?", models.EventKindAgentTerminated, task.ID).Scan(&count))
	assert.Equal(t, 1, count)
}

func TestCancelTerminatesSessionEvenWithoutLiveProcess(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db)
	mgr := New(db, "true")

	sess, err := mgr.Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	// Give the harmless "true" subprocess time to exit on its own before cancel.
	time.Sleep(10 * time.Millisecond)

	require.NoError(t, mgr.Cancel(sess.ID))

	got, err := store.GetSession(db, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, models.SessionStatusTerminated, got.Status)
}

func TestObserveReturnsStatusHeartbeatsAndActivities(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db)
	mgr := New(db, "true")

	sess, err := mgr.Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)

	pct := 20
	require.NoError(t, mgr.Heartbeat(&models.Heartbeat{SessionID: sess.ID, Status: models.HeartbeatStatusRunning, ProgressPercent: &pct}))
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		_, err := store.AppendActivityTx(tx, sess.ID, models.ActivityKindTaskAssigned, `{"title":"Test Task"}`)
		return err
	}))

	obs, err := mgr.Observe(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, obs.Session)
	assert.Equal(t, sess.ID, obs.Session.ID)
	assert.Equal(t, models.SessionStatusRunning, obs.Session.Status)
	require.Len(t, obs.Heartbeats, 1)
	assert.Equal(t, 20, *obs.Heartbeats[0].ProgressPercent)
	require.Len(t, obs.Activities, 1)
	assert.Equal(t, models.ActivityKindTaskAssigned, obs.Activities[0].Kind)
}

func TestScanStuckFindsSessionPastThreshold(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	task := createTask(t, db)
	mgr := New(db, "true")
	mgr.stuckAfter = time.Millisecond

	sess, err := mgr.Spawn(context.Background(), task.ID, models.AgentTypeBuild, "tester")
	require.NoError(t, err)
	require.Equal(t, models.SessionStatusRunning, sess.Status)

	time.Sleep(5 * time.Millisecond)

	stuck, err := mgr.ScanStuck(time.Now())
	require.NoError(t, err)
	require.Len(t, stuck, 1)
	assert.Equal(t, sess.ID, stuck[0].ID)
}
