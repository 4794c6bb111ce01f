package feature

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forgeworks/conductor/internal/changeplan"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
	"github.com/forgeworks/conductor/internal/vcs"
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

func initGitRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoErrorf(t, err, "git %v: %s", args, out)
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "Test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("seed\n"), 0o644))
	run("add", "README.md")
	run("commit", "-m", "seed")
	return dir
}

func createFeatureTask(t *testing.T, db *sql.DB) *models.Task {
	t.Helper()
	var task *models.Task
	require.NoError(t, store.Transact(db, func(tx *sql.Tx) error {
		tk, err := store.CreateTaskWithSpecTx(tx, "Feature Task", "build the thing", "", "docs/spec.md", models.AgentTypeBuild, 0)
		task = tk
		return err
	}))
	return task
}

func contentWriter(contents map[string]string) changeplan.FileWriter {
	return func(ctx context.Context, path string, op models.FileOperation) error {
		if op == models.FileOperationDelete {
			return os.Remove(path)
		}
		return os.WriteFile(path, []byte(contents[path]), 0o644)
	}
}

func TestRunBuildsEachDeclaredLayerInOrder(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	dir := initGitRepo(t)
	ctx := context.Background()
	repo, err := vcs.Open(ctx, dir)
	require.NoError(t, err)
	engine := changeplan.New(db, repo)
	coord := New(db, engine, "tester")

	task := createFeatureTask(t, db)

	dbFile := filepath.Join(dir, "schema.sql")
	apiFile := filepath.Join(dir, "handler.go")
	req := models.FeatureRequirement{ID: "feat-users", Description: "add users table", AffectedAreas: []string{"database", "api"}}

	layers := []LayerPlan{
		{Layer: LayerDatabase, Files: []models.FileChange{{Path: dbFile, Operation: models.FileOperationCreate}}},
		{Layer: LayerAPI, Files: []models.FileChange{{Path: apiFile, Operation: models.FileOperationCreate}}},
	}
	write := contentWriter(map[string]string{dbFile: "CREATE TABLE users();", apiFile: "package main"})

	err = coord.Run(ctx, req, task.ID, layers, write, nil)
	require.NoError(t, err)

	_, statErr := os.Stat(dbFile)
	require.NoError(t, statErr)
	_, statErr = os.Stat(apiFile)
	require.NoError(t, statErr)

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusPending, got.Status)
}

func TestRunRollsBackFailingLayerOnly(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	dir := initGitRepo(t)
	ctx := context.Background()
	repo, err := vcs.Open(ctx, dir)
	require.NoError(t, err)
	engine := changeplan.New(db, repo)
	coord := New(db, engine, "tester")

	task := createFeatureTask(t, db)

	dbFile := filepath.Join(dir, "schema.sql")
	apiFile := filepath.Join(dir, "handler.go")
	req := models.FeatureRequirement{ID: "feat-fail", Description: "broken api layer", AffectedAreas: []string{"database", "api"}}

	layers := []LayerPlan{
		{Layer: LayerDatabase, Files: []models.FileChange{{Path: dbFile, Operation: models.FileOperationCreate}}},
		{Layer: LayerAPI, Files: []models.FileChange{{Path: apiFile, Operation: models.FileOperationCreate}}},
	}

	failWrite := func(ctx context.Context, path string, op models.FileOperation) error {
		if path == apiFile {
			return errors.New("disk full")
		}
		return os.WriteFile(path, []byte("CREATE TABLE users();"), 0o644)
	}

	err = coord.Run(ctx, req, task.ID, layers, failWrite, nil)
	require.Error(t, err)

	// The database layer already committed and stays in place; only the
	// failing API layer's (non-existent) file is absent.
	_, statErr := os.Stat(dbFile)
	require.NoError(t, statErr)
	_, statErr = os.Stat(apiFile)
	require.Error(t, statErr)
}

func TestRunValidationFailureMovesTaskToNeedsReview(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	dir := initGitRepo(t)
	ctx := context.Background()
	repo, err := vcs.Open(ctx, dir)
	require.NoError(t, err)
	engine := changeplan.New(db, repo)
	coord := New(db, engine, "tester")

	task := createFeatureTask(t, db)

	dbFile := filepath.Join(dir, "schema.sql")
	req := models.FeatureRequirement{ID: "feat-mismatch", Description: "type mismatch across layers", AffectedAreas: []string{"database"}}

	layers := []LayerPlan{
		{Layer: LayerDatabase, Files: []models.FileChange{{Path: dbFile, Operation: models.FileOperationCreate}}},
	}
	write := contentWriter(map[string]string{dbFile: "CREATE TABLE users(id INTEGER);"})

	validate := func(ctx context.Context) error {
		return errors.New("api field type does not match database column type")
	}

	err = coord.Run(ctx, req, task.ID, layers, write, validate)
	require.Error(t, err)

	var crossLayerErr *models.CrossLayerValidationError
	require.ErrorAs(t, err, &crossLayerErr)
	assert.Equal(t, "feat-mismatch", crossLayerErr.FeatureID)

	got, err := store.GetTask(db, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusNeedsReview, got.Status)

	// The database layer's file stays put: validation failure does not roll
	// back already-committed layers.
	_, statErr := os.Stat(dbFile)
	require.NoError(t, statErr)
}
