// Package test provides end-to-end integration tests that drive the real
// conductor CLI binary against a temporary SQLite database, the way an
// external orchestration script or operator terminal would.
package test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

// conductorTestBin is the path to the built conductor binary for integration tests.
var (
	conductorTestBin     string
	conductorTestBinOnce sync.Once
	conductorTestBinErr  error
)

// TestMain builds the conductor binary once before running all tests in this package.
func TestMain(m *testing.M) {
	repoRoot, err := filepath.Abs(filepath.Join(filepath.Dir(os.Args[0]), "..", ".."))
	if err != nil {
		cwd, _ := os.Getwd()
		repoRoot = filepath.Join(cwd, "..")
	}

	cwd, _ := os.Getwd()
	if strings.HasSuffix(cwd, "/test") {
		repoRoot = filepath.Join(cwd, "..")
	} else if fi, err2 := os.Stat(filepath.Join(cwd, "cmd", "conductor")); err2 == nil && fi.IsDir() {
		repoRoot = cwd
	}

	binPath := filepath.Join(repoRoot, "conductor-integration-test")
	buildCmd := exec.Command("go", "build", "-o", binPath, "./cmd/conductor")
	buildCmd.Dir = repoRoot
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr

	if err := buildCmd.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: failed to build conductor binary: %v\n", err)
		os.Exit(1)
	}

	conductorTestBin = binPath

	code := m.Run()

	_ = os.Remove(binPath)
	os.Exit(code)
}

// harness holds test-scoped state shared across helper functions.
type harness struct {
	t      *testing.T
	dbPath string
	agent  string
}

// newHarness creates a test harness with an isolated temp DB.
func newHarness(t *testing.T) *harness {
	t.Helper()
	dir := t.TempDir()
	return &harness{
		t:      t,
		dbPath: filepath.Join(dir, "conductor-integration.db"),
		agent:  "integration-agent",
	}
}

// conductor runs the conductor binary with --db-path and --agent set, returns stdout.
func (h *harness) conductor(args ...string) string {
	h.t.Helper()
	fullArgs := append([]string{"--db-path", h.dbPath, "--agent", h.agent}, args...)
	cmd := exec.Command(conductorTestBin, fullArgs...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	_ = cmd.Run() // some commands exit non-zero on validation errors; caller inspects JSON
	return stdout.String()
}

// mustJSON parses JSON output and returns map[string]any.
func mustJSON(t *testing.T, output string) map[string]any {
	t.Helper()
	output = strings.TrimSpace(output)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(output), &m), "failed to parse JSON: %s", output)
	return m
}

// requireSuccess asserts the conductor JSON response has success=true.
func requireSuccess(t *testing.T, output string) map[string]any {
	t.Helper()
	m := mustJSON(t, output)
	require.Equal(t, true, m["success"], "expected success=true, got: %s", output)
	return m
}

// requireFailure asserts the conductor JSON response has success=false.
func requireFailure(t *testing.T, output string) map[string]any {
	t.Helper()
	m := mustJSON(t, output)
	require.Equal(t, false, m["success"], "expected success=false, got: %s", output)
	return m
}

// getStr extracts a nested string field from the parsed JSON using dot-path.
func getStr(m map[string]any, keys ...string) string {
	var cur any = m
	for _, k := range keys {
		if mm, ok := cur.(map[string]any); ok {
			cur = mm[k]
		} else {
			return ""
		}
	}
	if s, ok := cur.(string); ok {
		return s
	}
	return ""
}

// rid generates a deterministic request ID for a given phase and step.
func rid(phase string, step int) string {
	return fmt.Sprintf("itest_%s_%d", phase, step)
}

// TestTaskLifecycle exercises task create/get/list/begin/complete/set-priority
// end to end against the real binary, mirroring how an orchestrator tick and
// a worker subprocess would together drive one task from pending to done.
func TestTaskLifecycle(t *testing.T) {
	h := newHarness(t)

	t.Run("doctor_reports_db_ok", func(t *testing.T) {
		out := h.conductor("doctor")
		m := requireSuccess(t, out)
		require.Equal(t, true, m["data"].(map[string]any)["db_ok"])
	})

	var taskID string
	t.Run("create", func(t *testing.T) {
		out := h.conductor("task", "create",
			"--title", "Implement auth",
			"--desc", "add login endpoint",
			"--request-id", rid("task", 1),
		)
		m := requireSuccess(t, out)
		taskID = getStr(m, "data", "task", "id")
		require.NotEmpty(t, taskID)
	})

	t.Run("idempotent_recreate_returns_same_task", func(t *testing.T) {
		out := h.conductor("task", "create",
			"--title", "Implement auth",
			"--desc", "add login endpoint",
			"--request-id", rid("task", 1),
		)
		m := requireSuccess(t, out)
		require.Equal(t, taskID, getStr(m, "data", "task", "id"))
	})

	t.Run("get", func(t *testing.T) {
		out := h.conductor("task", "get", "--id", taskID)
		m := requireSuccess(t, out)
		require.Equal(t, "Implement auth", getStr(m, "data", "task", "title"))
	})

	t.Run("list_filters_by_status", func(t *testing.T) {
		out := h.conductor("task", "list", "--status", "pending")
		m := requireSuccess(t, out)
		tasks := m["data"].(map[string]any)["tasks"].([]any)
		require.Len(t, tasks, 1)
	})

	t.Run("set_priority", func(t *testing.T) {
		out := h.conductor("task", "set-priority", "--id", taskID, "--priority", "5",
			"--request-id", rid("task", 2))
		m := requireSuccess(t, out)
		require.Equal(t, float64(5), m["data"].(map[string]any)["task"].(map[string]any)["priority"])
	})

	t.Run("begin_then_complete", func(t *testing.T) {
		out := h.conductor("task", "begin", "--id", taskID, "--request-id", rid("task", 3))
		requireSuccess(t, out)

		out = h.conductor("task", "complete", "--id", taskID, "--outcome", "done",
			"--summary", "login endpoint shipped", "--request-id", rid("task", 4))
		m := requireSuccess(t, out)
		require.Equal(t, "completed", getStr(m, "data", "task", "status"))
	})

	t.Run("missing_title_fails", func(t *testing.T) {
		out := h.conductor("task", "create", "--request-id", rid("task", 5))
		requireFailure(t, out)
	})
}

// TestKnowledgeBaseRoundTrip exercises recording and querying the kind of
// gotcha a worker would persist after a retrospective, then a later worker
// picking it back up before starting on related files.
func TestKnowledgeBaseRoundTrip(t *testing.T) {
	h := newHarness(t)

	out := h.conductor("knowledge", "record",
		"--kind", "gotcha",
		"--content", "sqlite busy under concurrent writers without WAL",
		"--file-pattern", "internal/store/*.go",
		"--confidence", "0.9",
	)
	m := requireSuccess(t, out)
	itemID := getStr(m, "data", "id")
	require.NotEmpty(t, itemID)

	out = h.conductor("knowledge", "query", "--file-pattern", "internal/store/*.go")
	m = requireSuccess(t, out)
	items := m["data"].(map[string]any)["items"].([]any)
	require.Len(t, items, 1)

	out = h.conductor("knowledge", "reinforce", "--id", itemID)
	requireSuccess(t, out)
}

// TestResourceLockAcquireReleaseConflict exercises the Resource Registry's
// acquire/show/release cycle plus its exclusivity guarantee.
func TestResourceLockAcquireReleaseConflict(t *testing.T) {
	h := newHarness(t)

	out := h.conductor("lock", "acquire", "--path", "internal/worker/worker.go", "--agent", "agent-a")
	requireSuccess(t, out)

	// A second holder must be refused while the first still holds the lock.
	out = h.conductor("lock", "acquire", "--path", "internal/worker/worker.go", "--agent", "agent-b")
	requireFailure(t, out)

	out = h.conductor("lock", "show", "--path", "internal/worker/worker.go")
	m := requireSuccess(t, out)
	require.Equal(t, "agent-a", getStr(m, "data", "holder_id"))

	out = h.conductor("lock", "release", "--path", "internal/worker/worker.go", "--agent", "agent-a")
	requireSuccess(t, out)

	out = h.conductor("lock", "acquire", "--path", "internal/worker/worker.go", "--agent", "agent-b")
	requireSuccess(t, out)
}

// TestEventLogVisibility exercises that task mutations are observable through
// the events command, the surface an external monitor would poll.
func TestEventLogVisibility(t *testing.T) {
	h := newHarness(t)

	out := h.conductor("task", "create", "--title", "Write tests", "--request-id", rid("events", 1))
	m := requireSuccess(t, out)
	taskID := getStr(m, "data", "task", "id")
	require.NotEmpty(t, taskID)

	out = h.conductor("events", "list", "--task", taskID)
	m = requireSuccess(t, out)
	events := m["data"].(map[string]any)["events"].([]any)
	require.NotEmpty(t, events)
}
