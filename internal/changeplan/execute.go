package changeplan

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/reslock"
	"github.com/forgeworks/conductor/internal/store"
)

// FileWriter applies one file's content to the work tree. Supplied by the
// caller (the agent worker runtime actually produces file content); the
// engine only orchestrates ordering, commit-ahead rollback logging, and
// transactional bookkeeping around it.
type FileWriter func(ctx context.Context, path string, op models.FileOperation) error

// Execute applies a plan's files in phase order, recording a rollback action
// for each file before it is mutated so a failure partway through can always
// be undone. On the first write error, it rolls back everything applied so
// far and marks the plan failed.
//
// Before anything is applied, it acquires a lock on every declared path in
// canonical (lexicographic) order via the Resource Registry; on any
// CONFLICT it releases whatever it already holds and fails the plan with a
// *models.ResourceConflictError rather than touching the work tree. Locks
// are released once execution (successful or not) is done.
func (e *Engine) Execute(ctx context.Context, plan *models.ChangePlan, write FileWriter, holderID string) error {
	paths := declaredPaths(plan.Files)
	if err := e.locks.AcquireAll(paths, holderID, reslock.DefaultTTL); err != nil {
		return err
	}
	defer func() { _ = e.locks.ReleaseAll(paths, holderID) }()

	if err := store.Transact(e.db, func(tx *sql.Tx) error {
		return store.UpdateChangePlanStatusTx(tx, plan.ID, models.PlanStatusExecuting)
	}); err != nil {
		return fmt.Errorf("mark plan executing: %w", err)
	}

	byPhase := groupByPhase(plan.Files)
	for _, phase := range sortedPhases(byPhase) {
		for _, f := range byPhase[phase] {
			if err := e.applyOne(ctx, plan, f, write); err != nil {
				rbErr := e.Rollback(ctx, plan)
				if rbErr != nil {
					return &models.RollbackInconsistentError{PlanID: plan.ID, Detail: rbErr.Error()}
				}
				return fmt.Errorf("execute file %s: %w", f.Path, err)
			}
		}
	}

	return store.Transact(e.db, func(tx *sql.Tx) error {
		return store.UpdateChangePlanStatusTx(tx, plan.ID, models.PlanStatusCommitted)
	})
}

func (e *Engine) applyOne(ctx context.Context, plan *models.ChangePlan, f models.FileChange, write FileWriter) error {
	action := &models.RollbackAction{PlanID: plan.ID, File: f.Path}
	switch f.Operation {
	case models.FileOperationCreate:
		action.Action = models.RollbackActionDelete
	case models.FileOperationModify, models.FileOperationDelete:
		action.Action = models.RollbackActionRestoreFromRef
		action.Ref = plan.StartRef
	}

	var actionID int64
	if err := store.Transact(e.db, func(tx *sql.Tx) error {
		id, err := store.RecordRollbackActionTx(tx, action)
		actionID = id
		return err
	}); err != nil {
		return fmt.Errorf("record rollback action for %s: %w", f.Path, err)
	}

	if err := write(ctx, f.Path, f.Operation); err != nil {
		return err
	}

	return store.Transact(e.db, func(tx *sql.Tx) error {
		return store.MarkRollbackActionTx(tx, actionID, models.RollbackActionSuccess)
	})
}

// Rollback undoes every applied rollback action for plan, in reverse order
// of application, so a file modified then later deleted by a dependent step
// is restored only after the deletion's own undo has run.
func (e *Engine) Rollback(ctx context.Context, plan *models.ChangePlan) error {
	actions, err := store.ListRollbackActions(e.db, plan.ID)
	if err != nil {
		return fmt.Errorf("list rollback actions: %w", err)
	}

	var failures []string
	for _, a := range actions {
		if a.Status != models.RollbackActionSuccess {
			continue
		}
		var undoErr error
		switch a.Action {
		case models.RollbackActionRestoreFromRef:
			undoErr = e.repo.RestoreFileFromRef(ctx, a.File, a.Ref)
		case models.RollbackActionDelete:
			undoErr = os.Remove(a.File)
			if os.IsNotExist(undoErr) {
				undoErr = nil
			}
		}
		if undoErr != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", a.File, undoErr))
			continue
		}
		if err := store.Transact(e.db, func(tx *sql.Tx) error {
			return store.MarkRollbackActionTx(tx, a.ID, models.RollbackActionFailed)
		}); err != nil {
			failures = append(failures, fmt.Sprintf("%s: mark rolled back: %v", a.File, err))
		}
	}

	if len(failures) > 0 {
		return fmt.Errorf("rollback left %d file(s) inconsistent: %v", len(failures), failures)
	}

	return store.Transact(e.db, func(tx *sql.Tx) error {
		return store.UpdateChangePlanStatusTx(tx, plan.ID, models.PlanStatusRolledBack)
	})
}

// CompareWorkingTree structurally compares the current work tree against the
// plan's declared file list, reporting any path the plan didn't account for
// — the Change-Plan Engine's post-execution sanity check before a session
// reports completion.
func (e *Engine) CompareWorkingTree(ctx context.Context, plan *models.ChangePlan) ([]string, error) {
	changed, err := e.repo.DiffNameStatus(ctx, plan.StartRef)
	if err != nil {
		return nil, fmt.Errorf("diff against start ref: %w", err)
	}

	declared := make(map[string]bool, len(plan.Files))
	for _, f := range plan.Files {
		declared[f.Path] = true
	}

	var undeclared []string
	for path := range changed {
		if !declared[path] {
			undeclared = append(undeclared, path)
		}
	}
	return undeclared, nil
}

// declaredPaths returns the distinct file paths a plan touches, in the
// order they first appear in plan.Files. AcquireAll re-sorts them into
// canonical lexicographic order before acquisition.
func declaredPaths(files []models.FileChange) []string {
	seen := make(map[string]bool, len(files))
	paths := make([]string, 0, len(files))
	for _, f := range files {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		paths = append(paths, f.Path)
	}
	return paths
}

func groupByPhase(files []models.FileChange) map[int][]models.FileChange {
	out := make(map[int][]models.FileChange)
	for _, f := range files {
		out[f.Phase] = append(out[f.Phase], f)
	}
	return out
}

func sortedPhases(byPhase map[int][]models.FileChange) []int {
	phases := make([]int, 0, len(byPhase))
	for p := range byPhase {
		phases = append(phases, p)
	}
	for i := 1; i < len(phases); i++ {
		for j := i; j > 0 && phases[j-1] > phases[j]; j-- {
			phases[j-1], phases[j] = phases[j], phases[j-1]
		}
	}
	return phases
}
