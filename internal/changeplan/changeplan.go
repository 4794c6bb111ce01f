// Package changeplan implements the Change-Plan Engine (C8): it turns a
// feature requirement into an acyclic, phased set of file operations,
// executes them transactionally against the work tree, and can roll the
// whole plan back if execution or validation fails partway through.
package changeplan

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/reslock"
	"github.com/forgeworks/conductor/internal/store"
	"github.com/forgeworks/conductor/internal/vcs"
)

// Engine builds, validates, executes, and rolls back change plans.
type Engine struct {
	db    *sql.DB
	repo  *vcs.Repo
	locks *reslock.Registry
}

// New returns an Engine that executes plans against repo.
func New(db *sql.DB, repo *vcs.Repo) *Engine {
	return &Engine{db: db, repo: repo, locks: reslock.New(db)}
}

// Build runs Phase A (identify affected files) through Phase C (schedule) for
// a feature requirement, validating the resulting graph before persisting it.
// The files list is supplied by the caller (typically an LLM-backed analysis step)
// since file discovery itself is not mechanical.
func (e *Engine) Build(ctx context.Context, req models.FeatureRequirement, files []models.FileChange) (*models.ChangePlan, error) {
	validation := Validate(files)
	assignPhases(files)

	ref, err := e.repo.CurrentRef(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture start ref: %w", err)
	}

	plan := &models.ChangePlan{
		FeatureID:  req.ID,
		Status:     models.PlanStatusPending,
		StartRef:   ref,
		Files:      files,
		Validation: validation,
	}

	var created *models.ChangePlan
	err = store.Transact(e.db, func(tx *sql.Tx) error {
		p, err := store.CreateChangePlanTx(tx, plan)
		created = p
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("persist change plan: %w", err)
	}

	if !validation.Valid {
		return created, &models.PlanValidationError{FeatureID: req.ID, Errors: validation.Errors}
	}
	return created, nil
}

// Validate runs Phase B: acyclicity and dangling-dependency checks over the
// declared file list. Mirrors the task dependency graph's BFS cycle check,
// generalized from task IDs to file paths.
func Validate(files []models.FileChange) *models.ValidationResult {
	byPath := make(map[string]models.FileChange, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	var errs []string
	for _, f := range files {
		for _, dep := range f.Dependencies {
			if _, ok := byPath[dep]; !ok {
				errs = append(errs, fmt.Sprintf("%s depends on %s, which is not in the plan", f.Path, dep))
			}
		}
	}

	for _, f := range files {
		if cyclePath := findCycle(f.Path, byPath); cyclePath != "" {
			errs = append(errs, fmt.Sprintf("dependency cycle detected: %s", cyclePath))
		}
	}

	return &models.ValidationResult{Valid: len(errs) == 0, Errors: errs}
}

// findCycle performs BFS from start following Dependencies edges, matching
// the task dependency graph's detectCycleTx traversal. Returns a
// human-readable description of the first cycle found, or "" if none.
func findCycle(start string, byPath map[string]models.FileChange) string {
	const maxNodes = 1000
	visited := map[string]bool{start: true}
	queue := []string{start}
	examined := 0

	for len(queue) > 0 && examined < maxNodes {
		current := queue[0]
		queue = queue[1:]
		examined++

		for _, dep := range byPath[current].Dependencies {
			if dep == start {
				return fmt.Sprintf("%s -> ... -> %s", start, dep)
			}
			if !visited[dep] {
				visited[dep] = true
				queue = append(queue, dep)
			}
		}
	}
	return ""
}

// assignPhases computes phase(f) = 1 + max(phase(deps)) for every file,
// topologically, so files with no unresolved dependencies land in phase 1
// and can run in parallel with each other.
func assignPhases(files []models.FileChange) {
	byPath := make(map[string]*models.FileChange, len(files))
	for i := range files {
		byPath[files[i].Path] = &files[i]
	}

	var resolve func(path string, visiting map[string]bool) int
	resolve = func(path string, visiting map[string]bool) int {
		f, ok := byPath[path]
		if !ok {
			return 0
		}
		if f.Phase > 0 {
			return f.Phase
		}
		if visiting[path] {
			return 1 // cycle already reported by Validate; avoid infinite recursion
		}
		visiting[path] = true

		maxDepPhase := 0
		for _, dep := range f.Dependencies {
			if p := resolve(dep, visiting); p > maxDepPhase {
				maxDepPhase = p
			}
		}
		f.Phase = maxDepPhase + 1
		return f.Phase
	}

	for i := range files {
		resolve(files[i].Path, map[string]bool{})
	}

	phaseCounts := make(map[int]int)
	for i := range files {
		phaseCounts[files[i].Phase]++
	}
	for i := range files {
		files[i].CanRunInParallel = phaseCounts[files[i].Phase] > 1
	}
}
