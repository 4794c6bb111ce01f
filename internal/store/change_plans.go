package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/forgeworks/conductor/internal/models"
)

// CreateChangePlanTx persists a change plan and its file entries together.
// Validation is expected to have already run; Valid/Errors are stored as-is.
func CreateChangePlanTx(tx *sql.Tx, plan *models.ChangePlan) (*models.ChangePlan, error) {
	id := generateID("plan")

	var errorsJSON []byte
	if plan.Validation != nil && len(plan.Validation.Errors) > 0 {
		b, err := json.Marshal(plan.Validation.Errors)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal validation errors: %w", err)
		}
		errorsJSON = b
	}
	valid := plan.Validation != nil && plan.Validation.Valid

	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO change_plans (id, feature_id, task_id, status, start_ref, valid, errors_json, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, id, plan.FeatureID, nullIfEmpty(plan.TaskID), "pending", nullIfEmpty(plan.StartRef), valid, errorsJSON)
	if err != nil {
		return nil, fmt.Errorf("failed to insert change plan: %w", err)
	}

	for _, f := range plan.Files {
		deps, err := json.Marshal(f.Dependencies)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal file dependencies: %w", err)
		}
		_, err = tx.ExecContext(context.Background(), `
			INSERT INTO change_plan_files (plan_id, path, operation, reason, dependencies_json, priority, phase, can_run_in_parallel)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, id, f.Path, string(f.Operation), f.Reason, string(deps), f.Priority, f.Phase, f.CanRunInParallel)
		if err != nil {
			return nil, fmt.Errorf("failed to insert change plan file %s: %w", f.Path, err)
		}
	}

	return getChangePlanTx(tx, id)
}

func getChangePlanTx(tx *sql.Tx, id string) (*models.ChangePlan, error) {
	row := tx.QueryRowContext(context.Background(), `
		SELECT id, feature_id, task_id, status, start_ref, valid, errors_json, created_at
		FROM change_plans WHERE id = ?
	`, id)

	plan, err := scanChangePlanRow(row)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(context.Background(), `
		SELECT path, operation, reason, dependencies_json, priority, phase, can_run_in_parallel
		FROM change_plan_files WHERE plan_id = ? ORDER BY phase ASC, priority DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("failed to query change plan files: %w", err)
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var f models.FileChange
		var reason sql.NullString
		var depsJSON string
		if err := rows.Scan(&f.Path, &f.Operation, &reason, &depsJSON, &f.Priority, &f.Phase, &f.CanRunInParallel); err != nil {
			return nil, fmt.Errorf("failed to scan change plan file: %w", err)
		}
		f.Reason = scanNullString(reason)
		if depsJSON != "" {
			if err := json.Unmarshal([]byte(depsJSON), &f.Dependencies); err != nil {
				return nil, fmt.Errorf("failed to unmarshal file dependencies: %w", err)
			}
		}
		plan.Files = append(plan.Files, f)
	}

	return plan, rows.Err()
}

func scanChangePlanRow(row interface{ Scan(dest ...any) error }) (*models.ChangePlan, error) {
	var p models.ChangePlan
	var taskID, startRef sql.NullString
	var valid bool
	var errorsJSON sql.NullString
	err := row.Scan(&p.ID, &p.FeatureID, &taskID, &p.Status, &startRef, &valid, &errorsJSON, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("change plan not found")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan change plan: %w", err)
	}
	p.TaskID = scanNullString(taskID)
	p.StartRef = scanNullString(startRef)

	p.Validation = &models.ValidationResult{Valid: valid}
	if errorsJSON.Valid && errorsJSON.String != "" {
		if err := json.Unmarshal([]byte(errorsJSON.String), &p.Validation.Errors); err != nil {
			return nil, fmt.Errorf("failed to unmarshal plan validation errors: %w", err)
		}
	}
	return &p, nil
}

// GetChangePlan retrieves a change plan with its files by ID.
func GetChangePlan(db *sql.DB, id string) (*models.ChangePlan, error) {
	var plan *models.ChangePlan
	err := Transact(db, func(tx *sql.Tx) error {
		p, err := getChangePlanTx(tx, id)
		plan = p
		return err
	})
	return plan, err
}

// UpdateChangePlanStatusTx transitions a plan between pending/executing/committed/rolled_back/failed.
func UpdateChangePlanStatusTx(tx *sql.Tx, id string, status models.PlanStatus) error {
	result, err := tx.ExecContext(context.Background(), `UPDATE change_plans SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to update change plan status: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("change plan not found: %s", id)
	}
	return nil
}

// ListChangePlansByStatus returns every plan in the given status, for the
// Monitor & PM's sweep over plans stuck mid-execution (a process that died
// between Execute's phase steps leaves its plan row in "executing" forever
// unless something notices).
func ListChangePlansByStatus(db *sql.DB, status models.PlanStatus) ([]*models.ChangePlan, error) {
	rows, err := db.QueryContext(context.Background(), `SELECT id FROM change_plans WHERE status = ? ORDER BY created_at ASC`, string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query change plans by status: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan change plan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var plans []*models.ChangePlan
	for _, id := range ids {
		p, err := GetChangePlan(db, id)
		if err != nil {
			return nil, fmt.Errorf("failed to load change plan %s: %w", id, err)
		}
		plans = append(plans, p)
	}
	return plans, nil
}

// RecordRollbackActionTx logs how to undo a single applied file operation,
// captured before the mutation happens per the Change-Plan Engine's
// commit-ahead rollback design.
func RecordRollbackActionTx(tx *sql.Tx, action *models.RollbackAction) (int64, error) {
	result, err := tx.ExecContext(context.Background(), `
		INSERT INTO rollback_actions (plan_id, file, action, ref, status)
		VALUES (?, ?, ?, ?, 'pending')
	`, action.PlanID, action.File, string(action.Action), action.Ref)
	if err != nil {
		return 0, fmt.Errorf("failed to record rollback action: %w", err)
	}
	return result.LastInsertId()
}

// MarkRollbackActionTx flips a rollback action's status once it has been
// applied (or has failed to apply) during an actual rollback.
func MarkRollbackActionTx(tx *sql.Tx, id int64, status models.RollbackActionStatus) error {
	_, err := tx.ExecContext(context.Background(), `
		UPDATE rollback_actions SET status = ?, applied_at = CURRENT_TIMESTAMP WHERE id = ?
	`, string(status), id)
	if err != nil {
		return fmt.Errorf("failed to mark rollback action: %w", err)
	}
	return nil
}

// ListRollbackActions returns a plan's rollback actions in reverse order of
// application, matching the engine's "rollback in reverse dependency order" rule.
func ListRollbackActions(db *sql.DB, planID string) ([]*models.RollbackAction, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id, plan_id, file, action, ref, status, applied_at
		FROM rollback_actions WHERE plan_id = ? ORDER BY id DESC
	`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to query rollback actions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.RollbackAction
	for rows.Next() {
		var a models.RollbackAction
		var ref sql.NullString
		var appliedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.PlanID, &a.File, &a.Action, &ref, &a.Status, &appliedAt); err != nil {
			return nil, fmt.Errorf("failed to scan rollback action: %w", err)
		}
		a.Ref = scanNullString(ref)
		a.AppliedAt = scanNullTime(appliedAt)
		out = append(out, &a)
	}
	return out, rows.Err()
}
