package models

import "time"

// FileOperation enumerates the operation a change-plan file entry performs.
type FileOperation string

// File operation constants.
const (
	FileOperationCreate FileOperation = "create"
	FileOperationModify FileOperation = "modify"
	FileOperationDelete FileOperation = "delete"
)

// PlanStatus tracks the lifecycle of a change plan's execution.
type PlanStatus string

// Plan status constants.
const (
	PlanStatusPending    PlanStatus = "pending"
	PlanStatusExecuting  PlanStatus = "executing"
	PlanStatusCommitted  PlanStatus = "committed"
	PlanStatusRolledBack PlanStatus = "rolled_back"
	PlanStatusFailed     PlanStatus = "failed"
)

// ChangePlan is an acyclic, phased set of file operations for one feature
// or task, produced by the Change-Plan Engine's Identify/Graph/Schedule phases.
type ChangePlan struct {
	ID         string      `json:"id"`
	FeatureID  string      `json:"feature_id"`
	TaskID     string      `json:"task_id,omitempty"`
	Status     PlanStatus  `json:"status"`
	StartRef   string      `json:"start_ref,omitempty"`
	Files      []FileChange `json:"files"`
	Validation *ValidationResult `json:"validation_result,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
}

// FileChange is one file-level operation within a change plan.
type FileChange struct {
	Path              string        `json:"path"`
	Operation         FileOperation `json:"operation"`
	Reason            string        `json:"reason,omitempty"`
	Dependencies      []string      `json:"dependencies,omitempty"`
	Priority          int           `json:"priority"`
	Phase             int           `json:"phase"`
	CanRunInParallel  bool          `json:"can_run_in_parallel"`
}

// ValidationResult records the outcome of Phase B's DAG validation and, when
// driven by the Feature Coordinator, the cross-layer type-compatibility check.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors,omitempty"`
}

// RollbackActionType enumerates how a single file operation is undone.
type RollbackActionType string

// Rollback action type constants.
const (
	RollbackActionRestoreFromRef RollbackActionType = "restore_from_ref"
	RollbackActionDelete         RollbackActionType = "delete"
)

// RollbackAction records how to undo one applied file operation, captured
// before the change is made so rollback never needs to re-derive intent.
type RollbackAction struct {
	ID       int64               `json:"id"`
	PlanID   string              `json:"plan_id"`
	File     string              `json:"file"`
	Action   RollbackActionType  `json:"action"`
	Ref      string              `json:"ref,omitempty"`
	Status   RollbackActionStatus `json:"status"`
	AppliedAt *time.Time         `json:"applied_at,omitempty"`
}

// RollbackActionStatus tracks whether a rollback action has been executed.
type RollbackActionStatus string

// Rollback action status constants.
const (
	RollbackActionPending RollbackActionStatus = "pending"
	RollbackActionSuccess RollbackActionStatus = "success"
	RollbackActionFailed  RollbackActionStatus = "failed"
)

// FeatureRequirement is the input to the Change-Plan Engine's Phase A.
type FeatureRequirement struct {
	ID            string   `json:"id"`
	Description   string   `json:"description"`
	AffectedAreas []string `json:"affected_areas"` // subset of {database, api, ui}
	PassCriteria  []string `json:"pass_criteria,omitempty"`
}
