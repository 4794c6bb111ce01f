package models

import "fmt"

// RecoverableError is implemented by enriched errors that carry structured
// context and remediation hints. Both the store and output packages use this
// interface to avoid an import cycle.
type RecoverableError interface {
	error
	ErrorCode() string
	Context() map[string]string
	SuggestedAction() string
}

// ResourceConflictError is returned by the Resource Registry & File Locks
// when Acquire finds a non-expired lock held by another holder. It is
// surfaced to the orchestrator rather than retried inside the session —
// the orchestrator reschedules the task per the resource_conflict policy.
type ResourceConflictError struct {
	Path         string
	HolderID     string
	RequestedBy  string
}

func (e *ResourceConflictError) Error() string {
	return fmt.Sprintf("path %q is locked by %q", e.Path, e.HolderID)
}
func (e *ResourceConflictError) ErrorCode() string { return "RESOURCE_CONFLICT" }
func (e *ResourceConflictError) Context() map[string]string {
	return map[string]string{
		"path":         e.Path,
		"holder_id":    e.HolderID,
		"requested_by": e.RequestedBy,
	}
}
func (e *ResourceConflictError) SuggestedAction() string {
	return "reschedule the task; the lock will be reaped on expiry or released by its holder"
}

// RollbackInconsistentError is non-recoverable by the orchestrator: the
// affected task is marked blocked and an escalation event is published.
type RollbackInconsistentError struct {
	PlanID string
	Detail string
}

func (e *RollbackInconsistentError) Error() string {
	return fmt.Sprintf("rollback for plan %s left the working tree inconsistent: %s", e.PlanID, e.Detail)
}
func (e *RollbackInconsistentError) ErrorCode() string { return "ROLLBACK_INCONSISTENT" }
func (e *RollbackInconsistentError) Context() map[string]string {
	return map[string]string{"plan_id": e.PlanID, "detail": e.Detail}
}
func (e *RollbackInconsistentError) SuggestedAction() string {
	return "manual inspection required: compare working tree against start_ref"
}

// DeadlineExceededError marks a task whose wall-clock timeout elapsed.
type DeadlineExceededError struct {
	TaskID  string
	Timeout string
}

func (e *DeadlineExceededError) Error() string {
	return fmt.Sprintf("task %s exceeded its %s deadline", e.TaskID, e.Timeout)
}
func (e *DeadlineExceededError) ErrorCode() string { return "DEADLINE_EXCEEDED" }
func (e *DeadlineExceededError) Context() map[string]string {
	return map[string]string{"task_id": e.TaskID, "timeout": e.Timeout}
}
func (e *DeadlineExceededError) SuggestedAction() string {
	return "session was cancelled; task is eligible for retry up to max_retries"
}

// PlanValidationError reports an acyclicity or dangling-dependency failure
// from the Change-Plan Engine's Phase B graph validation.
type PlanValidationError struct {
	FeatureID string
	Errors    []string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("plan validation failed for feature %s: %v", e.FeatureID, e.Errors)
}
func (e *PlanValidationError) ErrorCode() string { return "VALIDATION_ERROR" }
func (e *PlanValidationError) Context() map[string]string {
	return map[string]string{"feature_id": e.FeatureID}
}
func (e *PlanValidationError) SuggestedAction() string {
	return "fix the reported dependency cycle or dangling reference and re-submit the plan"
}

// CrossLayerValidationError reports that every declared layer (database, api,
// ui) executed successfully but the cross-layer type check failed (e.g. an
// API field type doesn't match its backing column). Deliberately does not
// trigger rollback: the work is preserved for human or QA-agent review.
type CrossLayerValidationError struct {
	FeatureID string
	Detail    string
}

func (e *CrossLayerValidationError) Error() string {
	return fmt.Sprintf("cross-layer validation failed for feature %s: %s", e.FeatureID, e.Detail)
}
func (e *CrossLayerValidationError) ErrorCode() string { return "CROSS_LAYER_VALIDATION_ERROR" }
func (e *CrossLayerValidationError) Context() map[string]string {
	return map[string]string{"feature_id": e.FeatureID, "detail": e.Detail}
}
func (e *CrossLayerValidationError) SuggestedAction() string {
	return "task moved to needs_review; inspect DB/API/UI layers by hand, no automatic rollback was performed"
}
