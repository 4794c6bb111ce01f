// Package feature implements the Feature Coordinator (C11): it drives the
// Change-Plan Engine across a feature's declared layers in dependency order
// (database -> api -> ui) and applies the declarative per-layer rollback
// policy on failure. Grounded on the ordered, fail-fast multi-step script
// execution the teacher's demo runner uses, generalized from "scripted demo
// acts" to "ordered feature layers with per-layer failure policy".
package feature

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/forgeworks/conductor/internal/changeplan"
	"github.com/forgeworks/conductor/internal/eventbus"
	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

// Layer is one of the fixed build-order stages a feature passes through.
type Layer string

// Layer constants, in the fixed dependency order DB -> API -> UI.
const (
	LayerDatabase Layer = "database"
	LayerAPI      Layer = "api"
	LayerUI       Layer = "ui"
)

// layerOrder is the fixed traversal order; it is not configurable because
// the declarative rollback table depends on it.
var layerOrder = []Layer{LayerDatabase, LayerAPI, LayerUI}

// Validator runs the cross-layer check (e.g. DB column type matches API
// field type matches UI prop type) once every declared layer has committed.
// Returning an error does not trigger rollback; the feature coordinator
// instead moves the task to needs_review.
type Validator func(ctx context.Context) error

// Coordinator drives a feature's layers through a shared Change-Plan Engine.
type Coordinator struct {
	db     *sql.DB
	engine *changeplan.Engine
	agent  string
}

// New returns a Coordinator that builds and executes plans through engine.
func New(db *sql.DB, engine *changeplan.Engine, agentName string) *Coordinator {
	return &Coordinator{db: db, engine: engine, agent: agentName}
}

// LayerPlan is one layer's declared file set, keyed by which layer it is.
type LayerPlan struct {
	Layer Layer
	Files []models.FileChange
}

// Run builds and executes each declared layer's plan in order, stopping at
// the first failure (that layer's own plan is rolled back; prior layers'
// committed work is preserved, per spec). If every layer commits, it runs
// validate; a validation failure moves taskID to needs_review without
// rolling anything back.
func (c *Coordinator) Run(ctx context.Context, req models.FeatureRequirement, taskID string, layers []LayerPlan, write changeplan.FileWriter, validate Validator) error {
	byLayer := make(map[Layer][]models.FileChange, len(layers))
	for _, l := range layers {
		byLayer[l.Layer] = l.Files
	}

	if _, err := eventbus.Publish(c.db, models.EventKindBuildStarted, c.agent, taskID, fmt.Sprintf("feature %s build started", req.ID), map[string]any{"feature_id": req.ID}); err != nil {
		return fmt.Errorf("publish build started: %w", err)
	}

	for _, layer := range layerOrder {
		files, ok := byLayer[layer]
		if !ok || len(files) == 0 {
			continue
		}
		if err := c.runLayer(ctx, req, layer, files, write); err != nil {
			return fmt.Errorf("layer %s: %w", layer, err)
		}
	}

	if validate != nil {
		if err := validate(ctx); err != nil {
			return c.handleValidationFailure(taskID, req, err)
		}
	}

	if _, err := eventbus.Publish(c.db, models.EventKindBuildCompleted, c.agent, taskID, fmt.Sprintf("feature %s build completed", req.ID), map[string]any{"feature_id": req.ID}); err != nil {
		return fmt.Errorf("publish build completed: %w", err)
	}
	_, err := eventbus.Publish(c.db, models.EventKindReviewCompleted, c.agent, taskID, fmt.Sprintf("feature %s passed cross-layer validation", req.ID), map[string]any{"feature_id": req.ID})
	return err
}

func (c *Coordinator) runLayer(ctx context.Context, req models.FeatureRequirement, layer Layer, files []models.FileChange, write changeplan.FileWriter) error {
	plan, err := c.engine.Build(ctx, req, files)
	if err != nil {
		return fmt.Errorf("build %s plan: %w", layer, err)
	}
	if err := c.engine.Execute(ctx, plan, write, c.agent); err != nil {
		// Execute already rolled this layer's own plan back on failure;
		// earlier layers' committed plans are untouched by design.
		return fmt.Errorf("execute %s plan: %w", layer, err)
	}
	return nil
}

func (c *Coordinator) handleValidationFailure(taskID string, req models.FeatureRequirement, cause error) error {
	t, err := store.GetTask(c.db, taskID)
	if err != nil {
		return fmt.Errorf("load task for needs_review transition: %w", err)
	}
	if err := store.Transact(c.db, func(tx *sql.Tx) error {
		_, err := store.UpdateTaskStatusWithEventTx(tx, c.agent, taskID, string(models.TaskStatusNeedsReview), t.Version)
		return err
	}); err != nil {
		return fmt.Errorf("transition task to needs_review: %w", err)
	}

	valErr := &models.CrossLayerValidationError{FeatureID: req.ID, Detail: cause.Error()}
	if _, perr := eventbus.Publish(c.db, models.EventKindReviewCompleted, c.agent, taskID, valErr.Error(), map[string]any{"feature_id": req.ID, "needs_review": true}); perr != nil {
		return fmt.Errorf("publish review event: %w", perr)
	}
	return valErr
}
