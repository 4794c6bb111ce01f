// Package knowledge implements the Knowledge Base (C5): a queryable store of
// gotchas, patterns, and decisions that agent workers contribute to and draw
// context from, with confidence-weighted promotion to universal scope.
package knowledge

import (
	"database/sql"
	"fmt"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

// PromotionThresholds gates when a KnowledgeItem is marked universal —
// visible to every agent regardless of file pattern, rather than scoped to
// the area it was first observed in. Left as an Open Question by the
// original design; these defaults are deliberately conservative
// (high-confidence, multiply observed) to avoid over-promoting a one-off
// observation.
type PromotionThresholds struct {
	MinConfidence   float64
	MinDistinctObs  int
}

// DefaultPromotionThresholds requires sustained, high-confidence agreement
// before a pattern or gotcha is treated as universally applicable.
func DefaultPromotionThresholds() PromotionThresholds {
	return PromotionThresholds{MinConfidence: 0.85, MinDistinctObs: 3}
}

// Base is the store-backed handle for recording and querying knowledge.
type Base struct {
	db         *sql.DB
	thresholds PromotionThresholds
}

// New returns a Base bound to db using the default promotion thresholds.
func New(db *sql.DB) *Base {
	return &Base{db: db, thresholds: DefaultPromotionThresholds()}
}

// WithThresholds overrides the promotion thresholds (used by tests and by
// operators tuning promotion sensitivity per deployment).
func (b *Base) WithThresholds(t PromotionThresholds) *Base {
	b.thresholds = t
	return b
}

// Record stores a freshly observed knowledge item with the given confidence
// (observation_count and distinct_sessions both start at 1).
func (b *Base) Record(kind models.KnowledgeKind, content, filePattern, actionType, source string, confidence float64) (*models.KnowledgeItem, error) {
	var item *models.KnowledgeItem
	err := store.Transact(b.db, func(tx *sql.Tx) error {
		created, err := store.CreateKnowledgeItemTx(tx, &models.KnowledgeItem{
			Kind:             kind,
			Content:          content,
			FilePattern:      filePattern,
			ActionType:       actionType,
			Confidence:       confidence,
			Source:           source,
			ObservationCount: 1,
			DistinctSessions: 1,
		})
		item = created
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("record knowledge item: %w", err)
	}
	return item, nil
}

// Reinforce blends a re-observation of an existing item using the running
// average confidence rule and promotes it to universal once the combined
// confidence and distinct-observation count cross the configured bar.
func (b *Base) Reinforce(id string, newConfidence float64) (*models.KnowledgeItem, error) {
	existing, err := store.GetKnowledgeItem(b.db, id)
	if err != nil {
		return nil, err
	}
	combined := models.CombineConfidence(existing.Confidence, existing.ObservationCount, newConfidence)
	promotable := (&models.KnowledgeItem{
		Confidence:       combined,
		DistinctSessions: existing.DistinctSessions + 1,
	}).IsPromotable(b.thresholds.MinConfidence, b.thresholds.MinDistinctObs)

	var item *models.KnowledgeItem
	err = store.Transact(b.db, func(tx *sql.Tx) error {
		updated, err := store.ReinforceKnowledgeItemTx(tx, id, newConfidence, promotable)
		item = updated
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("reinforce knowledge item %s: %w", id, err)
	}
	return item, nil
}

// Query returns items relevant to an optional kind/file-pattern filter,
// highest confidence first — the shape an agent worker's context-assembly
// step consumes when priming a new session.
func (b *Base) Query(kind models.KnowledgeKind, filePattern string, universalOnly bool) ([]*models.KnowledgeItem, error) {
	return store.QueryKnowledgeItems(b.db, kind, filePattern, universalOnly)
}

// RelevantFor returns the gotchas and patterns an agent about to touch
// filePattern should see: universal items plus items scoped to that pattern.
func (b *Base) RelevantFor(filePattern string) ([]*models.KnowledgeItem, error) {
	scoped, err := store.QueryKnowledgeItems(b.db, "", filePattern, false)
	if err != nil {
		return nil, fmt.Errorf("query scoped knowledge: %w", err)
	}
	universal, err := store.QueryKnowledgeItems(b.db, "", "", true)
	if err != nil {
		return nil, fmt.Errorf("query universal knowledge: %w", err)
	}

	seen := make(map[string]bool, len(scoped))
	out := make([]*models.KnowledgeItem, 0, len(scoped)+len(universal))
	for _, item := range scoped {
		seen[item.ID] = true
		out = append(out, item)
	}
	for _, item := range universal {
		if !seen[item.ID] {
			out = append(out, item)
		}
	}
	return out, nil
}
