package knowledge

import (
	"database/sql"
	"testing"

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

func TestRecordStoresItemWithSingleObservation(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	kb := New(db)
	item, err := kb.Record(models.KnowledgeKindGotcha, "never call os.Exit in a handler", "internal/commands/*.go", "build", "agent-1", 0.6)
	require.NoError(t, err)
	require.NotNil(t, item)

	assert.NotEmpty(t, item.ID)
	assert.Equal(t, 1, item.ObservationCount)
	assert.Equal(t, 1, item.DistinctSessions)
	assert.False(t, item.Universal)
}

func TestReinforceBlendsConfidenceAndPromotesOnceOverThreshold(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	kb := New(db).WithThresholds(PromotionThresholds{MinConfidence: 0.8, MinDistinctObs: 2})
	item, err := kb.Record(models.KnowledgeKindPattern, "use context.WithCancel for heartbeat loops", "internal/worker/*.go", "build", "agent-1", 0.9)
	require.NoError(t, err)

	updated, err := kb.Reinforce(item.ID, 0.95)
	require.NoError(t, err)
	assert.Equal(t, 2, updated.DistinctSessions)
	assert.InDelta(t, 0.925, updated.Confidence, 0.001)
	assert.True(t, updated.Universal, "should promote once confidence and distinct observations both clear the bar")
}

func TestReinforceStaysScopedBelowThreshold(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	kb := New(db)
	item, err := kb.Record(models.KnowledgeKindGotcha, "sqlite needs WAL mode for concurrent writers", "internal/store/*.go", "build", "agent-1", 0.4)
	require.NoError(t, err)

	updated, err := kb.Reinforce(item.ID, 0.5)
	require.NoError(t, err)
	assert.False(t, updated.Universal)
}

func TestQueryFiltersByKindAndFilePattern(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	kb := New(db)
	_, err := kb.Record(models.KnowledgeKindGotcha, "gotcha one", "api/*.go", "build", "agent-1", 0.7)
	require.NoError(t, err)
	_, err = kb.Record(models.KnowledgeKindPattern, "pattern one", "api/*.go", "build", "agent-1", 0.7)
	require.NoError(t, err)

	items, err := kb.Query(models.KnowledgeKindGotcha, "api/*.go", false)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, models.KnowledgeKindGotcha, items[0].Kind)
}

func TestRelevantForMergesScopedAndUniversalWithoutDuplicates(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	kb := New(db).WithThresholds(PromotionThresholds{MinConfidence: 0.5, MinDistinctObs: 1})
	scoped, err := kb.Record(models.KnowledgeKindGotcha, "scoped to ui", "ui/*.tsx", "build", "agent-1", 0.6)
	require.NoError(t, err)

	universal, err := kb.Record(models.KnowledgeKindPattern, "always wrap errors with context", "", "build", "agent-1", 0.9)
	require.NoError(t, err)
	universal, err = kb.Reinforce(universal.ID, 0.95)
	require.NoError(t, err)
	require.True(t, universal.Universal)

	items, err := kb.RelevantFor("ui/*.tsx")
	require.NoError(t, err)

	ids := map[string]bool{}
	for _, it := range items {
		ids[it.ID] = true
	}
	assert.True(t, ids[scoped.ID])
	assert.True(t, ids[universal.ID])
	assert.Len(t, items, 2)
}
