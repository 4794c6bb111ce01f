package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/forgeworks/conductor/internal/models"
)

const knowledgeColumns = `id, kind, content, file_pattern, action_type, confidence,
	source, observation_count, distinct_sessions, universal, created_at, updated_at`

func scanKnowledgeRow(row interface{ Scan(dest ...any) error }) (*models.KnowledgeItem, error) {
	var k models.KnowledgeItem
	var filePattern, actionType, source sql.NullString
	err := row.Scan(
		&k.ID, &k.Kind, &k.Content, &filePattern, &actionType, &k.Confidence,
		&source, &k.ObservationCount, &k.DistinctSessions, &k.Universal, &k.CreatedAt, &k.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	k.FilePattern = scanNullString(filePattern)
	k.ActionType = scanNullString(actionType)
	k.Source = scanNullString(source)
	return &k, nil
}

// CreateKnowledgeItemTx records a newly observed gotcha/pattern/decision.
func CreateKnowledgeItemTx(tx *sql.Tx, k *models.KnowledgeItem) (*models.KnowledgeItem, error) {
	id := generateID("know")
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO knowledge_items
			(id, kind, content, file_pattern, action_type, confidence, source, observation_count, distinct_sessions, universal, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
	`, id, string(k.Kind), k.Content, k.FilePattern, k.ActionType, k.Confidence, k.Source, k.ObservationCount, k.DistinctSessions, k.Universal)
	if err != nil {
		return nil, fmt.Errorf("failed to insert knowledge item: %w", err)
	}
	return getKnowledgeItemTx(tx, id)
}

func getKnowledgeItemTx(tx *sql.Tx, id string) (*models.KnowledgeItem, error) {
	row := tx.QueryRowContext(context.Background(), `SELECT `+knowledgeColumns+` FROM knowledge_items WHERE id = ?`, id)
	return scanKnowledgeRow(row)
}

// GetKnowledgeItem retrieves a knowledge item by ID.
func GetKnowledgeItem(db *sql.DB, id string) (*models.KnowledgeItem, error) {
	row := db.QueryRowContext(context.Background(), `SELECT `+knowledgeColumns+` FROM knowledge_items WHERE id = ?`, id)
	k, err := scanKnowledgeRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("knowledge item not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge item: %w", err)
	}
	return k, nil
}

// ReinforceKnowledgeItemTx blends a re-observation into an existing item's
// confidence using the running-average rule and bumps its occurrence
// counters, promoting it to universal once it crosses the caller's thresholds.
func ReinforceKnowledgeItemTx(tx *sql.Tx, id string, newConfidence float64, promotable bool) (*models.KnowledgeItem, error) {
	existing, err := getKnowledgeItemTx(tx, id)
	if err != nil {
		return nil, err
	}

	combined := models.CombineConfidence(existing.Confidence, existing.ObservationCount, newConfidence)

	_, err = tx.ExecContext(context.Background(), `
		UPDATE knowledge_items
		SET confidence = ?, observation_count = observation_count + 1,
		    distinct_sessions = distinct_sessions + 1, universal = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, combined, promotable, id)
	if err != nil {
		return nil, fmt.Errorf("failed to reinforce knowledge item: %w", err)
	}
	return getKnowledgeItemTx(tx, id)
}

// QueryKnowledgeItems returns items matching an optional kind and/or file
// pattern filter, highest confidence first — the shape the Agent Worker
// Runtime's context-assembly step consumes when priming a new session.
func QueryKnowledgeItems(db *sql.DB, kind models.KnowledgeKind, filePattern string, universalOnly bool) ([]*models.KnowledgeItem, error) {
	query := `SELECT ` + knowledgeColumns + ` FROM knowledge_items WHERE 1=1`
	var args []any
	if kind != "" {
		query += ` AND kind = ?`
		args = append(args, string(kind))
	}
	if filePattern != "" {
		query += ` AND (file_pattern = ? OR file_pattern IS NULL)`
		args = append(args, filePattern)
	}
	if universalOnly {
		query += ` AND universal = 1`
	}
	query += ` ORDER BY confidence DESC, updated_at DESC`

	rows, err := db.QueryContext(context.Background(), query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query knowledge items: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.KnowledgeItem
	for rows.Next() {
		k, err := scanKnowledgeRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan knowledge item: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}
