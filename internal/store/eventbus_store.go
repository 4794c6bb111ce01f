package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// CreateSubscriptionTx registers a durable cursor for one subscriber over
// one event kind, so redelivery after a crash resumes from cursor_id rather
// than replaying the whole log or dropping events emitted while it was down.
// Calling it again for the same kind/subscriber pair returns the existing
// subscription instead of resetting its cursor to zero.
func CreateSubscriptionTx(tx *sql.Tx, kind, subscriber string) (string, error) {
	var existing string
	err := tx.QueryRowContext(context.Background(), `
		SELECT id FROM event_subscriptions WHERE kind = ? AND subscriber = ?
	`, kind, subscriber).Scan(&existing)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("failed to look up existing subscription: %w", err)
	}

	id := generateID("sub")
	_, err = tx.ExecContext(context.Background(), `
		INSERT INTO event_subscriptions (id, kind, subscriber, cursor_id, created_at)
		VALUES (?, ?, ?, 0, CURRENT_TIMESTAMP)
	`, id, kind, subscriber)
	if err != nil {
		return "", fmt.Errorf("failed to create subscription: %w", err)
	}
	return id, nil
}

// SubscriptionCursor returns the last delivered event ID for a subscription.
func SubscriptionCursor(db *sql.DB, subscriptionID string) (int64, error) {
	var cursor int64
	err := db.QueryRowContext(context.Background(), `SELECT cursor_id FROM event_subscriptions WHERE id = ?`, subscriptionID).Scan(&cursor)
	if err != nil {
		return 0, fmt.Errorf("failed to query subscription cursor: %w", err)
	}
	return cursor, nil
}

// AdvanceSubscriptionCursorTx moves a subscription's delivery cursor forward
// after a batch of events has been successfully handled.
func AdvanceSubscriptionCursorTx(tx *sql.Tx, subscriptionID string, newCursor int64) error {
	_, err := tx.ExecContext(context.Background(), `UPDATE event_subscriptions SET cursor_id = ? WHERE id = ?`, newCursor, subscriptionID)
	if err != nil {
		return fmt.Errorf("failed to advance subscription cursor: %w", err)
	}
	return nil
}

// PendingEventsForSubscription returns events of the subscription's kind
// with id > cursor, in FIFO (id ascending) order, up to limit rows.
func PendingEventsForSubscription(db *sql.DB, kind string, cursor int64, limit int) ([]int64, error) {
	rows, err := db.QueryContext(context.Background(), `
		SELECT id FROM events WHERE kind = ? AND id > ? ORDER BY id ASC LIMIT ?
	`, kind, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan pending event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeadLetterEventTx records a delivery that exhausted its retry budget so it
// stops blocking the subscriber's FIFO cursor and can be inspected/replayed
// by an operator.
func DeadLetterEventTx(tx *sql.Tx, eventID int64, subscriber, kind string, attempts int, lastErr string) error {
	_, err := tx.ExecContext(context.Background(), `
		INSERT INTO dead_letter_events (event_id, subscriber, kind, attempts, last_error, created_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
	`, eventID, subscriber, kind, attempts, lastErr)
	if err != nil {
		return fmt.Errorf("failed to dead-letter event: %w", err)
	}
	return nil
}

// CountDeadLetterEvents returns how many events are parked in the dead-letter
// table for a given subscriber, surfaced by the Monitor & PM's health report.
func CountDeadLetterEvents(db *sql.DB, subscriber string) (int, error) {
	var count int
	err := db.QueryRowContext(context.Background(), `SELECT COUNT(*) FROM dead_letter_events WHERE subscriber = ?`, subscriber).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count dead letter events: %w", err)
	}
	return count, nil
}
