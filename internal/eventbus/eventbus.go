// Package eventbus implements the Event Bus (C2): a typed pub/sub layer over
// the durable event log in internal/store, with per-subscriber FIFO cursors
// and at-least-once delivery that dead-letters after repeated failures.
package eventbus

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/forgeworks/conductor/internal/models"
	"github.com/forgeworks/conductor/internal/store"
)

// Handler processes one event. An error causes the bus to retry delivery per
// the subscription's backoff policy before dead-lettering.
type Handler func(ctx context.Context, event *models.Event) error

// maxDeliveryAttempts bounds retries before an event is dead-lettered.
const maxDeliveryAttempts = 5

// Publish appends an event to the durable log. Subscribers discover it on
// their next Poll via the kind-scoped cursor; Publish itself never blocks on
// delivery.
func Publish(db *sql.DB, kind, agentName, taskID, message string, metadata any) (int64, error) {
	var metaJSON string
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("failed to marshal event metadata: %w", err)
		}
		metaJSON = string(b)
	}

	var eventID int64
	err := store.Transact(db, func(tx *sql.Tx) error {
		id, err := store.InsertEventTx(tx, kind, agentName, taskID, message, metaJSON)
		if err != nil {
			return err
		}
		eventID = id
		return nil
	})
	return eventID, err
}

// Subscription binds a subscriber name to one event kind with a durable
// delivery cursor, so restart/crash never causes a silent gap or a full replay.
type Subscription struct {
	ID         string
	Kind       string
	Subscriber string
	db         *sql.DB
}

// Subscribe registers (or resumes) a subscription for kind/subscriber.
func Subscribe(db *sql.DB, kind, subscriber string) (*Subscription, error) {
	var id string
	err := store.Transact(db, func(tx *sql.Tx) error {
		sid, err := store.CreateSubscriptionTx(tx, kind, subscriber)
		if err != nil {
			return err
		}
		id = sid
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %s to %s: %w", subscriber, kind, err)
	}
	return &Subscription{ID: id, Kind: kind, Subscriber: subscriber, db: db}, nil
}

// Poll delivers every pending event to handler, in FIFO order, retrying each
// with exponential backoff up to maxDeliveryAttempts before dead-lettering it
// and advancing past it (a poisoned event must not block the whole FIFO).
func (s *Subscription) Poll(ctx context.Context, limit int, handler Handler) (delivered int, err error) {
	cursor, err := store.SubscriptionCursor(s.db, s.ID)
	if err != nil {
		return 0, err
	}

	ids, err := store.PendingEventsForSubscription(s.db, s.Kind, cursor, limit)
	if err != nil {
		return 0, err
	}

	for _, id := range ids {
		event, err := store.GetEvent(s.db, id)
		if err != nil {
			return delivered, fmt.Errorf("failed to load event %d: %w", id, err)
		}

		if deliverErr := s.deliverWithRetry(ctx, event, handler); deliverErr != nil {
			if derr := store.Transact(s.db, func(tx *sql.Tx) error {
				return store.DeadLetterEventTx(tx, id, s.Subscriber, s.Kind, maxDeliveryAttempts, deliverErr.Error())
			}); derr != nil {
				return delivered, fmt.Errorf("failed to dead-letter event %d: %w", id, derr)
			}
			slog.Default().Warn("event dead-lettered", "event_id", id, "subscriber", s.Subscriber, "kind", s.Kind, "error", deliverErr.Error())
		}

		if err := store.Transact(s.db, func(tx *sql.Tx) error {
			return store.AdvanceSubscriptionCursorTx(tx, s.ID, id)
		}); err != nil {
			return delivered, fmt.Errorf("failed to advance cursor past event %d: %w", id, err)
		}
		delivered++
	}

	return delivered, nil
}

func (s *Subscription) deliverWithRetry(ctx context.Context, event *models.Event, handler Handler) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	attempts := 0
	return backoff.Retry(func() error {
		attempts++
		if attempts > maxDeliveryAttempts {
			return backoff.Permanent(fmt.Errorf("exceeded %d delivery attempts", maxDeliveryAttempts))
		}
		if err := handler(ctx, event); err != nil {
			return err
		}
		return nil
	}, backoff.WithContext(b, ctx))
}
