package pgbooking

import (
	"context"
	"time"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/pkg/errors"
)

func (t *Tx) EnqueueEvent(ctx context.Context, e *models.OutboxEvent) error {
	err := t.q.QueryRow(ctx, `
INSERT INTO outbox_events (event_id, topic, key, payload, attempts, next_attempt_at, created_at)
VALUES ($1,$2,$3,$4,0,$5,$6)
RETURNING id
`, e.EventID, e.Topic, e.Key, e.Payload, e.NextAttemptAt.UTC(), e.CreatedAt.UTC()).Scan(&e.ID)
	if err != nil {
		return errors.Wrap(err, "insert outbox event")
	}
	return nil
}

// ClaimDueEvents picks a batch of unpublished events and leases them so other
// relay instances skip them while they are being published.
// Uses SELECT ... FOR UPDATE SKIP LOCKED.
func (s *Storage) ClaimDueEvents(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.OutboxEvent, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT id, event_id, topic, key, payload, attempts, next_attempt_at, published_at, last_error, created_at
FROM outbox_events
WHERE published_at IS NULL
  AND next_attempt_at <= $1
ORDER BY next_attempt_at ASC, id ASC
LIMIT $2
FOR UPDATE SKIP LOCKED
`, now.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due events")
	}

	var picked []*models.OutboxEvent
	for rows.Next() {
		var e models.OutboxEvent
		if err := rows.Scan(
			&e.ID, &e.EventID, &e.Topic, &e.Key, &e.Payload, &e.Attempts,
			&e.NextAttemptAt, &e.PublishedAt, &e.LastError, &e.CreatedAt,
		); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due event")
		}
		picked = append(picked, &e)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, e := range picked {
		if _, err := tx.Exec(ctx, `UPDATE outbox_events SET next_attempt_at = $2 WHERE id = $1`, e.ID, leaseUntil); err != nil {
			return nil, errors.Wrap(err, "lease event")
		}
		e.NextAttemptAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

func (s *Storage) MarkEventPublished(ctx context.Context, id int64, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE outbox_events SET published_at = $2, last_error = NULL WHERE id = $1`, id, at.UTC())
	return errors.Wrap(err, "mark event published")
}

func (s *Storage) MarkEventFailed(ctx context.Context, id int64, reason string, nextAttemptAt time.Time) error {
	_, err := s.db.Exec(ctx, `
UPDATE outbox_events
SET attempts = attempts + 1, last_error = $2, next_attempt_at = $3
WHERE id = $1
`, id, reason, nextAttemptAt.UTC())
	return errors.Wrap(err, "mark event failed")
}
