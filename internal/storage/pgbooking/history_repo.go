package pgbooking

import (
	"context"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/pkg/errors"
)

func (t *Tx) AppendHistory(ctx context.Context, e *models.HistoryEntry) error {
	err := t.q.QueryRow(ctx, `
INSERT INTO state_history (subject_type, subject_id, field, old_value, new_value, changed_at, actor_id)
VALUES ($1,$2,$3,$4,$5,$6,$7)
RETURNING id
`, e.SubjectType, e.SubjectID, e.Field, e.OldValue, e.NewValue, e.ChangedAt.UTC(), e.ActorID).Scan(&e.ID)
	if err != nil {
		return errors.Wrap(err, "insert history entry")
	}
	return nil
}

func (t *Tx) ListHistory(ctx context.Context, subject models.SubjectType, subjectID int64, limit, offset int) ([]*models.HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	rows, err := t.q.Query(ctx, `
SELECT id, subject_type, subject_id, field, old_value, new_value, changed_at, actor_id
FROM state_history
WHERE subject_type = $1 AND subject_id = $2
ORDER BY changed_at DESC, id DESC
LIMIT $3 OFFSET $4
`, subject, subjectID, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "select history")
	}
	defer rows.Close()

	var out []*models.HistoryEntry
	for rows.Next() {
		var e models.HistoryEntry
		if err := rows.Scan(
			&e.ID, &e.SubjectType, &e.SubjectID, &e.Field, &e.OldValue, &e.NewValue, &e.ChangedAt, &e.ActorID,
		); err != nil {
			return nil, errors.Wrap(err, "scan history entry")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
