package memstore

import (
	"context"
	"sort"

	"github.com/BearBump/BusBox/internal/models"
)

func (t *Tx) AppendHistory(ctx context.Context, e *models.HistoryEntry) error {
	e.ID = t.st.id()
	cp := *e
	t.st.history = append(t.st.history, &cp)
	return nil
}

// ListHistory returns newest entries first; equal timestamps fall back to
// insertion order reversed.
func (t *Tx) ListHistory(ctx context.Context, subject models.SubjectType, subjectID int64, limit, offset int) ([]*models.HistoryEntry, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}

	var matched []*models.HistoryEntry
	for i := len(t.st.history) - 1; i >= 0; i-- {
		e := t.st.history[i]
		if e.SubjectType == subject && e.SubjectID == subjectID {
			cp := *e
			matched = append(matched, &cp)
		}
	}
	sortHistory(matched)

	if offset >= len(matched) {
		return nil, nil
	}
	matched = matched[offset:]
	if len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}

func sortHistory(entries []*models.HistoryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].ChangedAt.After(entries[j].ChangedAt)
	})
}

func (t *Tx) EnqueueEvent(ctx context.Context, e *models.OutboxEvent) error {
	e.ID = t.st.id()
	cp := *e
	cp.Payload = append([]byte(nil), e.Payload...)
	t.st.outbox[e.ID] = &cp
	return nil
}
