// Package history appends state changes to the ledger and queues the
// matching state-changed event in the same unit of work.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/BearBump/BusBox/internal/broker/messages"
	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

const DefaultTopic = "booking.state_changed"

// Change describes one committed change of a subject.
type Change struct {
	Subject   models.SubjectType
	SubjectID int64
	Field     models.ChangeField
	Old       *string
	New       string
	Actor     *int64

	TrackingNumber string
}

type Ledger struct {
	store storage.Store
	topic string
	now   func() time.Time
}

func New(store storage.Store, topic string) *Ledger {
	if topic == "" {
		topic = DefaultTopic
	}
	return &Ledger{
		store: store,
		topic: topic,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (l *Ledger) WithClock(now func() time.Time) *Ledger {
	if now != nil {
		l.now = now
	}
	return l
}

func (l *Ledger) Topic() string { return l.topic }

// Record must run inside the unit of work that applies the change: the entry
// and its outbox event commit or roll back together with it.
func (l *Ledger) Record(ctx context.Context, tx storage.Tx, c Change) (*models.HistoryEntry, error) {
	if c.Field == "" {
		c.Field = models.ChangeFieldState
	}
	if c.New == "" {
		return nil, domain.ValidationError{Field: "new_value", Msg: "ledger entry needs a new value"}
	}

	at := l.now()
	entry := &models.HistoryEntry{
		SubjectType: c.Subject,
		SubjectID:   c.SubjectID,
		Field:       c.Field,
		OldValue:    c.Old,
		NewValue:    c.New,
		ChangedAt:   at,
		ActorID:     c.Actor,
	}
	if err := tx.AppendHistory(ctx, entry); err != nil {
		return nil, err
	}

	msg := messages.StateChanged{
		EventID:        uuid.NewString(),
		SubjectType:    string(c.Subject),
		SubjectID:      c.SubjectID,
		Field:          string(c.Field),
		OldValue:       c.Old,
		NewValue:       c.New,
		ChangedAt:      at,
		ActorID:        c.Actor,
		TrackingNumber: c.TrackingNumber,
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, "marshal state changed")
	}
	err = tx.EnqueueEvent(ctx, &models.OutboxEvent{
		EventID:       msg.EventID,
		Topic:         l.topic,
		Key:           fmt.Sprintf("%s:%d", c.Subject, c.SubjectID),
		Payload:       b,
		NextAttemptAt: at,
		CreatedAt:     at,
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns entries newest first.
func (l *Ledger) List(ctx context.Context, subject models.SubjectType, subjectID int64, limit, offset int) ([]*models.HistoryEntry, error) {
	switch subject {
	case models.SubjectTicket, models.SubjectPackage, models.SubjectTrip:
	default:
		return nil, domain.ValidationError{Field: "subject_type", Msg: "unknown subject type " + string(subject)}
	}
	if subjectID <= 0 {
		return nil, domain.ValidationError{Field: "subject_id", Msg: "must be positive"}
	}

	var out []*models.HistoryEntry
	err := l.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListHistory(ctx, subject, subjectID, limit, offset)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.HistoryEntry{}
	}
	return out, nil
}

// Ptr is a helper for optional ledger values.
func Ptr(s string) *string { return &s }
