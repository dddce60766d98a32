package tickets

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/access"
	"github.com/BearBump/BusBox/internal/services/history"
	"github.com/BearBump/BusBox/internal/services/seats"
	"github.com/BearBump/BusBox/internal/statemachine"
	"github.com/BearBump/BusBox/internal/storage"
	"go.uber.org/zap"
)

type Service struct {
	store  storage.Store
	ledger *history.Ledger
	now    func() time.Time
	log    *zap.Logger
}

func New(store storage.Store, ledger *history.Ledger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.NewNop(),
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Service) Create(ctx context.Context, in models.TicketCreateInput) (*models.Ticket, error) {
	if in.State == "" {
		in.State = models.TicketStatePending
	}
	if in.Price.IsNegative() {
		return nil, domain.ValidationError{Field: "price", Msg: "must not be negative"}
	}
	if !in.PaymentMethod.Valid() {
		return nil, domain.ValidationError{Field: "payment_method", Msg: "unknown payment method " + string(in.PaymentMethod)}
	}

	var out *models.Ticket
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &in.OperatorID, access.TicketCreate); err != nil {
			return err
		}

		trip, err := seats.LockTrip(ctx, tx, in.TripID)
		if err != nil {
			return err
		}
		if _, err := seats.SeatOnBus(ctx, tx, trip, in.SeatID); err != nil {
			return err
		}
		if err := requireClient(ctx, tx, in.ClientID); err != nil {
			return err
		}
		if err := seats.CheckSeatFree(ctx, tx, trip.ID, in.SeatID, 0); err != nil {
			return err
		}
		if err := seats.CheckClientFree(ctx, tx, trip.ID, in.ClientID, 0); err != nil {
			return err
		}
		if !statemachine.Ticket.Has(in.State) {
			return domain.ValidationError{Field: "state", Msg: "unknown ticket state " + string(in.State)}
		}

		now := s.now()
		tk := &models.Ticket{
			State:         in.State,
			SeatID:        in.SeatID,
			ClientID:      in.ClientID,
			TripID:        trip.ID,
			SecretaryID:   in.OperatorID,
			Price:         in.Price,
			PaymentMethod: in.PaymentMethod,
			Destination:   in.Destination,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.InsertTicket(ctx, tk); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, tx, history.Change{
			Subject:   models.SubjectTicket,
			SubjectID: tk.ID,
			New:       string(tk.State),
			Actor:     &in.OperatorID,
		}); err != nil {
			return err
		}
		out = tk
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("ticket created",
		zap.Int64("ticket_id", out.ID), zap.Int64("trip_id", out.TripID), zap.Int64("seat_id", out.SeatID),
		zap.String("state", string(out.State)), zap.Int64("actor_id", in.OperatorID))
	return out, nil
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Ticket, error) {
	var out *models.Ticket
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = loadTicket(ctx, tx, id, false)
		return err
	})
	return out, err
}

// Update applies patch in one unit of work. A state change is validated
// against the graph and, once the trip has departed, may only reach
// completed or cancelled. A seat change is ledgered separately from the state.
func (s *Service) Update(ctx context.Context, actor int64, id int64, patch models.TicketPatch) (*models.Ticket, error) {
	var out *models.Ticket
	var changes []history.Change
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &actor, access.TicketUpdate); err != nil {
			return err
		}
		tk, err := loadTicket(ctx, tx, id, true)
		if err != nil {
			return err
		}
		trip, err := seats.LockTrip(ctx, tx, tk.TripID)
		if err != nil {
			return err
		}
		prev := *tk

		if patch.State != nil && *patch.State != tk.State {
			if err := s.validateState(trip, tk.State, *patch.State); err != nil {
				return err
			}
			tk.State = *patch.State
		}
		if patch.SeatID != nil && *patch.SeatID != tk.SeatID {
			if _, err := seats.SeatOnBus(ctx, tx, trip, *patch.SeatID); err != nil {
				return err
			}
			tk.SeatID = *patch.SeatID
		}
		if patch.ClientID != nil && *patch.ClientID != tk.ClientID {
			if err := requireClient(ctx, tx, *patch.ClientID); err != nil {
				return err
			}
			tk.ClientID = *patch.ClientID
		}
		if tk.State.IsActive() {
			// Seat and client are re-checked whenever the ticket ends up
			// holding something it did not hold before.
			if tk.SeatID != prev.SeatID || !prev.State.IsActive() {
				if err := seats.CheckSeatFree(ctx, tx, trip.ID, tk.SeatID, tk.ID); err != nil {
					return err
				}
			}
			if tk.ClientID != prev.ClientID || !prev.State.IsActive() {
				if err := seats.CheckClientFree(ctx, tx, trip.ID, tk.ClientID, tk.ID); err != nil {
					return err
				}
			}
		}
		if patch.Price != nil {
			if patch.Price.IsNegative() {
				return domain.ValidationError{Field: "price", Msg: "must not be negative"}
			}
			tk.Price = *patch.Price
		}
		if patch.PaymentMethod != nil {
			if !patch.PaymentMethod.Valid() {
				return domain.ValidationError{Field: "payment_method", Msg: "unknown payment method " + string(*patch.PaymentMethod)}
			}
			tk.PaymentMethod = *patch.PaymentMethod
		}
		if patch.Destination != nil {
			tk.Destination = *patch.Destination
		}

		tk.UpdatedAt = s.now()
		if err := tx.UpdateTicket(ctx, tk); err != nil {
			return err
		}

		if tk.SeatID != prev.SeatID {
			changes = append(changes, seatChange(tk.ID, prev.SeatID, tk.SeatID, actor))
		}
		if tk.State != prev.State {
			changes = append(changes, stateChange(tk.ID, prev.State, tk.State, actor))
		}
		for _, c := range changes {
			if _, err := s.ledger.Record(ctx, tx, c); err != nil {
				return err
			}
		}
		out = tk
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, c := range changes {
		s.logChange(c)
	}
	return out, nil
}

// Cancel is idempotent: an already cancelled ticket is returned unchanged and
// no ledger entry is written.
func (s *Service) Cancel(ctx context.Context, actor int64, id int64) (*models.Ticket, error) {
	var out *models.Ticket
	var change *history.Change
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &actor, access.TicketCancel); err != nil {
			return err
		}
		tk, err := loadTicket(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if tk.State == models.TicketStateCancelled {
			out = tk
			return nil
		}
		if err := statemachine.Ticket.Validate(tk.State, models.TicketStateCancelled); err != nil {
			return err
		}

		c := stateChange(tk.ID, tk.State, models.TicketStateCancelled, actor)
		tk.State = models.TicketStateCancelled
		tk.UpdatedAt = s.now()
		if err := tx.UpdateTicket(ctx, tk); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, tx, c); err != nil {
			return err
		}
		out, change = tk, &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if change != nil {
		s.logChange(*change)
	}
	return out, nil
}

// ChangeSeat moves an active ticket to another seat of the same bus.
func (s *Service) ChangeSeat(ctx context.Context, actor int64, id, newSeatID int64) (*models.Ticket, error) {
	var out *models.Ticket
	var change *history.Change
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &actor, access.TicketChangeSeat); err != nil {
			return err
		}
		tk, err := loadTicket(ctx, tx, id, true)
		if err != nil {
			return err
		}
		if !tk.State.IsActive() {
			return domain.ValidationError{Field: "state", Msg: "seat can only be changed on an active ticket, ticket is " + string(tk.State)}
		}
		trip, err := seats.LockTrip(ctx, tx, tk.TripID)
		if err != nil {
			return err
		}
		if _, err := seats.SeatOnBus(ctx, tx, trip, newSeatID); err != nil {
			return err
		}
		if newSeatID == tk.SeatID {
			out = tk
			return nil
		}
		if err := seats.CheckSeatFree(ctx, tx, trip.ID, newSeatID, tk.ID); err != nil {
			return err
		}

		c := seatChange(tk.ID, tk.SeatID, newSeatID, actor)
		tk.SeatID = newSeatID
		tk.UpdatedAt = s.now()
		if err := tx.UpdateTicket(ctx, tk); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, tx, c); err != nil {
			return err
		}
		out, change = tk, &c
		return nil
	})
	if err != nil {
		return nil, err
	}
	if change != nil {
		s.logChange(*change)
	}
	return out, nil
}

func (s *Service) History(ctx context.Context, id int64, limit, offset int) ([]*models.HistoryEntry, error) {
	return s.ledger.List(ctx, models.SubjectTicket, id, limit, offset)
}

// departedTargets are the only states reachable once the trip's datetime has
// passed.
var departedTargets = map[models.TicketState]bool{
	models.TicketStateCompleted: true,
	models.TicketStateCancelled: true,
}

func (s *Service) validateState(trip *models.Trip, current, target models.TicketState) error {
	if err := statemachine.Ticket.Validate(current, target); err != nil {
		return err
	}
	if !trip.DateTime.Before(s.now()) || departedTargets[target] {
		return nil
	}
	var allowed []string
	for _, st := range statemachine.Ticket.AllowedNext(current) {
		if departedTargets[st] {
			allowed = append(allowed, string(st))
		}
	}
	return domain.InvalidTransitionError{
		Entity:  "ticket",
		Current: string(current),
		Target:  string(target),
		Allowed: allowed,
	}
}

func (s *Service) logChange(c history.Change) {
	old := ""
	if c.Old != nil {
		old = *c.Old
	}
	s.log.Info("ticket changed",
		zap.Int64("ticket_id", c.SubjectID), zap.String("field", string(c.Field)),
		zap.String("old", old), zap.String("new", c.New), zap.Int64p("actor_id", c.Actor))
}

func loadTicket(ctx context.Context, tx storage.Tx, id int64, forUpdate bool) (*models.Ticket, error) {
	get := tx.GetTicket
	if forUpdate {
		get = tx.GetTicketForUpdate
	}
	tk, err := get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError{Resource: "ticket", ID: id}
	}
	return tk, err
}

func requireClient(ctx context.Context, tx storage.Tx, clientID int64) error {
	ok, err := tx.RefExists(ctx, models.RefClient, clientID)
	if err != nil {
		return err
	}
	if !ok {
		return domain.NotFoundError{Resource: "client", ID: clientID}
	}
	return nil
}

func stateChange(id int64, from, to models.TicketState, actor int64) history.Change {
	return history.Change{
		Subject:   models.SubjectTicket,
		SubjectID: id,
		Field:     models.ChangeFieldState,
		Old:       history.Ptr(string(from)),
		New:       string(to),
		Actor:     &actor,
	}
}

func seatChange(id, from, to int64, actor int64) history.Change {
	return history.Change{
		Subject:   models.SubjectTicket,
		SubjectID: id,
		Field:     models.ChangeFieldSeat,
		Old:       history.Ptr(strconv.FormatInt(from, 10)),
		New:       strconv.FormatInt(to, 10),
		Actor:     &actor,
	}
}
