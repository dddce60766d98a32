// Package seats derives seat availability from active tickets and guards
// seat layout edits. Availability is never stored.
package seats

import (
	"context"
	"errors"
	"fmt"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/access"
	"github.com/BearBump/BusBox/internal/storage"
	"go.uber.org/zap"
)

type Allocator struct {
	store storage.Store
	log   *zap.Logger
}

func New(store storage.Store) *Allocator {
	return &Allocator{store: store, log: zap.NewNop()}
}

func (a *Allocator) WithLogger(l *zap.Logger) *Allocator {
	if l != nil {
		a.log = l
	}
	return a
}

// AvailableSeats returns the seats of the trip's bus not held by an active
// ticket on that trip.
func (a *Allocator) AvailableSeats(ctx context.Context, tripID int64) ([]*models.Seat, error) {
	var out []*models.Seat
	err := a.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = AvailableSeats(ctx, tx, tripID)
		return err
	})
	return out, err
}

func (a *Allocator) OccupiedCount(ctx context.Context, tripID int64) (int, error) {
	var n int
	err := a.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := LoadTrip(ctx, tx, tripID); err != nil {
			return err
		}
		var err error
		n, err = tx.CountActiveTickets(ctx, tripID)
		return err
	})
	return n, err
}

// CheckSeatFree is the standalone form of the package-level check, for
// callers outside a unit of work.
func (a *Allocator) CheckSeatFree(ctx context.Context, tripID, seatID, excludeTicketID int64) error {
	return a.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		trip, err := LoadTrip(ctx, tx, tripID)
		if err != nil {
			return err
		}
		if _, err := SeatOnBus(ctx, tx, trip, seatID); err != nil {
			return err
		}
		return CheckSeatFree(ctx, tx, tripID, seatID, excludeTicketID)
	})
}

func (a *Allocator) CheckClientFree(ctx context.Context, tripID, clientID, excludeTicketID int64) error {
	return a.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if _, err := LoadTrip(ctx, tx, tripID); err != nil {
			return err
		}
		return CheckClientFree(ctx, tx, tripID, clientID, excludeTicketID)
	})
}

// UpdateSeat edits the layout of a seat nobody has ever booked.
func (a *Allocator) UpdateSeat(ctx context.Context, actor *int64, seatID int64, patch models.SeatPatch) (*models.Seat, error) {
	var out *models.Seat
	err := a.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, actor, access.SeatUpdate); err != nil {
			return err
		}
		seat, err := tx.GetSeat(ctx, seatID)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundError{Resource: "seat", ID: seatID}
		}
		if err != nil {
			return err
		}

		n, err := tx.CountSeatTickets(ctx, seatID)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ConflictError{
				Resource: "seat",
				Msg:      fmt.Sprintf("seat %d is referenced by %d ticket(s) and cannot be edited", seatID, n),
			}
		}

		if patch.SeatNumber != nil {
			if *patch.SeatNumber <= 0 {
				return domain.ValidationError{Field: "seat_number", Msg: "must be positive"}
			}
			seat.SeatNumber = *patch.SeatNumber
		}
		if patch.Deck != nil {
			if *patch.Deck <= 0 {
				return domain.ValidationError{Field: "deck", Msg: "must be positive"}
			}
			seat.Deck = *patch.Deck
		}
		if patch.Row != nil {
			if *patch.Row < 0 {
				return domain.ValidationError{Field: "row", Msg: "must not be negative"}
			}
			seat.Row = *patch.Row
		}
		if patch.Column != nil {
			if *patch.Column < 0 {
				return domain.ValidationError{Field: "column", Msg: "must not be negative"}
			}
			seat.Column = *patch.Column
		}

		if err := tx.UpdateSeat(ctx, seat); err != nil {
			return err
		}
		out = seat
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.log.Info("seat updated", zap.Int64("seat_id", out.ID), zap.Int64("bus_id", out.BusID), zap.Int("seat_number", out.SeatNumber))
	return out, nil
}

// The functions below run inside a caller's unit of work.

func LoadTrip(ctx context.Context, tx storage.Tx, tripID int64) (*models.Trip, error) {
	trip, err := tx.GetTrip(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError{Resource: "trip", ID: tripID}
	}
	return trip, err
}

// LockTrip is LoadTrip under a shared row lock, for writes that rely on the
// trip's bus staying put.
func LockTrip(ctx context.Context, tx storage.Tx, tripID int64) (*models.Trip, error) {
	trip, err := tx.GetTripForShare(ctx, tripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError{Resource: "trip", ID: tripID}
	}
	return trip, err
}

func AvailableSeats(ctx context.Context, tx storage.Tx, tripID int64) ([]*models.Seat, error) {
	trip, err := LoadTrip(ctx, tx, tripID)
	if err != nil {
		return nil, err
	}
	all, err := tx.ListBusSeats(ctx, trip.BusID)
	if err != nil {
		return nil, err
	}
	active, err := tx.ListActiveTickets(ctx, tripID)
	if err != nil {
		return nil, err
	}

	taken := make(map[int64]struct{}, len(active))
	for _, tk := range active {
		taken[tk.SeatID] = struct{}{}
	}
	out := make([]*models.Seat, 0, len(all))
	for _, s := range all {
		if _, ok := taken[s.ID]; !ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SeatOnBus loads the seat and checks it belongs to the trip's bus.
func SeatOnBus(ctx context.Context, tx storage.Tx, trip *models.Trip, seatID int64) (*models.Seat, error) {
	seat, err := tx.GetSeat(ctx, seatID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError{Resource: "seat", ID: seatID}
	}
	if err != nil {
		return nil, err
	}
	if seat.BusID != trip.BusID {
		return nil, domain.ValidationError{
			Field: "seat_id",
			Msg:   fmt.Sprintf("seat %d belongs to bus %d, trip %d uses bus %d", seatID, seat.BusID, trip.ID, trip.BusID),
		}
	}
	return seat, nil
}

// CheckSeatFree fails with a conflict when another active ticket holds the
// seat on the trip. excludeTicketID of 0 excludes nothing.
func CheckSeatFree(ctx context.Context, tx storage.Tx, tripID, seatID, excludeTicketID int64) error {
	_, err := tx.FindActiveTicketBySeat(ctx, tripID, seatID, excludeTicketID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return storage.SeatTakenError(tripID, seatID, nil)
}

func CheckClientFree(ctx context.Context, tx storage.Tx, tripID, clientID, excludeTicketID int64) error {
	_, err := tx.FindActiveTicketByClient(ctx, tripID, clientID, excludeTicketID)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return nil
	case err != nil:
		return err
	}
	return storage.ClientTakenError(tripID, clientID, nil)
}
