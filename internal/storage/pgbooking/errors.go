package pgbooking

import (
	"sort"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pkg/errors"
)

const uniqueViolation = "23505"

// Names of the guard constraints created by initSchema.
const (
	constraintActiveSeat     = "uq_tickets_active_seat"
	constraintActiveClient   = "uq_tickets_active_client"
	constraintTripTuple      = "uq_trips_tuple"
	constraintTrackingNumber = "uq_packages_tracking_number"
	constraintSeatPosition   = "uq_seats_bus_deck_number"
)

func uniqueConstraint(err error) (string, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
		return pgErr.ConstraintName, true
	}
	return "", false
}

func ticketWriteErr(err error, t *models.Ticket, op string) error {
	switch name, _ := uniqueConstraint(err); name {
	case constraintActiveSeat:
		return storage.SeatTakenError(t.TripID, t.SeatID, err)
	case constraintActiveClient:
		return storage.ClientTakenError(t.TripID, t.ClientID, err)
	}
	return errors.Wrap(err, op)
}

func tripWriteErr(err error, op string) error {
	if name, ok := uniqueConstraint(err); ok && name == constraintTripTuple {
		return storage.DuplicateTripError(0, err)
	}
	return errors.Wrap(err, op)
}

func notFound(err error, op string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.ErrNotFound
	}
	return errors.Wrap(err, op)
}

func sortedUnique(keys []string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	// Fixed lock order keeps concurrent transactions from deadlocking.
	sort.Strings(out)
	return out
}
