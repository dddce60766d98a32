// Package storage declares the unit-of-work contract the booking services run
// against. Implementations live in pgbooking (Postgres) and memstore.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/BearBump/BusBox/internal/models"
)

// ErrNotFound is returned by single-row lookups that match nothing.
var ErrNotFound = errors.New("not found")

// Store runs fn inside one atomic transaction. Everything fn writes through tx
// commits together when fn returns nil and is discarded otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Tx is the set of reads and writes available inside a unit of work.
//
// Writes that would break a storage guard (active ticket per seat/trip and
// per client/trip, duplicate trip tuple, duplicate tracking number, seat
// position per bus) fail with domain.ConflictError.
type Tx interface {
	// LockKeys serializes concurrent units of work touching the same
	// logical keys until the transaction ends.
	LockKeys(ctx context.Context, keys ...string) error

	RefExists(ctx context.Context, kind models.RefKind, id int64) (bool, error)
	UserRole(ctx context.Context, userID int64) (models.Role, error)

	GetTrip(ctx context.Context, id int64) (*models.Trip, error)
	GetTripForUpdate(ctx context.Context, id int64) (*models.Trip, error)
	// GetTripForShare holds a shared row lock until the transaction ends.
	// Writes that depend on the trip's bus or status (ticket seat checks,
	// package assignment) read it this way so a concurrent trip update or
	// transition either waits for them or is seen by them.
	GetTripForShare(ctx context.Context, id int64) (*models.Trip, error)
	InsertTrip(ctx context.Context, t *models.Trip) error
	UpdateTrip(ctx context.Context, t *models.Trip) error
	DeleteTrip(ctx context.Context, id int64) error
	// ListResourceTrips returns trips using the resource whose datetime lies
	// in [from, to], excluding excludeTripID (0 excludes nothing), ordered by
	// datetime.
	ListResourceTrips(ctx context.Context, kind models.ResourceKind, resourceID int64, from, to time.Time, excludeTripID int64) ([]*models.Trip, error)
	// FindTripByKey matches nullable driver/assistant as IS NULL.
	FindTripByKey(ctx context.Context, key models.TripKey, excludeTripID int64) (*models.Trip, error)
	ListTrips(ctx context.Context, f models.TripFilter) ([]*models.Trip, error)

	GetSeat(ctx context.Context, id int64) (*models.Seat, error)
	ListBusSeats(ctx context.Context, busID int64) ([]*models.Seat, error)
	UpdateSeat(ctx context.Context, s *models.Seat) error
	CountSeatTickets(ctx context.Context, seatID int64) (int, error)

	GetTicket(ctx context.Context, id int64) (*models.Ticket, error)
	GetTicketForUpdate(ctx context.Context, id int64) (*models.Ticket, error)
	InsertTicket(ctx context.Context, t *models.Ticket) error
	UpdateTicket(ctx context.Context, t *models.Ticket) error
	FindActiveTicketBySeat(ctx context.Context, tripID, seatID, excludeTicketID int64) (*models.Ticket, error)
	FindActiveTicketByClient(ctx context.Context, tripID, clientID, excludeTicketID int64) (*models.Ticket, error)
	ListActiveTickets(ctx context.Context, tripID int64) ([]*models.Ticket, error)
	CountActiveTickets(ctx context.Context, tripID int64) (int, error)
	CountTripTickets(ctx context.Context, tripID int64) (int, error)

	GetPackage(ctx context.Context, id int64) (*models.Package, error)
	GetPackageForUpdate(ctx context.Context, id int64) (*models.Package, error)
	GetPackageByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Package, error)
	InsertPackage(ctx context.Context, p *models.Package) error
	UpdatePackage(ctx context.Context, p *models.Package) error
	// ListTripPackages locks and returns packages referencing the trip. An
	// empty statuses list matches every status.
	ListTripPackages(ctx context.Context, tripID int64, statuses ...models.PackageStatus) ([]*models.Package, error)

	AppendHistory(ctx context.Context, e *models.HistoryEntry) error
	ListHistory(ctx context.Context, subject models.SubjectType, subjectID int64, limit, offset int) ([]*models.HistoryEntry, error)

	EnqueueEvent(ctx context.Context, e *models.OutboxEvent) error
}
