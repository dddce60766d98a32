// Package access resolves an actor's role and checks it against the
// operation policy.
package access

import (
	"context"
	"errors"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
)

type Operation string

const (
	TripCreate   Operation = "trip.create"
	TripUpdate   Operation = "trip.update"
	TripBoard    Operation = "trip.board"
	TripDelay    Operation = "trip.delay"
	TripDispatch Operation = "trip.dispatch"
	TripFinish   Operation = "trip.finish"
	TripCancel   Operation = "trip.cancel"
	TripDelete   Operation = "trip.delete"

	TicketCreate     Operation = "ticket.create"
	TicketUpdate     Operation = "ticket.update"
	TicketCancel     Operation = "ticket.cancel"
	TicketChangeSeat Operation = "ticket.change_seat"

	PackageRegister     Operation = "package.register"
	PackageAssign       Operation = "package.assign"
	PackageUnassign     Operation = "package.unassign"
	PackageUpdateStatus Operation = "package.update_status"
	PackageDeliver      Operation = "package.deliver"

	SeatUpdate Operation = "seat.update"
)

var (
	office = []models.Role{models.RoleAdmin, models.RoleSecretary}
	crew   = []models.Role{models.RoleAdmin, models.RoleSecretary, models.RoleDriver, models.RoleAssistant}
)

// Policy lists the roles allowed to run each operation.
var Policy = map[Operation][]models.Role{
	TripCreate:   office,
	TripUpdate:   office,
	TripBoard:    office,
	TripDelay:    office,
	TripDispatch: office,
	TripFinish:   office,
	TripCancel:   office,
	TripDelete:   office,

	TicketCreate:     office,
	TicketUpdate:     office,
	TicketCancel:     office,
	TicketChangeSeat: office,

	PackageRegister:     office,
	PackageAssign:       office,
	PackageUnassign:     office,
	PackageUpdateStatus: crew,
	PackageDeliver:      crew,

	SeatUpdate: office,
}

// Check resolves the actor's role inside tx and matches it against Policy.
// A nil actor is a system call and always passes.
func Check(ctx context.Context, tx storage.Tx, actor *int64, op Operation) error {
	if actor == nil {
		return nil
	}
	roles, ok := Policy[op]
	if !ok {
		return domain.ForbiddenError{ActorID: *actor, Operation: string(op)}
	}

	role, err := tx.UserRole(ctx, *actor)
	if errors.Is(err, storage.ErrNotFound) {
		return domain.ForbiddenError{ActorID: *actor, Operation: string(op)}
	}
	if err != nil {
		return err
	}

	for _, r := range roles {
		if r == role {
			return nil
		}
	}
	return domain.ForbiddenError{ActorID: *actor, Operation: string(op), Role: string(role)}
}
