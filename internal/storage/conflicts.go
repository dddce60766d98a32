package storage

import (
	"fmt"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
)

// Conflict constructors shared by the service pre-checks and the storage
// guards so both paths surface the same error.

func SeatTakenError(tripID, seatID int64, err error) error {
	return domain.ConflictError{
		Resource: "seat",
		Msg:      fmt.Sprintf("seat %d already has an active ticket on trip %d", seatID, tripID),
		Err:      err,
	}
}

func ClientTakenError(tripID, clientID int64, err error) error {
	return domain.ConflictError{
		Resource: "client",
		Msg:      fmt.Sprintf("client %d already has an active ticket on trip %d", clientID, tripID),
		Err:      err,
	}
}

func DuplicateTripError(existingTripID int64, err error) error {
	msg := "a trip with the same datetime, bus, route, driver and assistant already exists"
	if existingTripID != 0 {
		msg = fmt.Sprintf("%s (trip %d)", msg, existingTripID)
	}
	return domain.ConflictError{Resource: "trip", Msg: msg, Err: err}
}

func ResourceBusyError(kind models.ResourceKind, resourceID, tripID int64) error {
	return domain.ConflictError{
		Resource: string(kind),
		Msg:      fmt.Sprintf("%s %d is already assigned to trip %d within the buffer window", kind, resourceID, tripID),
	}
}

func DuplicateTrackingNumberError(trackingNumber string, err error) error {
	return domain.ConflictError{
		Resource: "package",
		Msg:      fmt.Sprintf("tracking number %s already exists", trackingNumber),
		Err:      err,
	}
}

func SeatPositionTakenError(busID int64, deck, seatNumber int, err error) error {
	return domain.ConflictError{
		Resource: "seat",
		Msg:      fmt.Sprintf("bus %d already has seat %d on deck %d", busID, seatNumber, deck),
		Err:      err,
	}
}
