// Package schedule detects double-booked drivers, buses and assistants and
// exact duplicate trips.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
)

const DefaultBuffer = 2 * time.Hour

type Detector struct {
	buffer time.Duration
}

func New(buffer time.Duration) *Detector {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	return &Detector{buffer: buffer}
}

func (d *Detector) Buffer() time.Duration { return d.buffer }

// FindConflict returns the earliest other trip of the resource whose datetime
// lies in [at-buffer, at+buffer], or nil. Cancelled trips still count.
func (d *Detector) FindConflict(ctx context.Context, tx storage.Tx, kind models.ResourceKind, resourceID int64, at time.Time, excludeTripID int64) (*models.Trip, error) {
	return d.FindConflictWithin(ctx, tx, kind, resourceID, at, d.buffer, excludeTripID)
}

// FindConflictWithin is FindConflict with a window for this call only. A
// non-positive buffer falls back to the detector's.
func (d *Detector) FindConflictWithin(ctx context.Context, tx storage.Tx, kind models.ResourceKind, resourceID int64, at time.Time, buffer time.Duration, excludeTripID int64) (*models.Trip, error) {
	if buffer <= 0 {
		buffer = d.buffer
	}
	trips, err := tx.ListResourceTrips(ctx, kind, resourceID, at.Add(-buffer), at.Add(buffer), excludeTripID)
	if err != nil {
		return nil, err
	}
	if len(trips) == 0 {
		return nil, nil
	}
	return trips[0], nil
}

// FindDuplicate compares nullable driver and assistant as IS NULL.
func (d *Detector) FindDuplicate(ctx context.Context, tx storage.Tx, key models.TripKey, excludeTripID int64) (*models.Trip, error) {
	trip, err := tx.FindTripByKey(ctx, key, excludeTripID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	return trip, err
}

// Resources lists the scheduled resources a trip holds.
func Resources(trip *models.Trip) map[models.ResourceKind]int64 {
	out := map[models.ResourceKind]int64{models.ResourceBus: trip.BusID}
	if trip.DriverID != nil {
		out[models.ResourceDriver] = *trip.DriverID
	}
	if trip.AssistantID != nil {
		out[models.ResourceAssistant] = *trip.AssistantID
	}
	return out
}

func LockKey(kind models.ResourceKind, id int64) string {
	return fmt.Sprintf("%s:%d", kind, id)
}

var checkOrder = []models.ResourceKind{models.ResourceDriver, models.ResourceBus, models.ResourceAssistant}

// CheckTrip locks the given resources of trip for the rest of the unit of
// work and fails on the first one already busy. Pass nil kinds to check every
// resource the trip holds. The duplicate check runs when checkDuplicate is set.
func (d *Detector) CheckTrip(ctx context.Context, tx storage.Tx, trip *models.Trip, kinds []models.ResourceKind, checkDuplicate bool) error {
	held := Resources(trip)
	if kinds == nil {
		kinds = checkOrder
	}

	want := make(map[models.ResourceKind]bool, len(kinds))
	for _, k := range kinds {
		want[k] = true
	}

	var keys []string
	for _, k := range checkOrder {
		if id, ok := held[k]; ok && want[k] {
			keys = append(keys, LockKey(k, id))
		}
	}
	if err := tx.LockKeys(ctx, keys...); err != nil {
		return err
	}

	for _, k := range checkOrder {
		id, ok := held[k]
		if !ok || !want[k] {
			continue
		}
		other, err := d.FindConflict(ctx, tx, k, id, trip.DateTime, trip.ID)
		if err != nil {
			return err
		}
		if other != nil {
			return storage.ResourceBusyError(k, id, other.ID)
		}
	}

	if !checkDuplicate {
		return nil
	}
	dup, err := d.FindDuplicate(ctx, tx, trip.Key(), trip.ID)
	if err != nil {
		return err
	}
	if dup != nil {
		return storage.DuplicateTripError(dup.ID, nil)
	}
	return nil
}
