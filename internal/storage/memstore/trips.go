package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
)

func cloneTrip(tr *models.Trip) *models.Trip {
	cp := *tr
	if tr.DriverID != nil {
		v := *tr.DriverID
		cp.DriverID = &v
	}
	if tr.AssistantID != nil {
		v := *tr.AssistantID
		cp.AssistantID = &v
	}
	return &cp
}

func sameRef(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func keyMatches(tr *models.Trip, key models.TripKey) bool {
	return tr.DateTime.Equal(key.DateTime) &&
		tr.BusID == key.BusID &&
		tr.RouteID == key.RouteID &&
		sameRef(tr.DriverID, key.DriverID) &&
		sameRef(tr.AssistantID, key.AssistantID)
}

func (t *Tx) checkTripTuple(tr *models.Trip) error {
	for _, other := range t.st.trips {
		if other.ID != tr.ID && keyMatches(other, tr.Key()) {
			return storage.DuplicateTripError(0, nil)
		}
	}
	return nil
}

func (t *Tx) GetTrip(ctx context.Context, id int64) (*models.Trip, error) {
	tr, ok := t.st.trips[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTrip(tr), nil
}

func (t *Tx) GetTripForUpdate(ctx context.Context, id int64) (*models.Trip, error) {
	return t.GetTrip(ctx, id)
}

func (t *Tx) GetTripForShare(ctx context.Context, id int64) (*models.Trip, error) {
	return t.GetTrip(ctx, id)
}

func (t *Tx) InsertTrip(ctx context.Context, tr *models.Trip) error {
	if err := t.checkTripTuple(tr); err != nil {
		return err
	}
	tr.ID = t.st.id()
	t.st.trips[tr.ID] = cloneTrip(tr)
	return nil
}

func (t *Tx) UpdateTrip(ctx context.Context, tr *models.Trip) error {
	if _, ok := t.st.trips[tr.ID]; !ok {
		return storage.ErrNotFound
	}
	if err := t.checkTripTuple(tr); err != nil {
		return err
	}
	t.st.trips[tr.ID] = cloneTrip(tr)
	return nil
}

func (t *Tx) DeleteTrip(ctx context.Context, id int64) error {
	if _, ok := t.st.trips[id]; !ok {
		return storage.ErrNotFound
	}
	delete(t.st.trips, id)
	return nil
}

func resourceOf(tr *models.Trip, kind models.ResourceKind) *int64 {
	switch kind {
	case models.ResourceDriver:
		return tr.DriverID
	case models.ResourceBus:
		return &tr.BusID
	case models.ResourceAssistant:
		return tr.AssistantID
	}
	return nil
}

func sortTrips(trips []*models.Trip) {
	sort.Slice(trips, func(i, j int) bool {
		if !trips[i].DateTime.Equal(trips[j].DateTime) {
			return trips[i].DateTime.Before(trips[j].DateTime)
		}
		return trips[i].ID < trips[j].ID
	})
}

func (t *Tx) ListResourceTrips(ctx context.Context, kind models.ResourceKind, resourceID int64, from, to time.Time, excludeTripID int64) ([]*models.Trip, error) {
	switch kind {
	case models.ResourceDriver, models.ResourceBus, models.ResourceAssistant:
	default:
		return nil, domain.ValidationError{Field: "resource_kind", Msg: "unknown resource kind " + string(kind)}
	}

	var out []*models.Trip
	for _, tr := range t.st.trips {
		if tr.ID == excludeTripID {
			continue
		}
		ref := resourceOf(tr, kind)
		if ref == nil || *ref != resourceID {
			continue
		}
		if tr.DateTime.Before(from) || tr.DateTime.After(to) {
			continue
		}
		out = append(out, cloneTrip(tr))
	}
	sortTrips(out)
	return out, nil
}

func (t *Tx) FindTripByKey(ctx context.Context, key models.TripKey, excludeTripID int64) (*models.Trip, error) {
	var match *models.Trip
	for _, tr := range t.st.trips {
		if tr.ID != excludeTripID && keyMatches(tr, key) {
			if match == nil || tr.ID < match.ID {
				match = tr
			}
		}
	}
	if match == nil {
		return nil, storage.ErrNotFound
	}
	return cloneTrip(match), nil
}

func (t *Tx) ListTrips(ctx context.Context, f models.TripFilter) ([]*models.Trip, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var out []*models.Trip
	for _, tr := range t.st.trips {
		if f.From != nil && tr.DateTime.Before(*f.From) {
			continue
		}
		if f.To != nil && tr.DateTime.After(*f.To) {
			continue
		}
		if f.RouteID != nil && tr.RouteID != *f.RouteID {
			continue
		}
		if f.Status != nil && tr.Status != *f.Status {
			continue
		}
		if f.MinAvailableSeats > 0 && t.busSeatCount(tr.BusID)-t.activeCount(tr.ID) < f.MinAvailableSeats {
			continue
		}
		out = append(out, cloneTrip(tr))
	}
	sortTrips(out)

	if f.Offset >= len(out) {
		return nil, nil
	}
	out = out[f.Offset:]
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (t *Tx) busSeatCount(busID int64) int {
	n := 0
	for _, s := range t.st.seats {
		if s.BusID == busID {
			n++
		}
	}
	return n
}
