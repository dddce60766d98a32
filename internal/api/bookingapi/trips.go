package bookingapi

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/statemachine"
)

type tripCreateRequest struct {
	DateTime    time.Time `json:"datetime"`
	DriverID    *int64    `json:"driver_id"`
	BusID       int64     `json:"bus_id"`
	AssistantID *int64    `json:"assistant_id"`
	RouteID     int64     `json:"route_id"`
}

type tripPatchRequest struct {
	DateTime       *time.Time `json:"datetime"`
	DriverID       *int64     `json:"driver_id"`
	ClearDriver    bool       `json:"clear_driver"`
	BusID          *int64     `json:"bus_id"`
	AssistantID    *int64     `json:"assistant_id"`
	ClearAssistant bool       `json:"clear_assistant"`
	RouteID        *int64     `json:"route_id"`
	Status         *string    `json:"status"`
}

func (a *API) createTrip(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req tripCreateRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.trips.Create(r.Context(), models.TripCreateInput{
		DateTime:    req.DateTime,
		DriverID:    req.DriverID,
		BusID:       req.BusID,
		AssistantID: req.AssistantID,
		RouteID:     req.RouteID,
		SecretaryID: actor,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) getTrip(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.trips.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) updateTrip(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req tripPatchRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	patch := models.TripPatch{
		DateTime:       req.DateTime,
		DriverID:       req.DriverID,
		ClearDriver:    req.ClearDriver,
		BusID:          req.BusID,
		AssistantID:    req.AssistantID,
		ClearAssistant: req.ClearAssistant,
		RouteID:        req.RouteID,
	}
	if req.Status != nil {
		st, err := statemachine.Trip.Parse(*req.Status)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		patch.Status = &st
	}
	out, err := a.trips.Update(r.Context(), actor, id, patch)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) deleteTrip(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if err := a.trips.Delete(r.Context(), actor, id); err != nil {
		a.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tripMove func(ctx context.Context, actor int64, id int64) (*models.Trip, error)

func (a *API) tripTransition(move tripMove) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		actor, err := requireActor(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		id, err := pathID(r)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		out, err := move(r.Context(), actor, id)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, out)
	}
}

func (a *API) searchTrips(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var f models.TripFilter

	for name, dst := range map[string]**time.Time{"from": &f.From, "to": &f.To} {
		raw := q.Get(name)
		if raw == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			a.writeError(w, r, domain.ValidationError{Field: name, Msg: "must be RFC3339"})
			return
		}
		*dst = &t
	}
	if raw := q.Get("route_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			a.writeError(w, r, domain.ValidationError{Field: "route_id", Msg: "must be an integer"})
			return
		}
		f.RouteID = &id
	}
	if raw := q.Get("status"); raw != "" {
		st := models.TripStatus(raw)
		f.Status = &st
	}

	var err error
	if f.MinAvailableSeats, err = queryInt(r, "min_available_seats"); err != nil {
		a.writeError(w, r, err)
		return
	}
	if f.Limit, err = queryInt(r, "limit"); err != nil {
		a.writeError(w, r, err)
		return
	}
	if f.Offset, err = queryInt(r, "offset"); err != nil {
		a.writeError(w, r, err)
		return
	}

	out, err := a.trips.Search(r.Context(), f)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) availableSeats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.seats.AvailableSeats(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	if out == nil {
		out = []*models.Seat{}
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) occupancy(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	n, err := a.seats.OccupiedCount(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trip_id": id, "occupied": n})
}

type seatPatchRequest struct {
	SeatNumber *int `json:"seat_number"`
	Deck       *int `json:"deck"`
	Row        *int `json:"row"`
	Column     *int `json:"column"`
}

func (a *API) updateSeat(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req seatPatchRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.seats.UpdateSeat(r.Context(), &actor, id, models.SeatPatch{
		SeatNumber: req.SeatNumber,
		Deck:       req.Deck,
		Row:        req.Row,
		Column:     req.Column,
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
