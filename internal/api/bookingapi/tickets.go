package bookingapi

import (
	"net/http"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/statemachine"
	"github.com/shopspring/decimal"
)

type ticketCreateRequest struct {
	TripID        int64           `json:"trip_id"`
	SeatID        int64           `json:"seat_id"`
	ClientID      int64           `json:"client_id"`
	Price         decimal.Decimal `json:"price"`
	PaymentMethod string          `json:"payment_method"`
	Destination   string          `json:"destination"`
	State         string          `json:"state"`
}

type ticketPatchRequest struct {
	State         *string          `json:"state"`
	SeatID        *int64           `json:"seat_id"`
	ClientID      *int64           `json:"client_id"`
	Price         *decimal.Decimal `json:"price"`
	PaymentMethod *string          `json:"payment_method"`
	Destination   *string          `json:"destination"`
}

type changeSeatRequest struct {
	SeatID int64 `json:"seat_id"`
}

func (a *API) createTicket(w http.ResponseWriter, r *http.Request) {
	actor, err := requireActor(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	var req ticketCreateRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.tickets.Create(r.Context(), models.TicketCreateInput{
		TripID:        req.TripID,
		SeatID:        req.SeatID,
		ClientID:      req.ClientID,
		OperatorID:    actor,
		Price:         req.Price,
		PaymentMethod: models.PaymentMethod(req.PaymentMethod),
		Destination:   req.Destination,
		State:         models.TicketState(req.State),
	})
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

func (a *API) getTicket(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.tickets.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) updateTicket(w http.ResponseWriter, r *http.Request) {
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
	var req ticketPatchRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	patch := models.TicketPatch{
		SeatID:      req.SeatID,
		ClientID:    req.ClientID,
		Price:       req.Price,
		Destination: req.Destination,
	}
	if req.State != nil {
		st, err := statemachine.Ticket.Parse(*req.State)
		if err != nil {
			a.writeError(w, r, err)
			return
		}
		patch.State = &st
	}
	if req.PaymentMethod != nil {
		m := models.PaymentMethod(*req.PaymentMethod)
		patch.PaymentMethod = &m
	}
	out, err := a.tickets.Update(r.Context(), actor, id, patch)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) cancelTicket(w http.ResponseWriter, r *http.Request) {
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
	out, err := a.tickets.Cancel(r.Context(), actor, id)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *API) changeSeat(w http.ResponseWriter, r *http.Request) {
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
	var req changeSeatRequest
	if err := decode(r, &req); err != nil {
		a.writeError(w, r, err)
		return
	}
	out, err := a.tickets.ChangeSeat(r.Context(), actor, id, req.SeatID)
	if err != nil {
		a.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}
