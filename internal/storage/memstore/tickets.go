package memstore

import (
	"context"
	"sort"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
)

func cloneTicket(tk *models.Ticket) *models.Ticket {
	cp := *tk
	return &cp
}

// checkTicketGuards enforces one active ticket per (trip, seat) and per
// (trip, client).
func (t *Tx) checkTicketGuards(tk *models.Ticket) error {
	if !tk.State.IsActive() {
		return nil
	}
	for _, other := range t.st.tickets {
		if other.ID == tk.ID || other.TripID != tk.TripID || !other.State.IsActive() {
			continue
		}
		if other.SeatID == tk.SeatID {
			return storage.SeatTakenError(tk.TripID, tk.SeatID, nil)
		}
		if other.ClientID == tk.ClientID {
			return storage.ClientTakenError(tk.TripID, tk.ClientID, nil)
		}
	}
	return nil
}

func (t *Tx) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	tk, ok := t.st.tickets[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return cloneTicket(tk), nil
}

func (t *Tx) GetTicketForUpdate(ctx context.Context, id int64) (*models.Ticket, error) {
	return t.GetTicket(ctx, id)
}

func (t *Tx) InsertTicket(ctx context.Context, tk *models.Ticket) error {
	if err := t.checkTicketGuards(tk); err != nil {
		return err
	}
	tk.ID = t.st.id()
	t.st.tickets[tk.ID] = cloneTicket(tk)
	return nil
}

func (t *Tx) UpdateTicket(ctx context.Context, tk *models.Ticket) error {
	if _, ok := t.st.tickets[tk.ID]; !ok {
		return storage.ErrNotFound
	}
	if err := t.checkTicketGuards(tk); err != nil {
		return err
	}
	t.st.tickets[tk.ID] = cloneTicket(tk)
	return nil
}

func (t *Tx) findActive(tripID, excludeTicketID int64, match func(*models.Ticket) bool) (*models.Ticket, error) {
	var found *models.Ticket
	for _, tk := range t.st.tickets {
		if tk.TripID != tripID || tk.ID == excludeTicketID || !tk.State.IsActive() || !match(tk) {
			continue
		}
		if found == nil || tk.ID < found.ID {
			found = tk
		}
	}
	if found == nil {
		return nil, storage.ErrNotFound
	}
	return cloneTicket(found), nil
}

func (t *Tx) FindActiveTicketBySeat(ctx context.Context, tripID, seatID, excludeTicketID int64) (*models.Ticket, error) {
	return t.findActive(tripID, excludeTicketID, func(tk *models.Ticket) bool { return tk.SeatID == seatID })
}

func (t *Tx) FindActiveTicketByClient(ctx context.Context, tripID, clientID, excludeTicketID int64) (*models.Ticket, error) {
	return t.findActive(tripID, excludeTicketID, func(tk *models.Ticket) bool { return tk.ClientID == clientID })
}

func (t *Tx) ListActiveTickets(ctx context.Context, tripID int64) ([]*models.Ticket, error) {
	var out []*models.Ticket
	for _, tk := range t.st.tickets {
		if tk.TripID == tripID && tk.State.IsActive() {
			out = append(out, cloneTicket(tk))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (t *Tx) activeCount(tripID int64) int {
	n := 0
	for _, tk := range t.st.tickets {
		if tk.TripID == tripID && tk.State.IsActive() {
			n++
		}
	}
	return n
}

func (t *Tx) CountActiveTickets(ctx context.Context, tripID int64) (int, error) {
	return t.activeCount(tripID), nil
}

func (t *Tx) CountTripTickets(ctx context.Context, tripID int64) (int, error) {
	n := 0
	for _, tk := range t.st.tickets {
		if tk.TripID == tripID {
			n++
		}
	}
	return n, nil
}
