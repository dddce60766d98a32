package memstore

import (
	"context"
	"sort"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
)

func (t *Tx) GetSeat(ctx context.Context, id int64) (*models.Seat, error) {
	s, ok := t.st.seats[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (t *Tx) ListBusSeats(ctx context.Context, busID int64) ([]*models.Seat, error) {
	var out []*models.Seat
	for _, s := range t.st.seats {
		if s.BusID == busID {
			cp := *s
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Deck != out[j].Deck {
			return out[i].Deck < out[j].Deck
		}
		if out[i].SeatNumber != out[j].SeatNumber {
			return out[i].SeatNumber < out[j].SeatNumber
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (t *Tx) UpdateSeat(ctx context.Context, s *models.Seat) error {
	if _, ok := t.st.seats[s.ID]; !ok {
		return storage.ErrNotFound
	}
	for _, other := range t.st.seats {
		if other.ID != s.ID && other.BusID == s.BusID && other.Deck == s.Deck && other.SeatNumber == s.SeatNumber {
			return storage.SeatPositionTakenError(s.BusID, s.Deck, s.SeatNumber, nil)
		}
	}
	cp := *s
	t.st.seats[s.ID] = &cp
	return nil
}

func (t *Tx) CountSeatTickets(ctx context.Context, seatID int64) (int, error) {
	n := 0
	for _, tk := range t.st.tickets {
		if tk.SeatID == seatID {
			n++
		}
	}
	return n, nil
}
