package pgbooking

import (
	"context"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/pkg/errors"
)

const seatColumns = `id, bus_id, seat_number, deck, row_no, col_no`

func scanSeat(r rowScanner) (*models.Seat, error) {
	var s models.Seat
	if err := r.Scan(&s.ID, &s.BusID, &s.SeatNumber, &s.Deck, &s.Row, &s.Column); err != nil {
		return nil, err
	}
	return &s, nil
}

func (t *Tx) GetSeat(ctx context.Context, id int64) (*models.Seat, error) {
	s, err := scanSeat(t.q.QueryRow(ctx, `SELECT `+seatColumns+` FROM seats WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "select seat")
	}
	return s, nil
}

func (t *Tx) ListBusSeats(ctx context.Context, busID int64) ([]*models.Seat, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+seatColumns+`
FROM seats
WHERE bus_id = $1
ORDER BY deck ASC, seat_number ASC
`, busID)
	if err != nil {
		return nil, errors.Wrap(err, "select bus seats")
	}
	defer rows.Close()

	var out []*models.Seat
	for rows.Next() {
		s, err := scanSeat(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan seat")
		}
		out = append(out, s)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (t *Tx) UpdateSeat(ctx context.Context, s *models.Seat) error {
	tag, err := t.q.Exec(ctx, `
UPDATE seats
SET seat_number = $2, deck = $3, row_no = $4, col_no = $5
WHERE id = $1
`, s.ID, s.SeatNumber, s.Deck, s.Row, s.Column)
	if err != nil {
		if name, ok := uniqueConstraint(err); ok && name == constraintSeatPosition {
			return storage.SeatPositionTakenError(s.BusID, s.Deck, s.SeatNumber, err)
		}
		return errors.Wrap(err, "update seat")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) CountSeatTickets(ctx context.Context, seatID int64) (int, error) {
	var n int
	if err := t.q.QueryRow(ctx, `SELECT count(*) FROM tickets WHERE seat_id = $1`, seatID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count seat tickets")
	}
	return n, nil
}
