package pgbooking

import (
	"context"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const ticketColumns = `id, state, seat_id, client_id, trip_id, secretary_id, price::text, payment_method, destination, created_at, updated_at`

const activeTicketStates = `('pending', 'confirmed')`

func scanTicket(r rowScanner) (*models.Ticket, error) {
	var t models.Ticket
	var price string
	if err := r.Scan(
		&t.ID, &t.State, &t.SeatID, &t.ClientID, &t.TripID, &t.SecretaryID,
		&price, &t.PaymentMethod, &t.Destination, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p, err := decimal.NewFromString(price)
	if err != nil {
		return nil, errors.Wrap(err, "parse ticket price")
	}
	t.Price = p
	return &t, nil
}

func (t *Tx) GetTicket(ctx context.Context, id int64) (*models.Ticket, error) {
	tk, err := scanTicket(t.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "select ticket")
	}
	return tk, nil
}

func (t *Tx) GetTicketForUpdate(ctx context.Context, id int64) (*models.Ticket, error) {
	tk, err := scanTicket(t.q.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "select ticket for update")
	}
	return tk, nil
}

func (t *Tx) InsertTicket(ctx context.Context, tk *models.Ticket) error {
	err := t.q.QueryRow(ctx, `
INSERT INTO tickets (
  state, seat_id, client_id, trip_id, secretary_id, price, payment_method, destination, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6::numeric,$7,$8,$9,$10)
RETURNING id
`, tk.State, tk.SeatID, tk.ClientID, tk.TripID, tk.SecretaryID, tk.Price.String(), tk.PaymentMethod,
		tk.Destination, tk.CreatedAt.UTC(), tk.UpdatedAt.UTC()).Scan(&tk.ID)
	if err != nil {
		return ticketWriteErr(err, tk, "insert ticket")
	}
	return nil
}

func (t *Tx) UpdateTicket(ctx context.Context, tk *models.Ticket) error {
	_, err := t.q.Exec(ctx, `
UPDATE tickets
SET
  state = $2,
  seat_id = $3,
  client_id = $4,
  price = $5::numeric,
  payment_method = $6,
  destination = $7,
  updated_at = $8
WHERE id = $1
`, tk.ID, tk.State, tk.SeatID, tk.ClientID, tk.Price.String(), tk.PaymentMethod, tk.Destination, tk.UpdatedAt.UTC())
	if err != nil {
		return ticketWriteErr(err, tk, "update ticket")
	}
	return nil
}

func (t *Tx) FindActiveTicketBySeat(ctx context.Context, tripID, seatID, excludeTicketID int64) (*models.Ticket, error) {
	tk, err := scanTicket(t.q.QueryRow(ctx, `
SELECT `+ticketColumns+`
FROM tickets
WHERE trip_id = $1 AND seat_id = $2 AND id <> $3 AND state IN `+activeTicketStates+`
LIMIT 1
`, tripID, seatID, excludeTicketID))
	if err != nil {
		return nil, notFound(err, "select active ticket by seat")
	}
	return tk, nil
}

func (t *Tx) FindActiveTicketByClient(ctx context.Context, tripID, clientID, excludeTicketID int64) (*models.Ticket, error) {
	tk, err := scanTicket(t.q.QueryRow(ctx, `
SELECT `+ticketColumns+`
FROM tickets
WHERE trip_id = $1 AND client_id = $2 AND id <> $3 AND state IN `+activeTicketStates+`
LIMIT 1
`, tripID, clientID, excludeTicketID))
	if err != nil {
		return nil, notFound(err, "select active ticket by client")
	}
	return tk, nil
}

func (t *Tx) ListActiveTickets(ctx context.Context, tripID int64) ([]*models.Ticket, error) {
	rows, err := t.q.Query(ctx, `
SELECT `+ticketColumns+`
FROM tickets
WHERE trip_id = $1 AND state IN `+activeTicketStates+`
ORDER BY id ASC
`, tripID)
	if err != nil {
		return nil, errors.Wrap(err, "select active tickets")
	}
	defer rows.Close()

	var out []*models.Ticket
	for rows.Next() {
		tk, err := scanTicket(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan ticket")
		}
		out = append(out, tk)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (t *Tx) CountActiveTickets(ctx context.Context, tripID int64) (int, error) {
	var n int
	err := t.q.QueryRow(ctx, `SELECT count(*) FROM tickets WHERE trip_id = $1 AND state IN `+activeTicketStates, tripID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "count active tickets")
	}
	return n, nil
}

func (t *Tx) CountTripTickets(ctx context.Context, tripID int64) (int, error) {
	var n int
	if err := t.q.QueryRow(ctx, `SELECT count(*) FROM tickets WHERE trip_id = $1`, tripID).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count trip tickets")
	}
	return n, nil
}
