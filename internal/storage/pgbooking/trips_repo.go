package pgbooking

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/pkg/errors"
)

const tripColumns = `id, trip_datetime, status, driver_id, bus_id, assistant_id, route_id, secretary_id, created_at, updated_at`

var resourceColumns = map[models.ResourceKind]string{
	models.ResourceDriver:    "driver_id",
	models.ResourceBus:       "bus_id",
	models.ResourceAssistant: "assistant_id",
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTrip(r rowScanner) (*models.Trip, error) {
	var t models.Trip
	if err := r.Scan(
		&t.ID, &t.DateTime, &t.Status, &t.DriverID, &t.BusID, &t.AssistantID,
		&t.RouteID, &t.SecretaryID, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	t.DateTime = t.DateTime.UTC()
	return &t, nil
}

func (t *Tx) GetTrip(ctx context.Context, id int64) (*models.Trip, error) {
	tr, err := scanTrip(t.q.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "select trip")
	}
	return tr, nil
}

func (t *Tx) GetTripForUpdate(ctx context.Context, id int64) (*models.Trip, error) {
	tr, err := scanTrip(t.q.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "select trip for update")
	}
	return tr, nil
}

func (t *Tx) GetTripForShare(ctx context.Context, id int64) (*models.Trip, error) {
	tr, err := scanTrip(t.q.QueryRow(ctx, `SELECT `+tripColumns+` FROM trips WHERE id = $1 FOR SHARE`, id))
	if err != nil {
		return nil, notFound(err, "select trip for share")
	}
	return tr, nil
}

func (t *Tx) InsertTrip(ctx context.Context, tr *models.Trip) error {
	err := t.q.QueryRow(ctx, `
INSERT INTO trips (
  trip_datetime, status, driver_id, bus_id, assistant_id, route_id, secretary_id, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
RETURNING id
`, tr.DateTime.UTC(), tr.Status, tr.DriverID, tr.BusID, tr.AssistantID, tr.RouteID, tr.SecretaryID,
		tr.CreatedAt.UTC(), tr.UpdatedAt.UTC()).Scan(&tr.ID)
	if err != nil {
		return tripWriteErr(err, "insert trip")
	}
	return nil
}

func (t *Tx) UpdateTrip(ctx context.Context, tr *models.Trip) error {
	_, err := t.q.Exec(ctx, `
UPDATE trips
SET
  trip_datetime = $2,
  status = $3,
  driver_id = $4,
  bus_id = $5,
  assistant_id = $6,
  route_id = $7,
  updated_at = $8
WHERE id = $1
`, tr.ID, tr.DateTime.UTC(), tr.Status, tr.DriverID, tr.BusID, tr.AssistantID, tr.RouteID, tr.UpdatedAt.UTC())
	if err != nil {
		return tripWriteErr(err, "update trip")
	}
	return nil
}

func (t *Tx) DeleteTrip(ctx context.Context, id int64) error {
	tag, err := t.q.Exec(ctx, `DELETE FROM trips WHERE id = $1`, id)
	if err != nil {
		return errors.Wrap(err, "delete trip")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) ListResourceTrips(ctx context.Context, kind models.ResourceKind, resourceID int64, from, to time.Time, excludeTripID int64) ([]*models.Trip, error) {
	col, ok := resourceColumns[kind]
	if !ok {
		return nil, domain.ValidationError{Field: "resource_kind", Msg: "unknown resource kind " + string(kind)}
	}

	rows, err := t.q.Query(ctx, `
SELECT `+tripColumns+`
FROM trips
WHERE `+col+` = $1
  AND trip_datetime BETWEEN $2 AND $3
  AND id <> $4
ORDER BY trip_datetime ASC, id ASC
`, resourceID, from.UTC(), to.UTC(), excludeTripID)
	if err != nil {
		return nil, errors.Wrap(err, "select resource trips")
	}
	return collectTrips(rows)
}

func (t *Tx) FindTripByKey(ctx context.Context, key models.TripKey, excludeTripID int64) (*models.Trip, error) {
	tr, err := scanTrip(t.q.QueryRow(ctx, `
SELECT `+tripColumns+`
FROM trips
WHERE trip_datetime = $1
  AND bus_id = $2
  AND route_id = $3
  AND driver_id IS NOT DISTINCT FROM $4
  AND assistant_id IS NOT DISTINCT FROM $5
  AND id <> $6
LIMIT 1
`, key.DateTime.UTC(), key.BusID, key.RouteID, key.DriverID, key.AssistantID, excludeTripID))
	if err != nil {
		return nil, notFound(err, "select trip by key")
	}
	return tr, nil
}

func (t *Tx) ListTrips(ctx context.Context, f models.TripFilter) ([]*models.Trip, error) {
	if f.Limit <= 0 || f.Limit > 500 {
		f.Limit = 100
	}
	if f.Offset < 0 {
		f.Offset = 0
	}

	var where []string
	var args []any
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.From != nil {
		where = append(where, "t.trip_datetime >= "+arg(f.From.UTC()))
	}
	if f.To != nil {
		where = append(where, "t.trip_datetime <= "+arg(f.To.UTC()))
	}
	if f.RouteID != nil {
		where = append(where, "t.route_id = "+arg(*f.RouteID))
	}
	if f.Status != nil {
		where = append(where, "t.status = "+arg(string(*f.Status)))
	}
	if f.MinAvailableSeats > 0 {
		where = append(where, `
  (SELECT count(*) FROM seats s WHERE s.bus_id = t.bus_id)
  - (SELECT count(*) FROM tickets k WHERE k.trip_id = t.id AND k.state IN ('pending', 'confirmed'))
  >= `+arg(f.MinAvailableSeats))
	}

	q := `SELECT ` + prefixColumns("t", tripColumns) + ` FROM trips t`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY t.trip_datetime ASC, t.id ASC LIMIT ` + arg(f.Limit) + ` OFFSET ` + arg(f.Offset)

	rows, err := t.q.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select trips")
	}
	return collectTrips(rows)
}

type tripRows interface {
	rowScanner
	Next() bool
	Err() error
	Close()
}

func collectTrips(rows tripRows) ([]*models.Trip, error) {
	defer rows.Close()

	var out []*models.Trip
	for rows.Next() {
		tr, err := scanTrip(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan trip")
		}
		out = append(out, tr)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func prefixColumns(alias, cols string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
