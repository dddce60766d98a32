package pgbooking

import (
	"context"

	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const packageColumns = `id, tracking_number, status, trip_id, sender_id, recipient_id, description,
  payment_type, delivery_payment_method, registered_by, delivered_at, created_at, updated_at`

func scanPackage(r rowScanner) (*models.Package, error) {
	var p models.Package
	if err := r.Scan(
		&p.ID, &p.TrackingNumber, &p.Status, &p.TripID, &p.SenderID, &p.RecipientID, &p.Description,
		&p.PaymentType, &p.DeliveryPaymentMethod, &p.RegisteredBy, &p.DeliveredAt, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return nil, err
	}
	p.Items = []*models.PackageItem{}
	return &p, nil
}

func (t *Tx) getPackage(ctx context.Context, q, op string, arg any) (*models.Package, error) {
	p, err := scanPackage(t.q.QueryRow(ctx, q, arg))
	if err != nil {
		return nil, notFound(err, op)
	}
	if err := t.loadItems(ctx, []*models.Package{p}); err != nil {
		return nil, err
	}
	return p, nil
}

func (t *Tx) GetPackage(ctx context.Context, id int64) (*models.Package, error) {
	return t.getPackage(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`, "select package", id)
}

func (t *Tx) GetPackageForUpdate(ctx context.Context, id int64) (*models.Package, error) {
	return t.getPackage(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1 FOR UPDATE`, "select package for update", id)
}

func (t *Tx) GetPackageByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Package, error) {
	return t.getPackage(ctx, `SELECT `+packageColumns+` FROM packages WHERE tracking_number = $1`, "select package by tracking number", trackingNumber)
}

func (t *Tx) InsertPackage(ctx context.Context, p *models.Package) error {
	err := t.q.QueryRow(ctx, `
INSERT INTO packages (
  tracking_number, status, trip_id, sender_id, recipient_id, description,
  payment_type, delivery_payment_method, registered_by, delivered_at, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING id
`, p.TrackingNumber, p.Status, p.TripID, p.SenderID, p.RecipientID, p.Description,
		p.PaymentType, p.DeliveryPaymentMethod, p.RegisteredBy, p.DeliveredAt, p.CreatedAt.UTC(), p.UpdatedAt.UTC()).Scan(&p.ID)
	if err != nil {
		if name, ok := uniqueConstraint(err); ok && name == constraintTrackingNumber {
			return storage.DuplicateTrackingNumberError(p.TrackingNumber, err)
		}
		return errors.Wrap(err, "insert package")
	}

	for _, it := range p.Items {
		it.PackageID = p.ID
		err := t.q.QueryRow(ctx, `
INSERT INTO package_items (package_id, description, quantity, unit_price)
VALUES ($1,$2,$3,$4::numeric)
RETURNING id
`, it.PackageID, it.Description, it.Quantity, it.UnitPrice.String()).Scan(&it.ID)
		if err != nil {
			return errors.Wrap(err, "insert package item")
		}
	}
	return nil
}

// UpdatePackage writes the mutable package columns. Items are immutable after
// registration.
func (t *Tx) UpdatePackage(ctx context.Context, p *models.Package) error {
	tag, err := t.q.Exec(ctx, `
UPDATE packages
SET
  status = $2,
  trip_id = $3,
  delivery_payment_method = $4,
  delivered_at = $5,
  updated_at = $6
WHERE id = $1
`, p.ID, p.Status, p.TripID, p.DeliveryPaymentMethod, p.DeliveredAt, p.UpdatedAt.UTC())
	if err != nil {
		return errors.Wrap(err, "update package")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

func (t *Tx) ListTripPackages(ctx context.Context, tripID int64, statuses ...models.PackageStatus) ([]*models.Package, error) {
	q := `SELECT ` + packageColumns + ` FROM packages WHERE trip_id = $1`
	args := []any{tripID}
	if len(statuses) > 0 {
		raw := make([]string, 0, len(statuses))
		for _, s := range statuses {
			raw = append(raw, string(s))
		}
		q += ` AND status = ANY($2)`
		args = append(args, raw)
	}
	q += ` ORDER BY id ASC FOR UPDATE`

	rows, err := t.q.Query(ctx, q, args...)
	if err != nil {
		return nil, errors.Wrap(err, "select trip packages")
	}
	var out []*models.Package
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan package")
		}
		out = append(out, p)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	if err := t.loadItems(ctx, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (t *Tx) loadItems(ctx context.Context, pkgs []*models.Package) error {
	if len(pkgs) == 0 {
		return nil
	}
	byID := make(map[int64]*models.Package, len(pkgs))
	ids := make([]int64, 0, len(pkgs))
	for _, p := range pkgs {
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}

	rows, err := t.q.Query(ctx, `
SELECT id, package_id, description, quantity, unit_price::text
FROM package_items
WHERE package_id = ANY($1)
ORDER BY id ASC
`, ids)
	if err != nil {
		return errors.Wrap(err, "select package items")
	}
	defer rows.Close()

	for rows.Next() {
		var it models.PackageItem
		var unitPrice string
		if err := rows.Scan(&it.ID, &it.PackageID, &it.Description, &it.Quantity, &unitPrice); err != nil {
			return errors.Wrap(err, "scan package item")
		}
		if it.UnitPrice, err = decimal.NewFromString(unitPrice); err != nil {
			return errors.Wrap(err, "parse unit price")
		}
		if p, ok := byID[it.PackageID]; ok {
			p.Items = append(p.Items, &it)
		}
	}
	if rows.Err() != nil {
		return errors.Wrap(rows.Err(), "rows")
	}
	return nil
}
