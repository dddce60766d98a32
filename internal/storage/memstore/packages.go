package memstore

import (
	"context"
	"sort"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
)

func clonePackage(p *models.Package) *models.Package {
	cp := *p
	if p.TripID != nil {
		v := *p.TripID
		cp.TripID = &v
	}
	if p.DeliveryPaymentMethod != nil {
		v := *p.DeliveryPaymentMethod
		cp.DeliveryPaymentMethod = &v
	}
	if p.DeliveredAt != nil {
		v := *p.DeliveredAt
		cp.DeliveredAt = &v
	}
	cp.Items = make([]*models.PackageItem, 0, len(p.Items))
	for _, it := range p.Items {
		ic := *it
		cp.Items = append(cp.Items, &ic)
	}
	return &cp
}

// checkPackageRow mirrors the table CHECK constraints on trip_id.
func checkPackageRow(p *models.Package) error {
	switch {
	case p.Status == models.PackageStatusRegisteredAtOffice && p.TripID != nil:
		return domain.ValidationError{Field: "trip_id", Msg: "registered package cannot reference a trip"}
	case p.Status == models.PackageStatusAssignedToTrip && p.TripID == nil:
		return domain.ValidationError{Field: "trip_id", Msg: "assigned package must reference a trip"}
	}
	return nil
}

func (t *Tx) GetPackage(ctx context.Context, id int64) (*models.Package, error) {
	p, ok := t.st.packages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return clonePackage(p), nil
}

func (t *Tx) GetPackageForUpdate(ctx context.Context, id int64) (*models.Package, error) {
	return t.GetPackage(ctx, id)
}

func (t *Tx) GetPackageByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Package, error) {
	for _, p := range t.st.packages {
		if p.TrackingNumber == trackingNumber {
			return clonePackage(p), nil
		}
	}
	return nil, storage.ErrNotFound
}

func (t *Tx) InsertPackage(ctx context.Context, p *models.Package) error {
	for _, other := range t.st.packages {
		if other.TrackingNumber == p.TrackingNumber {
			return storage.DuplicateTrackingNumberError(p.TrackingNumber, nil)
		}
	}
	if err := checkPackageRow(p); err != nil {
		return err
	}
	p.ID = t.st.id()
	for _, it := range p.Items {
		it.ID = t.st.id()
		it.PackageID = p.ID
	}
	t.st.packages[p.ID] = clonePackage(p)
	return nil
}

func (t *Tx) UpdatePackage(ctx context.Context, p *models.Package) error {
	cur, ok := t.st.packages[p.ID]
	if !ok {
		return storage.ErrNotFound
	}
	if err := checkPackageRow(p); err != nil {
		return err
	}
	next := clonePackage(cur)
	next.Status = p.Status
	next.TripID = p.TripID
	next.DeliveryPaymentMethod = p.DeliveryPaymentMethod
	next.DeliveredAt = p.DeliveredAt
	next.UpdatedAt = p.UpdatedAt
	t.st.packages[p.ID] = clonePackage(next)
	return nil
}

func (t *Tx) ListTripPackages(ctx context.Context, tripID int64, statuses ...models.PackageStatus) ([]*models.Package, error) {
	var out []*models.Package
	for _, p := range t.st.packages {
		if p.TripID == nil || *p.TripID != tripID {
			continue
		}
		if len(statuses) > 0 && !hasStatus(statuses, p.Status) {
			continue
		}
		out = append(out, clonePackage(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func hasStatus(list []models.PackageStatus, s models.PackageStatus) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
