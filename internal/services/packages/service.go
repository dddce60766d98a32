package packages

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BearBump/BusBox/internal/broker/messages"
	"github.com/BearBump/BusBox/internal/cache"
	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/access"
	"github.com/BearBump/BusBox/internal/services/history"
	"github.com/BearBump/BusBox/internal/statemachine"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

type Service struct {
	store      storage.Store
	ledger     *history.Ledger
	cache      cache.BytesCache
	currentTTL time.Duration
	now        func() time.Time
	log        *zap.Logger
}

func New(store storage.Store, ledger *history.Ledger) *Service {
	return &Service{
		store:  store,
		ledger: ledger,
		now:    func() time.Time { return time.Now().UTC() },
		log:    zap.NewNop(),
	}
}

func (s *Service) WithCache(c cache.BytesCache, currentTTL time.Duration) *Service {
	s.cache = c
	s.currentTTL = currentTTL
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

func (s *Service) WithLogger(l *zap.Logger) *Service {
	if l != nil {
		s.log = l
	}
	return s
}

func (s *Service) Register(ctx context.Context, in models.PackageRegisterInput) (*models.Package, error) {
	if err := validateRegister(&in); err != nil {
		return nil, err
	}

	var out *models.Package
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &in.OperatorID, access.PackageRegister); err != nil {
			return err
		}
		for _, id := range []int64{in.SenderID, in.RecipientID} {
			ok, err := tx.RefExists(ctx, models.RefClient, id)
			if err != nil {
				return err
			}
			if !ok {
				return domain.NotFoundError{Resource: "client", ID: id}
			}
		}

		now := s.now()
		p := &models.Package{
			TrackingNumber: in.TrackingNumber,
			Status:         models.PackageStatusRegisteredAtOffice,
			SenderID:       in.SenderID,
			RecipientID:    in.RecipientID,
			Description:    in.Description,
			PaymentType:    in.PaymentType,
			RegisteredBy:   in.OperatorID,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		for _, it := range in.Items {
			p.Items = append(p.Items, &models.PackageItem{
				Description: it.Description,
				Quantity:    it.Quantity,
				UnitPrice:   it.UnitPrice,
			})
		}
		if err := tx.InsertPackage(ctx, p); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, tx, history.Change{
			Subject:        models.SubjectPackage,
			SubjectID:      p.ID,
			New:            string(p.Status),
			Actor:          &in.OperatorID,
			TrackingNumber: p.TrackingNumber,
		}); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("package registered",
		zap.Int64("package_id", out.ID), zap.String("tracking_number", out.TrackingNumber),
		zap.String("total", out.Total().StringFixed(2)), zap.Int64("actor_id", in.OperatorID))
	s.Refresh(ctx, out)
	return out, nil
}

func validateRegister(in *models.PackageRegisterInput) error {
	in.TrackingNumber = strings.TrimSpace(in.TrackingNumber)
	if in.TrackingNumber == "" {
		in.TrackingNumber = NewTrackingNumber()
	}
	switch in.PaymentType {
	case models.PaymentTypePrepaid, models.PaymentTypeCollectOnDelivery:
	default:
		return domain.ValidationError{Field: "payment_type", Msg: "unknown payment type " + string(in.PaymentType)}
	}
	if len(in.Items) == 0 {
		return domain.ValidationError{Field: "items", Msg: "at least one item is required"}
	}
	for i, it := range in.Items {
		if it.Quantity < 1 {
			return domain.ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Msg: "must be at least 1"}
		}
		if it.UnitPrice.IsNegative() {
			return domain.ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Msg: "must not be negative"}
		}
	}
	return nil
}

// NewTrackingNumber returns PKG- followed by 10 upper-case hex characters.
func NewTrackingNumber() string {
	raw := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "PKG-" + strings.ToUpper(raw[:10])
}

func (s *Service) Get(ctx context.Context, id int64) (*models.Package, error) {
	var out *models.Package
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = loadPackage(ctx, tx, id, false)
		return err
	})
	return out, err
}

// GetByTrackingNumber reads through the current-view cache when one is
// configured. Cache failures fall back to storage.
func (s *Service) GetByTrackingNumber(ctx context.Context, trackingNumber string) (*models.Package, error) {
	if trackingNumber == "" {
		return nil, domain.ValidationError{Field: "tracking_number", Msg: "is required"}
	}
	if s.cacheOn() {
		b, ok, err := s.cache.Get(ctx, CurrentKey(trackingNumber))
		if err == nil && ok {
			var p models.Package
			if json.Unmarshal(b, &p) == nil {
				return &p, nil
			}
		}
	}

	var out *models.Package
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		p, err := tx.GetPackageByTrackingNumber(ctx, trackingNumber)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundError{Resource: "package", ID: trackingNumber}
		}
		out = p
		return err
	})
	if err != nil {
		return nil, err
	}
	s.Refresh(ctx, out)
	return out, nil
}

// AssignToTrip is only possible from registered_at_office and onto a trip
// that has not left yet.
func (s *Service) AssignToTrip(ctx context.Context, actor int64, id, tripID int64) (*models.Package, error) {
	return s.mutate(ctx, &actor, access.PackageAssign, id, func(ctx context.Context, tx storage.Tx, p *models.Package) error {
		if err := statemachine.Package.Validate(p.Status, models.PackageStatusAssignedToTrip); err != nil {
			return err
		}
		trip, err := tx.GetTripForShare(ctx, tripID)
		if errors.Is(err, storage.ErrNotFound) {
			return domain.NotFoundError{Resource: "trip", ID: tripID}
		}
		if err != nil {
			return err
		}
		if !assignable[trip.Status] {
			return domain.ValidationError{Field: "trip_id", Msg: fmt.Sprintf("trip %d is %s and cannot take packages", trip.ID, trip.Status)}
		}
		return s.apply(ctx, tx, p, models.PackageStatusAssignedToTrip, &trip.ID, &actor)
	})
}

var assignable = map[models.TripStatus]bool{
	models.TripStatusScheduled: true,
	models.TripStatusBoarding:  true,
	models.TripStatusDelayed:   true,
}

// Unassign is only possible from assigned_to_trip.
func (s *Service) Unassign(ctx context.Context, actor int64, id int64) (*models.Package, error) {
	return s.mutate(ctx, &actor, access.PackageUnassign, id, func(ctx context.Context, tx storage.Tx, p *models.Package) error {
		if p.Status != models.PackageStatusAssignedToTrip {
			return domain.InvalidTransitionError{
				Entity:  "package",
				Current: string(p.Status),
				Target:  string(models.PackageStatusRegisteredAtOffice),
				Allowed: statusNames(statemachine.Package.AllowedNext(p.Status)),
			}
		}
		return s.apply(ctx, tx, p, models.PackageStatusRegisteredAtOffice, nil, &actor)
	})
}

// UpdateStatus is the generic graph-validated move. Assignment needs a trip
// and goes through AssignToTrip. A nil actor is a system call.
func (s *Service) UpdateStatus(ctx context.Context, actor *int64, id int64, raw string) (*models.Package, error) {
	target, err := statemachine.ParsePackageStatus(raw)
	if err != nil {
		return nil, err
	}
	if target == models.PackageStatusAssignedToTrip {
		return nil, domain.ValidationError{Field: "status", Msg: "use assign to put a package on a trip"}
	}
	return s.mutate(ctx, actor, access.PackageUpdateStatus, id, func(ctx context.Context, tx storage.Tx, p *models.Package) error {
		if err := statemachine.Package.Validate(p.Status, target); err != nil {
			return err
		}
		tripID := p.TripID
		if target == models.PackageStatusRegisteredAtOffice {
			tripID = nil
		}
		return s.apply(ctx, tx, p, target, tripID, actor)
	})
}

// Deliver records the payment method on collect-on-delivery packages. The
// method is ignored for prepaid ones.
func (s *Service) Deliver(ctx context.Context, actor *int64, id int64, method *models.PaymentMethod) (*models.Package, error) {
	return s.mutate(ctx, actor, access.PackageDeliver, id, func(ctx context.Context, tx storage.Tx, p *models.Package) error {
		if err := statemachine.Package.Validate(p.Status, models.PackageStatusDelivered); err != nil {
			return err
		}
		if p.PaymentType == models.PaymentTypeCollectOnDelivery {
			if method == nil {
				return domain.ValidationError{Field: "payment_method", Msg: "required for collect-on-delivery packages"}
			}
			if !method.Valid() {
				return domain.ValidationError{Field: "payment_method", Msg: "unknown payment method " + string(*method)}
			}
			m := *method
			p.DeliveryPaymentMethod = &m
		}
		at := s.now()
		p.DeliveredAt = &at
		return s.apply(ctx, tx, p, models.PackageStatusDelivered, p.TripID, actor)
	})
}

func (s *Service) History(ctx context.Context, id int64, limit, offset int) ([]*models.HistoryEntry, error) {
	return s.ledger.List(ctx, models.SubjectPackage, id, limit, offset)
}

// Moved is one package changed by a trip cascade.
type Moved struct {
	Package *models.Package
	From    models.PackageStatus
}

// CascadeDispatch moves every assigned_to_trip package of the trip to
// in_transit. It runs inside the trip's unit of work; each package gets its
// own ledger entry.
func (s *Service) CascadeDispatch(ctx context.Context, tx storage.Tx, tripID int64, actor *int64) ([]Moved, error) {
	pkgs, err := tx.ListTripPackages(ctx, tripID, models.PackageStatusAssignedToTrip)
	if err != nil {
		return nil, err
	}
	moved := make([]Moved, 0, len(pkgs))
	for _, p := range pkgs {
		from := p.Status
		if err := statemachine.Package.Validate(from, models.PackageStatusInTransit); err != nil {
			return nil, err
		}
		if err := s.apply(ctx, tx, p, models.PackageStatusInTransit, p.TripID, actor); err != nil {
			return nil, err
		}
		moved = append(moved, Moved{Package: p, From: from})
	}
	return moved, nil
}

// CascadeCancel returns every package referencing the trip to the office,
// whatever its status, and clears the trip reference.
func (s *Service) CascadeCancel(ctx context.Context, tx storage.Tx, tripID int64, actor *int64) ([]Moved, error) {
	pkgs, err := tx.ListTripPackages(ctx, tripID)
	if err != nil {
		return nil, err
	}
	moved := make([]Moved, 0, len(pkgs))
	for _, p := range pkgs {
		from := p.Status
		p.DeliveredAt = nil
		p.DeliveryPaymentMethod = nil
		if err := s.apply(ctx, tx, p, models.PackageStatusRegisteredAtOffice, nil, actor); err != nil {
			return nil, err
		}
		moved = append(moved, Moved{Package: p, From: from})
	}
	return moved, nil
}

// apply persists the move and ledgers it. Callers validate the edge.
func (s *Service) apply(ctx context.Context, tx storage.Tx, p *models.Package, target models.PackageStatus, tripID *int64, actor *int64) error {
	old := p.Status
	p.Status = target
	p.TripID = tripID
	p.UpdatedAt = s.now()
	if err := tx.UpdatePackage(ctx, p); err != nil {
		return err
	}
	_, err := s.ledger.Record(ctx, tx, history.Change{
		Subject:        models.SubjectPackage,
		SubjectID:      p.ID,
		Old:            history.Ptr(string(old)),
		New:            string(target),
		Actor:          actor,
		TrackingNumber: p.TrackingNumber,
	})
	return err
}

func (s *Service) mutate(ctx context.Context, actor *int64, op access.Operation, id int64, fn func(ctx context.Context, tx storage.Tx, p *models.Package) error) (*models.Package, error) {
	var out *models.Package
	var old models.PackageStatus
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, actor, op); err != nil {
			return err
		}
		p, err := loadPackage(ctx, tx, id, true)
		if err != nil {
			return err
		}
		old = p.Status
		if err := fn(ctx, tx, p); err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.LogChanged(out, old, actor)
	s.Refresh(ctx, out)
	return out, nil
}

// LogChanged logs one committed status change.
func (s *Service) LogChanged(p *models.Package, old models.PackageStatus, actor *int64) {
	s.log.Info("package status changed",
		zap.Int64("package_id", p.ID), zap.String("tracking_number", p.TrackingNumber),
		zap.String("old", string(old)), zap.String("new", string(p.Status)),
		zap.Int64p("trip_id", p.TripID), zap.Int64p("actor_id", actor))
}

// Refresh overwrites the cached views of the given packages. Errors are
// logged and ignored.
func (s *Service) Refresh(ctx context.Context, pkgs ...*models.Package) {
	if !s.cacheOn() {
		return
	}
	for _, p := range pkgs {
		b, err := json.Marshal(p)
		if err != nil {
			continue
		}
		if err := s.cache.Set(ctx, CurrentKey(p.TrackingNumber), b, s.currentTTL); err != nil {
			s.log.Warn("cache set", zap.String("tracking_number", p.TrackingNumber), zap.Error(err))
		}
	}
}

// ApplyStateChanged drops the cached view named by an incoming event.
func (s *Service) ApplyStateChanged(ctx context.Context, msg messages.StateChanged) error {
	if msg.SubjectType != string(models.SubjectPackage) || msg.TrackingNumber == "" || !s.cacheOn() {
		return nil
	}
	return s.cache.Delete(ctx, CurrentKey(msg.TrackingNumber))
}

func (s *Service) cacheOn() bool {
	return s.cache != nil && s.currentTTL > 0
}

func CurrentKey(trackingNumber string) string {
	return fmt.Sprintf("package:%s:current", trackingNumber)
}

func loadPackage(ctx context.Context, tx storage.Tx, id int64, forUpdate bool) (*models.Package, error) {
	get := tx.GetPackage
	if forUpdate {
		get = tx.GetPackageForUpdate
	}
	p, err := get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError{Resource: "package", ID: id}
	}
	return p, err
}

func statusNames(states []models.PackageStatus) []string {
	out := make([]string, 0, len(states))
	for _, st := range states {
		out = append(out, string(st))
	}
	return out
}
