package trips

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/BearBump/BusBox/internal/broker/messages"
	"github.com/BearBump/BusBox/internal/cache"
	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/access"
	"github.com/BearBump/BusBox/internal/services/history"
	"github.com/BearBump/BusBox/internal/services/packages"
	"github.com/BearBump/BusBox/internal/services/schedule"
	"github.com/BearBump/BusBox/internal/statemachine"
	"github.com/BearBump/BusBox/internal/storage"
	"go.uber.org/zap"
)

const DefaultMinLead = 30 * time.Minute

type Service struct {
	store    storage.Store
	ledger   *history.Ledger
	detector *schedule.Detector
	packages *packages.Service

	cache      cache.BytesCache
	currentTTL time.Duration

	minLead time.Duration
	now     func() time.Time
	log     *zap.Logger
}

func New(store storage.Store, ledger *history.Ledger, detector *schedule.Detector, pkgs *packages.Service) *Service {
	return &Service{
		store:    store,
		ledger:   ledger,
		detector: detector,
		packages: pkgs,
		minLead:  DefaultMinLead,
		now:      func() time.Time { return time.Now().UTC() },
		log:      zap.NewNop(),
	}
}

func (s *Service) WithCache(c cache.BytesCache, currentTTL time.Duration) *Service {
	s.cache = c
	s.currentTTL = currentTTL
	return s
}

func (s *Service) WithMinLead(d time.Duration) *Service {
	if d > 0 {
		s.minLead = d
	}
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

// Create schedules a trip owned by in.SecretaryID. Every resource is checked
// against the buffer window before the duplicate-tuple check.
func (s *Service) Create(ctx context.Context, in models.TripCreateInput) (*models.Trip, error) {
	if err := s.checkLead(in.DateTime); err != nil {
		return nil, err
	}

	var out *models.Trip
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &in.SecretaryID, access.TripCreate); err != nil {
			return err
		}
		refs := []ref{
			{models.RefBus, &in.BusID},
			{models.RefRoute, &in.RouteID},
			{models.RefSecretary, &in.SecretaryID},
			{models.RefDriver, in.DriverID},
			{models.RefAssistant, in.AssistantID},
		}
		if err := requireRefs(ctx, tx, refs...); err != nil {
			return err
		}

		now := s.now()
		trip := &models.Trip{
			DateTime:    in.DateTime.UTC(),
			Status:      models.TripStatusScheduled,
			DriverID:    in.DriverID,
			BusID:       in.BusID,
			AssistantID: in.AssistantID,
			RouteID:     in.RouteID,
			SecretaryID: in.SecretaryID,
			CreatedAt:   now,
			UpdatedAt:   now,
		}
		if err := s.detector.CheckTrip(ctx, tx, trip, nil, true); err != nil {
			return err
		}
		if err := tx.InsertTrip(ctx, trip); err != nil {
			return err
		}
		if _, err := s.ledger.Record(ctx, tx, history.Change{
			Subject:   models.SubjectTrip,
			SubjectID: trip.ID,
			New:       string(trip.Status),
			Actor:     &in.SecretaryID,
		}); err != nil {
			return err
		}
		out = trip
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.Info("trip created",
		zap.Int64("trip_id", out.ID), zap.Time("datetime", out.DateTime), zap.Int64("bus_id", out.BusID),
		zap.Int64p("driver_id", out.DriverID), zap.Int64p("assistant_id", out.AssistantID), zap.Int64("actor_id", in.SecretaryID))
	s.refresh(ctx, out)
	return out, nil
}

// Update re-checks only the resources whose assignment changed; a datetime
// change re-checks all of them. A status in the patch goes through the same
// transition, cascades included, as the dedicated operations.
func (s *Service) Update(ctx context.Context, actor int64, id int64, patch models.TripPatch) (*models.Trip, error) {
	var res result
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &actor, access.TripUpdate); err != nil {
			return err
		}
		cur, err := loadTrip(ctx, tx, id)
		if err != nil {
			return err
		}
		next := *cur

		kinds := []models.ResourceKind{}
		keyChanged := false
		var refs []ref

		if patch.DateTime != nil && !patch.DateTime.Equal(cur.DateTime) {
			if err := s.checkLead(*patch.DateTime); err != nil {
				return err
			}
			next.DateTime = patch.DateTime.UTC()
			kinds = nil
			keyChanged = true
		}
		if patch.ClearDriver {
			next.DriverID = nil
		} else if patch.DriverID != nil {
			next.DriverID = patch.DriverID
		}
		if !sameRef(cur.DriverID, next.DriverID) {
			keyChanged = true
			kinds = addKind(kinds, models.ResourceDriver)
			refs = append(refs, ref{models.RefDriver, next.DriverID})
		}
		if patch.ClearAssistant {
			next.AssistantID = nil
		} else if patch.AssistantID != nil {
			next.AssistantID = patch.AssistantID
		}
		if !sameRef(cur.AssistantID, next.AssistantID) {
			keyChanged = true
			kinds = addKind(kinds, models.ResourceAssistant)
			refs = append(refs, ref{models.RefAssistant, next.AssistantID})
		}
		if patch.BusID != nil && *patch.BusID != cur.BusID {
			n, err := tx.CountActiveTickets(ctx, cur.ID)
			if err != nil {
				return err
			}
			if n > 0 {
				return domain.ConflictError{Resource: "trip", Msg: fmt.Sprintf("trip %d has %d active ticket(s) on bus %d", cur.ID, n, cur.BusID)}
			}
			next.BusID = *patch.BusID
			keyChanged = true
			kinds = addKind(kinds, models.ResourceBus)
			refs = append(refs, ref{models.RefBus, &next.BusID})
		}
		if patch.RouteID != nil && *patch.RouteID != cur.RouteID {
			next.RouteID = *patch.RouteID
			keyChanged = true
			refs = append(refs, ref{models.RefRoute, &next.RouteID})
		}

		if err := requireRefs(ctx, tx, refs...); err != nil {
			return err
		}
		if keyChanged {
			if err := s.detector.CheckTrip(ctx, tx, &next, kinds, true); err != nil {
				return err
			}
			next.UpdatedAt = s.now()
			if err := tx.UpdateTrip(ctx, &next); err != nil {
				return err
			}
		}

		res.trip = &next
		if patch.Status != nil && *patch.Status != next.Status {
			r, err := s.transition(ctx, tx, &next, *patch.Status, &actor)
			if err != nil {
				return err
			}
			res = r
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.after(ctx, res, &actor)
	return res.trip, nil
}

func (s *Service) Board(ctx context.Context, actor int64, id int64) (*models.Trip, error) {
	return s.move(ctx, actor, access.TripBoard, id, models.TripStatusBoarding)
}

func (s *Service) Delay(ctx context.Context, actor int64, id int64) (*models.Trip, error) {
	return s.move(ctx, actor, access.TripDelay, id, models.TripStatusDelayed)
}

// Dispatch departs the trip and moves its assigned packages in transit.
func (s *Service) Dispatch(ctx context.Context, actor int64, id int64) (*models.Trip, error) {
	return s.move(ctx, actor, access.TripDispatch, id, models.TripStatusDeparted)
}

// Finish marks arrival. Packages are left as they are.
func (s *Service) Finish(ctx context.Context, actor int64, id int64) (*models.Trip, error) {
	return s.move(ctx, actor, access.TripFinish, id, models.TripStatusArrived)
}

// Cancel cancels the trip and sends every package on it back to the office.
func (s *Service) Cancel(ctx context.Context, actor int64, id int64) (*models.Trip, error) {
	return s.move(ctx, actor, access.TripCancel, id, models.TripStatusCancelled)
}

func (s *Service) move(ctx context.Context, actor int64, op access.Operation, id int64, target models.TripStatus) (*models.Trip, error) {
	var res result
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &actor, op); err != nil {
			return err
		}
		trip, err := loadTrip(ctx, tx, id)
		if err != nil {
			return err
		}
		res, err = s.transition(ctx, tx, trip, target, &actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.after(ctx, res, &actor)
	return res.trip, nil
}

type result struct {
	trip   *models.Trip
	change *history.Change
	moved  []packages.Moved
}

// transition is the single place a trip changes status. The cascade runs in
// the caller's unit of work, after the trip's own entry.
func (s *Service) transition(ctx context.Context, tx storage.Tx, trip *models.Trip, target models.TripStatus, actor *int64) (result, error) {
	if err := statemachine.Trip.Validate(trip.Status, target); err != nil {
		return result{}, err
	}
	c := history.Change{
		Subject:   models.SubjectTrip,
		SubjectID: trip.ID,
		Old:       history.Ptr(string(trip.Status)),
		New:       string(target),
		Actor:     actor,
	}
	trip.Status = target
	trip.UpdatedAt = s.now()
	if err := tx.UpdateTrip(ctx, trip); err != nil {
		return result{}, err
	}
	if _, err := s.ledger.Record(ctx, tx, c); err != nil {
		return result{}, err
	}

	res := result{trip: trip, change: &c}
	var err error
	switch target {
	case models.TripStatusDeparted:
		res.moved, err = s.packages.CascadeDispatch(ctx, tx, trip.ID, actor)
	case models.TripStatusCancelled:
		res.moved, err = s.packages.CascadeCancel(ctx, tx, trip.ID, actor)
	}
	if err != nil {
		s.log.Error("trip cascade failed",
			zap.Int64("trip_id", trip.ID), zap.String("target", string(target)), zap.Error(err))
		return result{}, err
	}
	return res, nil
}

func (s *Service) after(ctx context.Context, res result, actor *int64) {
	if res.change != nil {
		s.log.Info("trip status changed",
			zap.Int64("trip_id", res.trip.ID), zap.String("old", *res.change.Old), zap.String("new", res.change.New),
			zap.Int("packages_moved", len(res.moved)), zap.Int64p("actor_id", actor))
	}
	pkgs := make([]*models.Package, 0, len(res.moved))
	for _, m := range res.moved {
		s.packages.LogChanged(m.Package, m.From, actor)
		pkgs = append(pkgs, m.Package)
	}
	s.packages.Refresh(ctx, pkgs...)
	s.refresh(ctx, res.trip)
}

// Get reads through the current-view cache when one is configured.
func (s *Service) Get(ctx context.Context, id int64) (*models.Trip, error) {
	if s.cacheOn() {
		b, ok, err := s.cache.Get(ctx, CurrentKey(id))
		if err == nil && ok {
			var t models.Trip
			if json.Unmarshal(b, &t) == nil {
				return &t, nil
			}
		}
	}

	var out *models.Trip
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = loadTrip(ctx, tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.refresh(ctx, out)
	return out, nil
}

// Search lists trips by datetime. MinAvailableSeats compares the bus seat
// count minus active tickets.
func (s *Service) Search(ctx context.Context, f models.TripFilter) ([]*models.Trip, error) {
	if f.MinAvailableSeats < 0 {
		return nil, domain.ValidationError{Field: "min_available_seats", Msg: "must not be negative"}
	}
	if f.From != nil && f.To != nil && f.To.Before(*f.From) {
		return nil, domain.ValidationError{Field: "to", Msg: "must not be before from"}
	}
	if f.Status != nil && !statemachine.Trip.Has(*f.Status) {
		return nil, domain.ValidationError{Field: "status", Msg: "unknown trip status " + string(*f.Status)}
	}

	var out []*models.Trip
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = tx.ListTrips(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []*models.Trip{}
	}
	return out, nil
}

// Delete removes a trip nothing references yet.
func (s *Service) Delete(ctx context.Context, actor int64, id int64) error {
	err := s.store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := access.Check(ctx, tx, &actor, access.TripDelete); err != nil {
			return err
		}
		if _, err := loadTrip(ctx, tx, id); err != nil {
			return err
		}
		n, err := tx.CountTripTickets(ctx, id)
		if err != nil {
			return err
		}
		if n > 0 {
			return domain.ConflictError{Resource: "trip", Msg: fmt.Sprintf("trip %d has %d ticket(s) and cannot be deleted", id, n)}
		}
		pkgs, err := tx.ListTripPackages(ctx, id)
		if err != nil {
			return err
		}
		if len(pkgs) > 0 {
			return domain.ConflictError{Resource: "trip", Msg: fmt.Sprintf("trip %d has %d package(s) and cannot be deleted", id, len(pkgs))}
		}
		return tx.DeleteTrip(ctx, id)
	})
	if err != nil {
		return err
	}
	s.log.Info("trip deleted", zap.Int64("trip_id", id), zap.Int64("actor_id", actor))
	if s.cacheOn() {
		if err := s.cache.Delete(ctx, CurrentKey(id)); err != nil {
			s.log.Warn("cache delete", zap.Int64("trip_id", id), zap.Error(err))
		}
	}
	return nil
}

func (s *Service) History(ctx context.Context, id int64, limit, offset int) ([]*models.HistoryEntry, error) {
	return s.ledger.List(ctx, models.SubjectTrip, id, limit, offset)
}

// ApplyStateChanged drops the cached view named by an incoming event.
func (s *Service) ApplyStateChanged(ctx context.Context, msg messages.StateChanged) error {
	if msg.SubjectType != string(models.SubjectTrip) || msg.SubjectID <= 0 || !s.cacheOn() {
		return nil
	}
	return s.cache.Delete(ctx, CurrentKey(msg.SubjectID))
}

func (s *Service) refresh(ctx context.Context, t *models.Trip) {
	if !s.cacheOn() || t == nil {
		return
	}
	b, err := json.Marshal(t)
	if err != nil {
		return
	}
	if err := s.cache.Set(ctx, CurrentKey(t.ID), b, s.currentTTL); err != nil {
		s.log.Warn("cache set", zap.Int64("trip_id", t.ID), zap.Error(err))
	}
}

func (s *Service) cacheOn() bool {
	return s.cache != nil && s.currentTTL > 0
}

func (s *Service) checkLead(at time.Time) error {
	if at.IsZero() {
		return domain.ValidationError{Field: "datetime", Msg: "is required"}
	}
	earliest := s.now().Add(s.minLead)
	if at.Before(earliest) {
		return domain.ValidationError{
			Field: "datetime",
			Msg:   fmt.Sprintf("must be at least %s from now (earliest %s)", s.minLead, earliest.Format(time.RFC3339)),
		}
	}
	return nil
}

func CurrentKey(id int64) string {
	return fmt.Sprintf("trip:%d:current", id)
}

type ref struct {
	kind models.RefKind
	id   *int64
}

// requireRefs skips nil ids.
func requireRefs(ctx context.Context, tx storage.Tx, refs ...ref) error {
	for _, r := range refs {
		if r.id == nil {
			continue
		}
		ok, err := tx.RefExists(ctx, r.kind, *r.id)
		if err != nil {
			return err
		}
		if !ok {
			return domain.NotFoundError{Resource: string(r.kind), ID: *r.id}
		}
	}
	return nil
}

func loadTrip(ctx context.Context, tx storage.Tx, id int64) (*models.Trip, error) {
	trip, err := tx.GetTripForUpdate(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, domain.NotFoundError{Resource: "trip", ID: id}
	}
	return trip, err
}

func sameRef(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// addKind keeps a nil slice nil: nil already means every resource.
func addKind(kinds []models.ResourceKind, k models.ResourceKind) []models.ResourceKind {
	if kinds == nil {
		return nil
	}
	return append(kinds, k)
}
