package schedule

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/BearBump/BusBox/internal/storage/memstore"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2030, 3, 1, 12, 0, 0, 0, time.UTC)

type env struct {
	st      *memstore.Store
	sec     int64
	drv     int64
	asst    int64
	busA    int64
	busB    int64
	routeID int64
}

func newEnv() *env {
	st := memstore.New()
	e := &env{st: st}
	e.sec = st.AddUser("s", models.RoleSecretary)
	e.drv = st.AddUser("d", models.RoleDriver)
	e.asst = st.AddUser("a", models.RoleAssistant)
	e.busA, _ = st.AddBus("A", 2)
	e.busB, _ = st.AddBus("B", 2)
	e.routeID = st.AddRoute("r")
	return e
}

func (e *env) insert(t *testing.T, tr *models.Trip) {
	t.Helper()
	require.NoError(t, e.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTrip(ctx, tr)
	}))
}

func (e *env) check(d *Detector, tr *models.Trip, kinds []models.ResourceKind, dup bool) error {
	return e.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return d.CheckTrip(ctx, tx, tr, kinds, dup)
	})
}

func TestCheckTrip_DriverOverlap(t *testing.T) {
	e := newEnv()
	d := New(0)
	e.insert(t, &models.Trip{DateTime: base, DriverID: &e.drv, BusID: e.busA, RouteID: e.routeID, SecretaryID: e.sec, Status: models.TripStatusScheduled})

	// D+1h, same driver, other bus
	cand := &models.Trip{DateTime: base.Add(time.Hour), DriverID: &e.drv, BusID: e.busB, RouteID: e.routeID, SecretaryID: e.sec}
	err := e.check(d, cand, nil, true)
	require.True(t, domain.IsConflict(err))
	require.Contains(t, err.Error(), "driver")

	// the window is inclusive on both ends
	cand.DateTime = base.Add(2 * time.Hour)
	require.True(t, domain.IsConflict(e.check(d, cand, nil, true)))

	cand.DateTime = base.Add(2*time.Hour + time.Minute)
	require.NoError(t, e.check(d, cand, nil, true))

	// driver not in the checked set
	cand.DateTime = base.Add(time.Hour)
	require.NoError(t, e.check(d, cand, []models.ResourceKind{models.ResourceBus}, false))
}

func TestCheckTrip_CancelledTripStillReserves(t *testing.T) {
	e := newEnv()
	d := New(0)
	e.insert(t, &models.Trip{DateTime: base, BusID: e.busA, RouteID: e.routeID, SecretaryID: e.sec, Status: models.TripStatusCancelled})

	cand := &models.Trip{DateTime: base.Add(30 * time.Minute), BusID: e.busA, RouteID: e.routeID, SecretaryID: e.sec}
	require.True(t, domain.IsConflict(e.check(d, cand, nil, true)))
}

func TestCheckTrip_ConfigurableBuffer(t *testing.T) {
	e := newEnv()
	e.insert(t, &models.Trip{DateTime: base, AssistantID: &e.asst, BusID: e.busA, RouteID: e.routeID, SecretaryID: e.sec})

	cand := &models.Trip{DateTime: base.Add(45 * time.Minute), AssistantID: &e.asst, BusID: e.busB, RouteID: e.routeID, SecretaryID: e.sec}
	require.True(t, domain.IsConflict(e.check(New(time.Hour), cand, nil, false)))
	require.NoError(t, e.check(New(30*time.Minute), cand, nil, false))
}

func TestFindConflictWithin_PerCallBuffer(t *testing.T) {
	e := newEnv()
	d := New(0)
	first := &models.Trip{DateTime: base, DriverID: &e.drv, BusID: e.busA, RouteID: e.routeID, SecretaryID: e.sec}
	e.insert(t, first)

	find := func(at time.Time, buffer time.Duration) *models.Trip {
		var out *models.Trip
		require.NoError(t, e.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
			var err error
			out, err = d.FindConflictWithin(ctx, tx, models.ResourceDriver, e.drv, at, buffer, 0)
			return err
		}))
		return out
	}

	// 3h apart: clear under the default window, busy under a 4h one
	require.Nil(t, find(base.Add(3*time.Hour), 0))
	got := find(base.Add(3*time.Hour), 4*time.Hour)
	require.NotNil(t, got)
	require.Equal(t, first.ID, got.ID)

	// a narrower window than the detector's
	require.NotNil(t, find(base.Add(90*time.Minute), 0))
	require.Nil(t, find(base.Add(90*time.Minute), time.Hour))
	require.Equal(t, DefaultBuffer, d.Buffer())
}

func TestFindDuplicate_NullableAsIsNull(t *testing.T) {
	e := newEnv()
	d := New(time.Minute)
	existing := &models.Trip{DateTime: base, BusID: e.busA, RouteID: e.routeID, SecretaryID: e.sec}
	e.insert(t, existing)

	require.NoError(t, e.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		dup, err := d.FindDuplicate(ctx, tx, models.TripKey{DateTime: base, BusID: e.busA, RouteID: e.routeID}, 0)
		require.NoError(t, err)
		require.NotNil(t, dup)
		require.Equal(t, existing.ID, dup.ID)

		// driver set on the candidate: not the same tuple
		dup, err = d.FindDuplicate(ctx, tx, models.TripKey{DateTime: base, BusID: e.busA, RouteID: e.routeID, DriverID: &e.drv}, 0)
		require.NoError(t, err)
		require.Nil(t, dup)

		dup, err = d.FindDuplicate(ctx, tx, existing.Key(), existing.ID)
		require.NoError(t, err)
		require.Nil(t, dup)
		return nil
	}))
}

func TestCheckTrip_SelfExcluded(t *testing.T) {
	e := newEnv()
	d := New(0)
	tr := &models.Trip{DateTime: base, DriverID: &e.drv, BusID: e.busA, RouteID: e.routeID, SecretaryID: e.sec}
	e.insert(t, tr)

	require.NoError(t, e.check(d, tr, nil, true))
}
