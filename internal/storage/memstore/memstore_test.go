package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func seedTrip(t *testing.T, s *Store) (*models.Trip, []int64, []int64) {
	t.Helper()
	secID := s.AddUser("sec", models.RoleSecretary)
	drvID := s.AddUser("drv", models.RoleDriver)
	busID, seats := s.AddBus("A-1", 2)
	routeID := s.AddRoute("Lima-Cusco")
	clients := []int64{s.AddClient("a"), s.AddClient("b"), s.AddClient("c")}

	tr := &models.Trip{
		DateTime:    time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC),
		Status:      models.TripStatusScheduled,
		DriverID:    &drvID,
		BusID:       busID,
		RouteID:     routeID,
		SecretaryID: secID,
	}
	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTrip(ctx, tr)
	}))
	return tr, seats, clients
}

func ticket(tripID, seatID, clientID int64) *models.Ticket {
	return &models.Ticket{
		State:         models.TicketStatePending,
		TripID:        tripID,
		SeatID:        seatID,
		ClientID:      clientID,
		Price:         decimal.NewFromInt(20),
		PaymentMethod: models.PaymentCash,
	}
}

func TestStore_RollbackOnError(t *testing.T) {
	s := New()
	tr, seats, clients := seedTrip(t, s)
	boom := errors.New("boom")

	err := s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		if err := tx.InsertTicket(ctx, ticket(tr.ID, seats[0], clients[0])); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		n, err := tx.CountTripTickets(ctx, tr.ID)
		require.Equal(t, 0, n)
		return err
	}))
}

func TestStore_TicketGuards(t *testing.T) {
	s := New()
	tr, seats, clients := seedTrip(t, s)
	ctx := context.Background()

	first := ticket(tr.ID, seats[0], clients[0])
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.InsertTicket(ctx, first) }))

	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTicket(ctx, ticket(tr.ID, seats[0], clients[1]))
	})
	require.True(t, domain.IsConflict(err))

	err = s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTicket(ctx, ticket(tr.ID, seats[1], clients[0]))
	})
	require.True(t, domain.IsConflict(err))

	// inactive tickets never conflict
	cancelled := ticket(tr.ID, seats[0], clients[2])
	cancelled.State = models.TicketStateCancelled
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.InsertTicket(ctx, cancelled) }))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		got, err := tx.FindActiveTicketBySeat(ctx, tr.ID, seats[0], 0)
		require.NoError(t, err)
		require.Equal(t, first.ID, got.ID)

		_, err = tx.FindActiveTicketBySeat(ctx, tr.ID, seats[0], first.ID)
		require.ErrorIs(t, err, storage.ErrNotFound)
		return nil
	}))
}

func TestStore_ConcurrentBookingSameSeat(t *testing.T) {
	s := New()
	tr, seats, _ := seedTrip(t, s)

	const n = 20
	var wg sync.WaitGroup
	var mu sync.Mutex
	ok, conflicts := 0, 0
	for i := 0; i < n; i++ {
		clientID := s.AddClient("c")
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
				return tx.InsertTicket(ctx, ticket(tr.ID, seats[0], clientID))
			})
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				ok++
			} else if domain.IsConflict(err) {
				conflicts++
			}
		}()
	}
	wg.Wait()
	require.Equal(t, 1, ok)
	require.Equal(t, n-1, conflicts)
}

func TestStore_TripTupleAndSearch(t *testing.T) {
	s := New()
	tr, seats, clients := seedTrip(t, s)
	ctx := context.Background()

	dup := *tr
	dup.ID = 0
	err := s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.InsertTrip(ctx, &dup) })
	require.True(t, domain.IsConflict(err))

	// other datetime is fine
	dup.DateTime = dup.DateTime.Add(time.Hour)
	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error { return tx.InsertTrip(ctx, &dup) }))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTicket(ctx, ticket(tr.ID, seats[0], clients[0]))
	}))

	require.NoError(t, s.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		all, err := tx.ListTrips(ctx, models.TripFilter{MinAvailableSeats: 2})
		require.NoError(t, err)
		require.Len(t, all, 1)
		require.Equal(t, dup.ID, all[0].ID)

		busy, err := tx.ListResourceTrips(ctx, models.ResourceDriver, *tr.DriverID,
			tr.DateTime.Add(-2*time.Hour), tr.DateTime.Add(2*time.Hour), tr.ID)
		require.NoError(t, err)
		require.Len(t, busy, 1)
		require.Equal(t, dup.ID, busy[0].ID)
		return nil
	}))
}

func TestStore_OutboxLease(t *testing.T) {
	s := New()
	now := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, s.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.EnqueueEvent(ctx, &models.OutboxEvent{EventID: "e1", Topic: "t", Key: "k", Payload: []byte("{}"), NextAttemptAt: now})
	}))

	due, err := s.ClaimDueEvents(context.Background(), now, 10, time.Minute)
	require.NoError(t, err)
	require.Len(t, due, 1)

	due, err = s.ClaimDueEvents(context.Background(), now.Add(30*time.Second), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, due)

	require.NoError(t, s.MarkEventFailed(context.Background(), 1, "down", now))
	require.Equal(t, int32(1), s.Events()[0].Attempts)
	require.NoError(t, s.MarkEventPublished(context.Background(), 1, now))

	due, err = s.ClaimDueEvents(context.Background(), now.Add(time.Hour), 10, time.Minute)
	require.NoError(t, err)
	require.Empty(t, due)
}
