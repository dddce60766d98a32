package tickets

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/services/history"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/BearBump/BusBox/internal/storage/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type ServiceSuite struct {
	suite.Suite

	st      *memstore.Store
	ledger  *history.Ledger
	svc     *Service
	now     time.Time
	sec     int64
	drv     int64
	trip    *models.Trip
	seats   []int64
	foreign int64
	clients []int64
}

func (s *ServiceSuite) SetupTest() {
	s.now = time.Date(2030, 6, 1, 9, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	s.st = memstore.New()
	s.ledger = history.New(s.st, "").WithClock(clock)
	s.svc = New(s.st, s.ledger).WithClock(clock)

	s.sec = s.st.AddUser("sec", models.RoleSecretary)
	s.drv = s.st.AddUser("drv", models.RoleDriver)
	busID, seats := s.st.AddBus("A-1", 12)
	_, other := s.st.AddBus("B-1", 1)
	s.seats, s.foreign = seats, other[0]
	routeID := s.st.AddRoute("r")
	s.clients = []int64{s.st.AddClient("c1"), s.st.AddClient("c2"), s.st.AddClient("c3")}

	s.trip = &models.Trip{
		DateTime:    s.now.Add(24 * time.Hour),
		Status:      models.TripStatusScheduled,
		BusID:       busID,
		RouteID:     routeID,
		SecretaryID: s.sec,
	}
	s.Require().NoError(s.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTrip(ctx, s.trip)
	}))
}

func (s *ServiceSuite) input(seatID, clientID int64) models.TicketCreateInput {
	return models.TicketCreateInput{
		TripID:        s.trip.ID,
		SeatID:        seatID,
		ClientID:      clientID,
		OperatorID:    s.sec,
		Price:         decimal.RequireFromString("45.00"),
		PaymentMethod: models.PaymentCash,
		Destination:   "Cusco",
	}
}

func (s *ServiceSuite) history(id int64) []*models.HistoryEntry {
	entries, err := s.svc.History(context.Background(), id, 0, 0)
	s.Require().NoError(err)
	return entries
}

func (s *ServiceSuite) TestCreate_LedgersInitialState() {
	tk, err := s.svc.Create(context.Background(), s.input(s.seats[11], s.clients[0]))
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStatePending, tk.State)
	s.Require().Equal(s.sec, tk.SecretaryID)

	h := s.history(tk.ID)
	s.Require().Len(h, 1)
	s.Require().Nil(h[0].OldValue)
	s.Require().Equal("pending", h[0].NewValue)
	s.Require().Equal(s.sec, *h[0].ActorID)
}

func (s *ServiceSuite) TestCreate_SameSeatConflict() {
	// seat 12, client 1 -> ok; client 2 on the same seat -> Conflict
	_, err := s.svc.Create(context.Background(), s.input(s.seats[11], s.clients[0]))
	s.Require().NoError(err)

	_, err = s.svc.Create(context.Background(), s.input(s.seats[11], s.clients[1]))
	s.Require().True(domain.IsConflict(err), "got %v", err)
}

func (s *ServiceSuite) TestCreate_ClientOncePerTrip() {
	_, err := s.svc.Create(context.Background(), s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)

	_, err = s.svc.Create(context.Background(), s.input(s.seats[1], s.clients[0]))
	s.Require().True(domain.IsConflict(err))
}

func (s *ServiceSuite) TestCreate_Preconditions() {
	ctx := context.Background()

	in := s.input(s.seats[0], s.clients[0])
	in.TripID = 999
	_, err := s.svc.Create(ctx, in)
	s.Require().True(domain.IsNotFound(err))

	_, err = s.svc.Create(ctx, s.input(999, s.clients[0]))
	s.Require().True(domain.IsNotFound(err))

	_, err = s.svc.Create(ctx, s.input(s.foreign, s.clients[0]))
	s.Require().True(domain.IsValidation(err))

	_, err = s.svc.Create(ctx, s.input(s.seats[0], 999))
	s.Require().True(domain.IsNotFound(err))

	in = s.input(s.seats[0], s.clients[0])
	in.State = "boarded"
	_, err = s.svc.Create(ctx, in)
	s.Require().True(domain.IsValidation(err))

	in = s.input(s.seats[0], s.clients[0])
	in.PaymentMethod = "barter"
	_, err = s.svc.Create(ctx, in)
	s.Require().True(domain.IsValidation(err))

	in = s.input(s.seats[0], s.clients[0])
	in.OperatorID = s.drv
	_, err = s.svc.Create(ctx, in)
	s.Require().True(domain.IsForbidden(err))

	// nothing was written
	s.Require().Empty(s.st.Events())
}

func (s *ServiceSuite) TestCreate_ConfirmedInitialState() {
	in := s.input(s.seats[0], s.clients[0])
	in.State = models.TicketStateConfirmed
	tk, err := s.svc.Create(context.Background(), in)
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStateConfirmed, tk.State)
}

func (s *ServiceSuite) TestUpdate_CancelledToConfirmedRejected() {
	ctx := context.Background()
	tk, err := s.svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)
	_, err = s.svc.Cancel(ctx, s.sec, tk.ID)
	s.Require().NoError(err)

	confirmed := models.TicketStateConfirmed
	_, err = s.svc.Update(ctx, s.sec, tk.ID, models.TicketPatch{State: &confirmed})
	s.Require().True(domain.IsInvalidTransition(err))
	s.Require().Contains(err.Error(), "allowed: []")

	got, err := s.svc.Get(ctx, tk.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStateCancelled, got.State)
	s.Require().Len(s.history(tk.ID), 2)
}

func (s *ServiceSuite) TestUpdate_StateSeatAndFields() {
	ctx := context.Background()
	tk, err := s.svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)

	confirmed := models.TicketStateConfirmed
	seat := s.seats[3]
	price := decimal.RequireFromString("50.10")
	dest := "Arequipa"
	out, err := s.svc.Update(ctx, s.sec, tk.ID, models.TicketPatch{State: &confirmed, SeatID: &seat, Price: &price, Destination: &dest})
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStateConfirmed, out.State)
	s.Require().Equal(seat, out.SeatID)
	s.Require().True(price.Equal(out.Price))

	h := s.history(tk.ID)
	s.Require().Len(h, 3)
	fields := map[models.ChangeField]int{}
	for _, e := range h {
		fields[e.Field]++
	}
	s.Require().Equal(2, fields[models.ChangeFieldState])
	s.Require().Equal(1, fields[models.ChangeFieldSeat])

	// the old seat is free again
	_, err = s.svc.Create(ctx, s.input(s.seats[0], s.clients[1]))
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestUpdate_SeatAndClientConflicts() {
	ctx := context.Background()
	a, err := s.svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)
	_, err = s.svc.Create(ctx, s.input(s.seats[1], s.clients[1]))
	s.Require().NoError(err)

	seat := s.seats[1]
	_, err = s.svc.Update(ctx, s.sec, a.ID, models.TicketPatch{SeatID: &seat})
	s.Require().True(domain.IsConflict(err))

	client := s.clients[1]
	_, err = s.svc.Update(ctx, s.sec, a.ID, models.TicketPatch{ClientID: &client})
	s.Require().True(domain.IsConflict(err))

	// own seat is not a conflict
	own := s.seats[0]
	_, err = s.svc.Update(ctx, s.sec, a.ID, models.TicketPatch{SeatID: &own})
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestUpdate_DepartedTripGuard() {
	ctx := context.Background()
	tk, err := s.svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)

	s.now = s.trip.DateTime.Add(time.Hour)

	confirmed := models.TicketStateConfirmed
	_, err = s.svc.Update(ctx, s.sec, tk.ID, models.TicketPatch{State: &confirmed})
	s.Require().True(domain.IsInvalidTransition(err))
	s.Require().Contains(err.Error(), "allowed: [cancelled]")

	// completed is still not an edge from pending
	completed := models.TicketStateCompleted
	_, err = s.svc.Update(ctx, s.sec, tk.ID, models.TicketPatch{State: &completed})
	s.Require().True(domain.IsInvalidTransition(err))

	cancelled := models.TicketStateCancelled
	out, err := s.svc.Update(ctx, s.sec, tk.ID, models.TicketPatch{State: &cancelled})
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStateCancelled, out.State)
}

func (s *ServiceSuite) TestCancel_Idempotent() {
	ctx := context.Background()
	tk, err := s.svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)

	first, err := s.svc.Cancel(ctx, s.sec, tk.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStateCancelled, first.State)

	again, err := s.svc.Cancel(ctx, s.sec, tk.ID)
	s.Require().NoError(err)
	s.Require().Equal(models.TicketStateCancelled, again.State)
	s.Require().Len(s.history(tk.ID), 2)

	// the seat and the client are released
	_, err = s.svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)
}

func (s *ServiceSuite) TestCancel_CompletedRejected() {
	ctx := context.Background()
	in := s.input(s.seats[0], s.clients[0])
	in.State = models.TicketStateConfirmed
	tk, err := s.svc.Create(ctx, in)
	s.Require().NoError(err)

	completed := models.TicketStateCompleted
	_, err = s.svc.Update(ctx, s.sec, tk.ID, models.TicketPatch{State: &completed})
	s.Require().NoError(err)

	_, err = s.svc.Cancel(ctx, s.sec, tk.ID)
	s.Require().True(domain.IsInvalidTransition(err))

	_, err = s.svc.Cancel(ctx, s.sec, 999)
	s.Require().True(domain.IsNotFound(err))
}

func (s *ServiceSuite) TestChangeSeat() {
	ctx := context.Background()
	tk, err := s.svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)
	_, err = s.svc.Create(ctx, s.input(s.seats[1], s.clients[1]))
	s.Require().NoError(err)

	_, err = s.svc.ChangeSeat(ctx, s.sec, tk.ID, s.seats[1])
	s.Require().True(domain.IsConflict(err))

	_, err = s.svc.ChangeSeat(ctx, s.sec, tk.ID, s.foreign)
	s.Require().True(domain.IsValidation(err))

	out, err := s.svc.ChangeSeat(ctx, s.sec, tk.ID, s.seats[5])
	s.Require().NoError(err)
	s.Require().Equal(s.seats[5], out.SeatID)

	h := s.history(tk.ID)
	s.Require().Len(h, 2)
	s.Require().Equal(models.ChangeFieldSeat, h[0].Field)

	// same seat: no new entry
	_, err = s.svc.ChangeSeat(ctx, s.sec, tk.ID, s.seats[5])
	s.Require().NoError(err)
	s.Require().Len(s.history(tk.ID), 2)
}

func (s *ServiceSuite) TestConcurrentCreates_OneWinnerPerSeat() {
	var wg sync.WaitGroup
	errs := make([]error, len(s.clients))
	for i, c := range s.clients {
		wg.Add(1)
		go func(i int, c int64) {
			defer wg.Done()
			_, errs[i] = s.svc.Create(context.Background(), s.input(s.seats[2], c))
		}(i, c)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		s.Require().True(domain.IsConflict(err))
	}
	s.Require().Equal(1, ok)
}

// sharedTripStore records every trip read taken under a shared lock.
type sharedTripStore struct {
	*memstore.Store

	mu     sync.Mutex
	shared []int64
}

func (s *sharedTripStore) InTx(ctx context.Context, fn func(ctx context.Context, tx storage.Tx) error) error {
	return s.Store.InTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		return fn(ctx, sharedTripTx{Tx: tx, st: s})
	})
}

func (s *sharedTripStore) locked() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]int64(nil), s.shared...)
}

type sharedTripTx struct {
	storage.Tx
	st *sharedTripStore
}

func (t sharedTripTx) GetTripForShare(ctx context.Context, id int64) (*models.Trip, error) {
	t.st.mu.Lock()
	t.st.shared = append(t.st.shared, id)
	t.st.mu.Unlock()
	return t.Tx.GetTripForShare(ctx, id)
}

func (s *ServiceSuite) TestWritesHoldSharedTripLock() {
	ctx := context.Background()
	spy := &sharedTripStore{Store: s.st}
	svc := New(spy, history.New(spy, "").WithClock(func() time.Time { return s.now })).
		WithClock(func() time.Time { return s.now })

	tk, err := svc.Create(ctx, s.input(s.seats[0], s.clients[0]))
	s.Require().NoError(err)
	s.Require().Equal([]int64{s.trip.ID}, spy.locked())

	dest := "Puno"
	_, err = svc.Update(ctx, s.sec, tk.ID, models.TicketPatch{Destination: &dest})
	s.Require().NoError(err)
	s.Require().Len(spy.locked(), 2)

	_, err = svc.ChangeSeat(ctx, s.sec, tk.ID, s.seats[1])
	s.Require().NoError(err)
	s.Require().Equal([]int64{s.trip.ID, s.trip.ID, s.trip.ID}, spy.locked())
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}
