package seats

import (
	"context"
	"testing"
	"time"

	"github.com/BearBump/BusBox/internal/domain"
	"github.com/BearBump/BusBox/internal/models"
	"github.com/BearBump/BusBox/internal/storage"
	"github.com/BearBump/BusBox/internal/storage/memstore"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/suite"
)

type AllocatorSuite struct {
	suite.Suite

	st      *memstore.Store
	alloc   *Allocator
	sec     int64
	trip    *models.Trip
	seats   []int64
	clients []int64
	other   []int64
}

func (s *AllocatorSuite) SetupTest() {
	s.st = memstore.New()
	s.alloc = New(s.st)
	s.sec = s.st.AddUser("sec", models.RoleSecretary)
	busID, seats := s.st.AddBus("A-1", 4)
	_, other := s.st.AddBus("B-2", 2)
	s.seats, s.other = seats, other
	routeID := s.st.AddRoute("r")
	s.clients = []int64{s.st.AddClient("a"), s.st.AddClient("b")}

	s.trip = &models.Trip{
		DateTime:    time.Date(2030, 1, 1, 8, 0, 0, 0, time.UTC),
		Status:      models.TripStatusScheduled,
		BusID:       busID,
		RouteID:     routeID,
		SecretaryID: s.sec,
	}
	s.Require().NoError(s.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTrip(ctx, s.trip)
	}))
}

func (s *AllocatorSuite) book(seatID, clientID int64, state models.TicketState) {
	s.Require().NoError(s.st.InTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		return tx.InsertTicket(ctx, &models.Ticket{
			State: state, TripID: s.trip.ID, SeatID: seatID, ClientID: clientID,
			SecretaryID: s.sec, Price: decimal.NewFromInt(10), PaymentMethod: models.PaymentCard,
		})
	}))
}

func (s *AllocatorSuite) TestAvailableSeatsDerivedFromActiveTickets() {
	s.book(s.seats[0], s.clients[0], models.TicketStateConfirmed)
	s.book(s.seats[1], s.clients[1], models.TicketStateCancelled)

	free, err := s.alloc.AvailableSeats(context.Background(), s.trip.ID)
	s.Require().NoError(err)
	s.Require().Len(free, 3)
	for _, seat := range free {
		s.Require().NotEqual(s.seats[0], seat.ID)
	}

	n, err := s.alloc.OccupiedCount(context.Background(), s.trip.ID)
	s.Require().NoError(err)
	s.Require().Equal(1, n)
}

func (s *AllocatorSuite) TestChecks() {
	s.book(s.seats[0], s.clients[0], models.TicketStatePending)
	ctx := context.Background()

	err := s.alloc.CheckSeatFree(ctx, s.trip.ID, s.seats[0], 0)
	s.Require().True(domain.IsConflict(err))
	s.Require().NoError(s.alloc.CheckSeatFree(ctx, s.trip.ID, s.seats[1], 0))

	err = s.alloc.CheckClientFree(ctx, s.trip.ID, s.clients[0], 0)
	s.Require().True(domain.IsConflict(err))
	s.Require().NoError(s.alloc.CheckClientFree(ctx, s.trip.ID, s.clients[1], 0))

	// место с другого автобуса
	err = s.alloc.CheckSeatFree(ctx, s.trip.ID, s.other[0], 0)
	s.Require().True(domain.IsValidation(err))

	_, err = s.alloc.AvailableSeats(ctx, 12345)
	s.Require().True(domain.IsNotFound(err))
}

func (s *AllocatorSuite) TestUpdateSeat() {
	ctx := context.Background()
	num := 40
	seat, err := s.alloc.UpdateSeat(ctx, &s.sec, s.seats[3], models.SeatPatch{SeatNumber: &num})
	s.Require().NoError(err)
	s.Require().Equal(40, seat.SeatNumber)

	// position already used on this bus
	one := 1
	_, err = s.alloc.UpdateSeat(ctx, &s.sec, s.seats[2], models.SeatPatch{SeatNumber: &one})
	s.Require().True(domain.IsConflict(err))

	s.book(s.seats[2], s.clients[0], models.TicketStateCancelled)
	num = 41
	_, err = s.alloc.UpdateSeat(ctx, &s.sec, s.seats[2], models.SeatPatch{SeatNumber: &num})
	s.Require().True(domain.IsConflict(err), "any ticket freezes the layout")

	drv := s.st.AddUser("d", models.RoleDriver)
	_, err = s.alloc.UpdateSeat(ctx, &drv, s.seats[1], models.SeatPatch{SeatNumber: &num})
	s.Require().True(domain.IsForbidden(err))

	zero := 0
	_, err = s.alloc.UpdateSeat(ctx, &s.sec, s.seats[1], models.SeatPatch{Deck: &zero})
	s.Require().True(domain.IsValidation(err))
}

func TestAllocatorSuite(t *testing.T) {
	suite.Run(t, new(AllocatorSuite))
}
