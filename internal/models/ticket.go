package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type TicketState string

const (
	TicketStatePending   TicketState = "pending"
	TicketStateConfirmed TicketState = "confirmed"
	TicketStateCancelled TicketState = "cancelled"
	TicketStateCompleted TicketState = "completed"
)

// IsActive reports whether a ticket in this state occupies its seat and
// counts against the client's one-ticket-per-trip limit.
func (s TicketState) IsActive() bool {
	return s == TicketStatePending || s == TicketStateConfirmed
}

// ActiveTicketStates lists the states for which IsActive is true.
var ActiveTicketStates = []TicketState{TicketStatePending, TicketStateConfirmed}

type PaymentMethod string

const (
	PaymentCash     PaymentMethod = "cash"
	PaymentCard     PaymentMethod = "card"
	PaymentTransfer PaymentMethod = "transfer"
)

func (m PaymentMethod) Valid() bool {
	switch m {
	case PaymentCash, PaymentCard, PaymentTransfer:
		return true
	}
	return false
}

type Ticket struct {
	ID            int64           `json:"id"`
	State         TicketState     `json:"state"`
	SeatID        int64           `json:"seat_id"`
	ClientID      int64           `json:"client_id"`
	TripID        int64           `json:"trip_id"`
	SecretaryID   int64           `json:"secretary_id"`
	Price         decimal.Decimal `json:"price"`
	PaymentMethod PaymentMethod   `json:"payment_method"`
	Destination   string          `json:"destination"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

type TicketCreateInput struct {
	TripID        int64
	SeatID        int64
	ClientID      int64
	OperatorID    int64
	Price         decimal.Decimal
	PaymentMethod PaymentMethod
	Destination   string
	// State defaults to pending.
	State TicketState
}

type TicketPatch struct {
	State         *TicketState
	SeatID        *int64
	ClientID      *int64
	Price         *decimal.Decimal
	PaymentMethod *PaymentMethod
	Destination   *string
}
