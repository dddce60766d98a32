package models

import "time"

type TripStatus string

const (
	TripStatusScheduled TripStatus = "scheduled"
	TripStatusBoarding  TripStatus = "boarding"
	TripStatusDeparted  TripStatus = "departed"
	TripStatusArrived   TripStatus = "arrived"
	TripStatusCancelled TripStatus = "cancelled"
	TripStatusDelayed   TripStatus = "delayed"
)

type Trip struct {
	ID          int64      `json:"id"`
	DateTime    time.Time  `json:"datetime"`
	Status      TripStatus `json:"status"`
	DriverID    *int64     `json:"driver_id,omitempty"`
	BusID       int64      `json:"bus_id"`
	AssistantID *int64     `json:"assistant_id,omitempty"`
	RouteID     int64      `json:"route_id"`
	SecretaryID int64      `json:"secretary_id"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Key is the tuple two trips may never share.
func (t *Trip) Key() TripKey {
	return TripKey{
		DateTime:    t.DateTime,
		BusID:       t.BusID,
		RouteID:     t.RouteID,
		DriverID:    t.DriverID,
		AssistantID: t.AssistantID,
	}
}

type TripKey struct {
	DateTime    time.Time
	BusID       int64
	RouteID     int64
	DriverID    *int64
	AssistantID *int64
}

type TripCreateInput struct {
	DateTime    time.Time
	DriverID    *int64
	BusID       int64
	AssistantID *int64
	RouteID     int64
	SecretaryID int64
}

// TripPatch carries optional changes. ClearDriver and ClearAssistant unset
// the nullable references and win over DriverID/AssistantID.
type TripPatch struct {
	DateTime       *time.Time
	DriverID       *int64
	ClearDriver    bool
	BusID          *int64
	AssistantID    *int64
	ClearAssistant bool
	RouteID        *int64
	Status         *TripStatus
}

type TripFilter struct {
	From              *time.Time
	To                *time.Time
	RouteID           *int64
	Status            *TripStatus
	MinAvailableSeats int
	Limit             int
	Offset            int
}

// ResourceKind names the scheduled resources that cannot be double-booked.
type ResourceKind string

const (
	ResourceDriver    ResourceKind = "driver"
	ResourceBus       ResourceKind = "bus"
	ResourceAssistant ResourceKind = "assistant"
)
