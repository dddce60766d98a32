package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type PackageStatus string

const (
	PackageStatusRegisteredAtOffice   PackageStatus = "registered_at_office"
	PackageStatusAssignedToTrip       PackageStatus = "assigned_to_trip"
	PackageStatusInTransit            PackageStatus = "in_transit"
	PackageStatusArrivedAtDestination PackageStatus = "arrived_at_destination"
	PackageStatusDelivered            PackageStatus = "delivered"
)

type PaymentType string

const (
	PaymentTypePrepaid           PaymentType = "prepaid"
	PaymentTypeCollectOnDelivery PaymentType = "collect_on_delivery"
)

type Package struct {
	ID                    int64           `json:"id"`
	TrackingNumber        string          `json:"tracking_number"`
	Status                PackageStatus   `json:"status"`
	TripID                *int64          `json:"trip_id,omitempty"`
	SenderID              int64           `json:"sender_id"`
	RecipientID           int64           `json:"recipient_id"`
	Description           string          `json:"description,omitempty"`
	PaymentType           PaymentType     `json:"payment_type"`
	DeliveryPaymentMethod *PaymentMethod  `json:"delivery_payment_method,omitempty"`
	RegisteredBy          int64           `json:"registered_by"`
	DeliveredAt           *time.Time      `json:"delivered_at,omitempty"`
	Items                 []*PackageItem  `json:"items"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

type PackageItem struct {
	ID          int64           `json:"id"`
	PackageID   int64           `json:"package_id"`
	Description string          `json:"description"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

func (i *PackageItem) LineTotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

func (p *Package) Total() decimal.Decimal {
	total := decimal.Zero
	for _, it := range p.Items {
		total = total.Add(it.LineTotal())
	}
	return total
}

type PackageItemInput struct {
	Description string
	Quantity    int
	UnitPrice   decimal.Decimal
}

type PackageRegisterInput struct {
	TrackingNumber string
	SenderID       int64
	RecipientID    int64
	Description    string
	PaymentType    PaymentType
	OperatorID     int64
	Items          []PackageItemInput
}
