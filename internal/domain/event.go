package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Event kind discriminators. Persisted alongside the payload and used to
// dispatch decode + apply; the set is closed.
const (
	KindCreated   = "Created"
	KindPaid      = "Paid"
	KindShipped   = "Shipped"
	KindCancelled = "Cancelled"
)

// Event is the closed sum type of order domain events. Every variant
// implements EventType so the event store and publisher can tag the
// payload without reflection.
type Event interface {
	EventType() string
}

// Item is a line item on an order. Quantity must be >= 1 and UnitPrice
// must be >= 0; both are enforced by Order.Create.
type Item struct {
	ProductID   string          `json:"product_id"`
	ProductName string          `json:"product_name"`
	Quantity    int             `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unit_price"`
}

// Subtotal returns Quantity * UnitPrice for this line item.
func (i Item) Subtotal() decimal.Decimal {
	return i.UnitPrice.Mul(decimal.NewFromInt(int64(i.Quantity)))
}

// Created is emitted at version 0 when an order is first placed.
type Created struct {
	CustomerID      string          `json:"customer_id"`
	Items           []Item          `json:"items"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
}

func (Created) EventType() string { return KindCreated }

// Paid is emitted when payment is recorded against a Created order.
type Paid struct {
	PaymentID     string          `json:"payment_id"`
	AmountPaid    decimal.Decimal `json:"amount_paid"`
	PaymentMethod string          `json:"payment_method"`
}

func (Paid) EventType() string { return KindPaid }

// Shipped is emitted when a paid order is handed to a carrier.
type Shipped struct {
	ShipmentID     string    `json:"shipment_id"`
	TrackingNumber string    `json:"tracking_number"`
	ShippedDate    time.Time `json:"shipped_date"`
}

func (Shipped) EventType() string { return KindShipped }

// Cancelled is emitted when an order is cancelled before shipping.
type Cancelled struct {
	Reason         string `json:"reason"`
	RefundRequired bool   `json:"refund_required"`
}

func (Cancelled) EventType() string { return KindCancelled }
