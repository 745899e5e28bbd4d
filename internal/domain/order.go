package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Status is the aggregate's position in the order state machine (§4.1):
//
//	none --Created--> Created
//	Created --Paid--> Paid
//	Paid --Shipped--> Shipped
//	Created | Paid --Cancelled--> Cancelled
//
// Shipped and Cancelled are terminal; every other transition is illegal.
type Status string

const (
	StatusNone      Status = ""
	StatusCreated   Status = "Created"
	StatusPaid      Status = "Paid"
	StatusShipped   Status = "Shipped"
	StatusCancelled Status = "Cancelled"
)

// StoredEvent is the wire shape of one persisted event, independent of
// any storage engine: aggregate id, dense version, timestamp, kind tag,
// and an encoded payload. The event store produces these on load; the
// aggregate decodes and applies them in order.
type StoredEvent struct {
	AggregateID string
	Version     int
	Timestamp   time.Time
	Kind        string
	Payload     []byte
}

// Order is the write-side aggregate for one order. Its state is the
// fold of its event history; Version is -1 until a Created event has
// been applied. Uncommitted holds events produced by the current
// command, pending append by the Command Handler.
type Order struct {
	ID              string
	CustomerID      string
	TotalAmount     decimal.Decimal
	ShippingAddress string
	Items           []Item
	Status          Status
	Version         int

	PaymentID      string
	PaymentMethod  string
	ShipmentID     string
	TrackingNumber string

	Uncommitted []Event
}

// NewOrder returns an empty, unhydrated aggregate for the given id.
func NewOrder(id string) *Order {
	return &Order{ID: id, Version: -1, Status: StatusNone}
}

// Now is overridable in tests so Ship's shipped_date is deterministic.
var Now = time.Now

// Create emits a Created event at version 0. Fails with
// ErrIllegalTransition if the order already has events, and with
// ErrInvalidCommand if items is empty.
func (o *Order) Create(customerID string, items []Item, shippingAddress string) error {
	if o.Status != StatusNone {
		return fmt.Errorf("cannot create from status %s: %w", o.Status, ErrIllegalTransition)
	}
	if len(items) == 0 {
		return fmt.Errorf("order must have at least one item: %w", ErrInvalidCommand)
	}
	for _, it := range items {
		if it.Quantity < 1 {
			return fmt.Errorf("item %s quantity must be >= 1: %w", it.ProductID, ErrInvalidCommand)
		}
		if it.UnitPrice.IsNegative() {
			return fmt.Errorf("item %s unit price must be >= 0: %w", it.ProductID, ErrInvalidCommand)
		}
	}

	total := decimal.Zero
	for _, it := range items {
		total = total.Add(it.Subtotal())
	}

	evt := Created{
		CustomerID:      customerID,
		Items:           items,
		TotalAmount:     total,
		ShippingAddress: shippingAddress,
	}
	o.apply(evt, o.Version+1)
	o.Uncommitted = append(o.Uncommitted, evt)
	return nil
}

// MarkPaid emits a Paid event. Fails with ErrIllegalTransition if the
// order is already Paid, Shipped, or Cancelled; fails with
// ErrInvalidCommand if amount does not equal TotalAmount.
func (o *Order) MarkPaid(paymentID string, amount decimal.Decimal, method string) error {
	switch o.Status {
	case StatusPaid, StatusShipped, StatusCancelled:
		return fmt.Errorf("cannot mark paid from status %s: %w", o.Status, ErrIllegalTransition)
	case StatusCreated:
		// ok
	default:
		return fmt.Errorf("cannot mark paid from status %s: %w", o.Status, ErrIllegalTransition)
	}
	if !amount.Equal(o.TotalAmount) {
		return fmt.Errorf("amount %s does not match total %s: %w", amount, o.TotalAmount, ErrInvalidCommand)
	}

	evt := Paid{PaymentID: paymentID, AmountPaid: amount, PaymentMethod: method}
	o.apply(evt, o.Version+1)
	o.Uncommitted = append(o.Uncommitted, evt)
	return nil
}

// Ship emits a Shipped event. Fails with ErrIllegalTransition unless the
// order is currently Paid.
func (o *Order) Ship(shipmentID, trackingNumber string) error {
	if o.Status != StatusPaid {
		return fmt.Errorf("cannot ship from status %s: %w", o.Status, ErrIllegalTransition)
	}

	evt := Shipped{ShipmentID: shipmentID, TrackingNumber: trackingNumber, ShippedDate: Now().UTC()}
	o.apply(evt, o.Version+1)
	o.Uncommitted = append(o.Uncommitted, evt)
	return nil
}

// Cancel emits a Cancelled event. Fails with ErrIllegalTransition if the
// order is already Shipped or Cancelled. RefundRequired is set when the
// prior status was Paid.
func (o *Order) Cancel(reason string) error {
	if o.Status == StatusShipped || o.Status == StatusCancelled {
		return fmt.Errorf("cannot cancel from status %s: %w", o.Status, ErrIllegalTransition)
	}

	evt := Cancelled{Reason: reason, RefundRequired: o.Status == StatusPaid}
	o.apply(evt, o.Version+1)
	o.Uncommitted = append(o.Uncommitted, evt)
	return nil
}

// apply mutates state for one event and advances Version. It is the
// single place both command-produced and rehydrated events flow through.
func (o *Order) apply(e Event, version int) {
	switch evt := e.(type) {
	case Created:
		o.CustomerID = evt.CustomerID
		o.Items = evt.Items
		o.TotalAmount = evt.TotalAmount
		o.ShippingAddress = evt.ShippingAddress
		o.Status = StatusCreated
	case Paid:
		o.PaymentID = evt.PaymentID
		o.PaymentMethod = evt.PaymentMethod
		o.Status = StatusPaid
	case Shipped:
		o.ShipmentID = evt.ShipmentID
		o.TrackingNumber = evt.TrackingNumber
		o.Status = StatusShipped
	case Cancelled:
		o.Status = StatusCancelled
	}
	o.Version = version
}

// Rehydrate replays a dense, version-ordered event history onto a fresh
// aggregate. It fails with ErrCorruptStream if versions are not exactly
// [startVersion+1, startVersion+2, ...] — non-dense or non-monotonic.
func (o *Order) Rehydrate(history []StoredEvent) error {
	expected := o.Version + 1
	for _, rec := range history {
		if rec.Version != expected {
			return fmt.Errorf("expected version %d, got %d for aggregate %s: %w", expected, rec.Version, rec.AggregateID, ErrCorruptStream)
		}
		evt, err := Decode(rec.Kind, rec.Payload)
		if err != nil {
			return fmt.Errorf("decode event kind %s at version %d: %w", rec.Kind, rec.Version, err)
		}
		o.apply(evt, rec.Version)
		expected++
	}
	return nil
}

// Decode unmarshals a JSON payload into the Event variant named by kind.
// Returns an error for any kind outside the closed set.
func Decode(kind string, payload []byte) (Event, error) {
	switch kind {
	case KindCreated:
		var e Created
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindPaid:
		var e Paid
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindShipped:
		var e Shipped
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	case KindCancelled:
		var e Cancelled
		if err := json.Unmarshal(payload, &e); err != nil {
			return nil, err
		}
		return e, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}

// Encode marshals an Event's payload to JSON for storage/publication.
func Encode(e Event) ([]byte, error) {
	return json.Marshal(e)
}
