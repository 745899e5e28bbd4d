package eventstore

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/ordercore/orderservice/internal/domain"
)

// snapshotSchemaVersion tags the shape of the marshalled state blob so a
// future format change can be detected on load. Bump when
// orderSnapshotState changes shape.
const snapshotSchemaVersion = 1

// orderSnapshotState is the serialized shape of a snapshot's state blob.
// Bump snapshotSchemaVersion when this shape changes.
type orderSnapshotState struct {
	CustomerID      string          `json:"customer_id"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	ShippingAddress string          `json:"shipping_address"`
	Items           []domain.Item   `json:"items"`
	Status          domain.Status   `json:"status"`
	PaymentID       string          `json:"payment_id"`
	PaymentMethod   string          `json:"payment_method"`
	ShipmentID      string          `json:"shipment_id"`
	TrackingNumber  string          `json:"tracking_number"`
}

// encodeSnapshotState marshals an aggregate's current state for
// persistence as a Snapshot's State blob.
func encodeSnapshotState(o *domain.Order) ([]byte, error) {
	return json.Marshal(orderSnapshotState{
		CustomerID:      o.CustomerID,
		TotalAmount:     o.TotalAmount,
		ShippingAddress: o.ShippingAddress,
		Items:           o.Items,
		Status:          o.Status,
		PaymentID:       o.PaymentID,
		PaymentMethod:   o.PaymentMethod,
		ShipmentID:      o.ShipmentID,
		TrackingNumber:  o.TrackingNumber,
	})
}

// ApplySnapshot hydrates a freshly constructed aggregate with a
// previously saved Snapshot, so the Command Handler can resume loading
// from snap.Version+1 rather than replaying full history. snap must have
// been produced by this package; SchemaVersion mismatches are rejected
// rather than guessed at.
func ApplySnapshot(o *domain.Order, snap Snapshot) error {
	if snap.SchemaVersion != snapshotSchemaVersion {
		return fmt.Errorf("snapshot schema version %d unsupported, want %d", snap.SchemaVersion, snapshotSchemaVersion)
	}

	var state orderSnapshotState
	if err := json.Unmarshal(snap.State, &state); err != nil {
		return fmt.Errorf("decode snapshot state: %w", err)
	}

	o.CustomerID = state.CustomerID
	o.TotalAmount = state.TotalAmount
	o.ShippingAddress = state.ShippingAddress
	o.Items = state.Items
	o.Status = state.Status
	o.PaymentID = state.PaymentID
	o.PaymentMethod = state.PaymentMethod
	o.ShipmentID = state.ShipmentID
	o.TrackingNumber = state.TrackingNumber
	o.Version = snap.Version
	return nil
}
