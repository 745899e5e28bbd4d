package readmodel

import (
	"context"
	"sync"

	"github.com/ordercore/orderservice/internal/domain"
)

// Row is the denormalized read-model snapshot MemoryStore keeps for one
// aggregate, enough to assert the §4.5 apply effects in tests without a
// live Postgres instance.
type Row struct {
	CustomerID         string
	TotalAmount        string
	ShippingAddress    string
	Status             domain.Status
	PaymentID          string
	PaymentMethod      string
	ShipmentID         string
	TrackingNumber     string
	Items              []domain.Item
	History            []HistoryEntry
	LastAppliedVersion int
}

// HistoryEntry mirrors one order_status_history row.
type HistoryEntry struct {
	Status domain.Status
	Reason string
}

// MemoryStore is an in-memory Store grounded on eventstore.MemoryStore's
// approach to exercising the same interface the Projection Consumer
// drives in production, without a database.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*Row
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*Row)}
}

// Row returns a copy of the current row for aggregateID, or false if
// none exists yet.
func (m *MemoryStore) Row(aggregateID string) (Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[aggregateID]
	if !ok {
		return Row{}, false
	}
	return *row, true
}

func (m *MemoryStore) Apply(_ context.Context, evt ProjectedEvent) (Outcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	row, exists := m.rows[evt.AggregateID]
	current := -1
	if exists {
		current = row.LastAppliedVersion
	}

	switch {
	case evt.Version <= current:
		return Ignored, nil
	case evt.Version > current+1:
		return Gap, nil
	}

	if !exists {
		row = &Row{LastAppliedVersion: -1}
		m.rows[evt.AggregateID] = row
	}

	switch e := evt.Event.(type) {
	case domain.Created:
		row.CustomerID = e.CustomerID
		row.ShippingAddress = e.ShippingAddress
		row.TotalAmount = e.TotalAmount.String()
		row.Items = e.Items
		row.Status = domain.StatusCreated
		row.History = append(row.History, HistoryEntry{Status: domain.StatusCreated})
	case domain.Paid:
		row.PaymentID = e.PaymentID
		row.PaymentMethod = e.PaymentMethod
		row.Status = domain.StatusPaid
		row.History = append(row.History, HistoryEntry{Status: domain.StatusPaid})
	case domain.Shipped:
		row.ShipmentID = e.ShipmentID
		row.TrackingNumber = e.TrackingNumber
		row.Status = domain.StatusShipped
		row.History = append(row.History, HistoryEntry{Status: domain.StatusShipped})
	case domain.Cancelled:
		row.Status = domain.StatusCancelled
		row.History = append(row.History, HistoryEntry{Status: domain.StatusCancelled, Reason: e.Reason})
	}
	row.LastAppliedVersion = evt.Version

	return Applied, nil
}

var _ Store = (*MemoryStore)(nil)
