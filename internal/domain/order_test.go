package domain

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func twoAtTen() []Item {
	return []Item{{ProductID: "p1", ProductName: "Widget", Quantity: 2, UnitPrice: dec("10.00")}}
}

func TestCreate_Success(t *testing.T) {
	o := NewOrder("order-1")
	err := o.Create("cust-1", twoAtTen(), "A")
	require.NoError(t, err)

	assert.Equal(t, StatusCreated, o.Status)
	assert.Equal(t, 0, o.Version)
	assert.True(t, o.TotalAmount.Equal(dec("20.00")))
	require.Len(t, o.Uncommitted, 1)
	assert.Equal(t, KindCreated, o.Uncommitted[0].EventType())
}

func TestCreate_EmptyItems(t *testing.T) {
	o := NewOrder("order-1")
	err := o.Create("cust-1", nil, "A")
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Equal(t, -1, o.Version)
	assert.Empty(t, o.Uncommitted)
}

func TestMarkPaid_Success(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))

	err := o.MarkPaid("pay-1", dec("20.00"), "card")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, o.Status)
	assert.Equal(t, 1, o.Version)
}

func TestMarkPaid_AmountMismatch(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))

	err := o.MarkPaid("pay-1", dec("14.99"), "card")
	assert.ErrorIs(t, err, ErrInvalidCommand)
	assert.Equal(t, StatusCreated, o.Status)
	assert.Equal(t, 0, o.Version)
}

func TestMarkPaid_IllegalFromCancelled(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))
	require.NoError(t, o.Cancel("changed mind"))

	err := o.MarkPaid("pay-1", dec("20.00"), "card")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestShip_BeforePay(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))

	err := o.Ship("ship-1", "TRK-1")
	assert.ErrorIs(t, err, ErrIllegalTransition)
	assert.Equal(t, StatusCreated, o.Status)
}

func TestShip_Success(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))
	require.NoError(t, o.MarkPaid("pay-1", dec("20.00"), "card"))

	err := o.Ship("ship-1", "TRK-1")
	require.NoError(t, err)
	assert.Equal(t, StatusShipped, o.Status)
	assert.Equal(t, "TRK-1", o.TrackingNumber)
}

func TestCancel_AfterPayRequiresRefund(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))
	require.NoError(t, o.MarkPaid("pay-1", dec("20.00"), "card"))

	require.NoError(t, o.Cancel("fraud"))
	require.Len(t, o.Uncommitted, 3)
	cancelled := o.Uncommitted[2].(Cancelled)
	assert.True(t, cancelled.RefundRequired)
	assert.Equal(t, "fraud", cancelled.Reason)
}

func TestCancel_BeforePayNoRefund(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))

	require.NoError(t, o.Cancel("changed mind"))
	cancelled := o.Uncommitted[1].(Cancelled)
	assert.False(t, cancelled.RefundRequired)
}

func TestCancel_AfterShipped(t *testing.T) {
	o := NewOrder("order-1")
	require.NoError(t, o.Create("cust-1", twoAtTen(), "A"))
	require.NoError(t, o.MarkPaid("pay-1", dec("20.00"), "card"))
	require.NoError(t, o.Ship("ship-1", "TRK-1"))

	err := o.Cancel("too late")
	assert.ErrorIs(t, err, ErrIllegalTransition)
}

func TestRehydrate_Fidelity(t *testing.T) {
	original := NewOrder("order-1")
	require.NoError(t, original.Create("cust-1", twoAtTen(), "A"))
	require.NoError(t, original.MarkPaid("pay-1", dec("20.00"), "card"))
	require.NoError(t, original.Ship("ship-1", "TRK-1"))

	var history []StoredEvent
	for i, e := range original.Uncommitted {
		payload, err := Encode(e)
		require.NoError(t, err)
		history = append(history, StoredEvent{
			AggregateID: "order-1",
			Version:     i,
			Timestamp:   time.Now().UTC(),
			Kind:        e.EventType(),
			Payload:     payload,
		})
	}

	replayed := NewOrder("order-1")
	require.NoError(t, replayed.Rehydrate(history))

	assert.Equal(t, original.Status, replayed.Status)
	assert.Equal(t, original.Version, replayed.Version)
	assert.Equal(t, original.TrackingNumber, replayed.TrackingNumber)
	assert.True(t, original.TotalAmount.Equal(replayed.TotalAmount))
}

func TestRehydrate_CorruptStream_Gap(t *testing.T) {
	o := NewOrder("order-1")
	payload, err := Encode(Created{CustomerID: "c", Items: twoAtTen(), TotalAmount: dec("20.00"), ShippingAddress: "A"})
	require.NoError(t, err)

	history := []StoredEvent{
		{AggregateID: "order-1", Version: 0, Kind: KindCreated, Payload: payload},
		{AggregateID: "order-1", Version: 2, Kind: KindPaid, Payload: []byte(`{}`)},
	}

	err = o.Rehydrate(history)
	assert.ErrorIs(t, err, ErrCorruptStream)
}

func TestRehydrate_CorruptStream_NonMonotonic(t *testing.T) {
	o := NewOrder("order-1")
	payload, _ := Encode(Created{CustomerID: "c", Items: twoAtTen(), TotalAmount: dec("20.00"), ShippingAddress: "A"})

	history := []StoredEvent{
		{AggregateID: "order-1", Version: 0, Kind: KindCreated, Payload: payload},
		{AggregateID: "order-1", Version: 0, Kind: KindCreated, Payload: payload},
	}

	err := o.Rehydrate(history)
	assert.ErrorIs(t, err, ErrCorruptStream)
}
