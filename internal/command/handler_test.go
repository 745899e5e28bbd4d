package command_test

import (
	"context"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordercore/orderservice/internal/command"
	"github.com/ordercore/orderservice/internal/domain"
	"github.com/ordercore/orderservice/internal/eventstore"
)

// fakePublisher records every envelope handed to it and can be forced to
// fail the next N calls, to exercise the store-ahead-of-publisher path.
type fakePublisher struct {
	mu        sync.Mutex
	published []domain.StoredEvent
	failNext  int
	failErr   error
}

func (p *fakePublisher) Publish(_ context.Context, events []domain.StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return p.failErr
	}
	p.published = append(p.published, events...)
	return nil
}

func twoItems() []domain.Item {
	return []domain.Item{
		{ProductID: "sku-1", ProductName: "Widget", Quantity: 2, UnitPrice: decimal.RequireFromString("10.00")},
	}
}

func TestHandler_Create_Success(t *testing.T) {
	store := eventstore.NewMemoryStore()
	pub := &fakePublisher{}
	h := command.NewHandler(store, pub, 3)

	orderID, err := h.Create(context.Background(), command.CreateCommand{
		CustomerID:      "cust-1",
		Items:           twoItems(),
		ShippingAddress: "1 Main St",
	})
	require.NoError(t, err)
	require.NotEmpty(t, orderID)

	history, err := store.LoadEvents(context.Background(), orderID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, domain.KindCreated, history[0].Kind)
	assert.Equal(t, 0, history[0].Version)

	require.Len(t, pub.published, 1)
	assert.Equal(t, orderID, pub.published[0].AggregateID)
	assert.Equal(t, 0, pub.published[0].Version)
}

func TestHandler_FullLifecycle(t *testing.T) {
	store := eventstore.NewMemoryStore()
	pub := &fakePublisher{}
	h := command.NewHandler(store, pub, 3)
	ctx := context.Background()

	orderID, err := h.Create(ctx, command.CreateCommand{
		CustomerID: "cust-1", Items: twoItems(), ShippingAddress: "1 Main St",
	})
	require.NoError(t, err)

	err = h.Pay(ctx, command.PayCommand{
		OrderID: orderID, PaymentID: "pay-1",
		Amount: decimal.RequireFromString("20.00"), PaymentMethod: "card",
	})
	require.NoError(t, err)

	err = h.Ship(ctx, command.ShipCommand{
		OrderID: orderID, ShipmentID: "ship-1", TrackingNumber: "TRACK123",
	})
	require.NoError(t, err)

	history, err := store.LoadEvents(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, []string{domain.KindCreated, domain.KindPaid, domain.KindShipped},
		[]string{history[0].Kind, history[1].Kind, history[2].Kind})
	assert.Len(t, pub.published, 3)
}

func TestHandler_Pay_NotFound(t *testing.T) {
	store := eventstore.NewMemoryStore()
	h := command.NewHandler(store, &fakePublisher{}, 3)

	err := h.Pay(context.Background(), command.PayCommand{
		OrderID: "missing", PaymentID: "pay-1", Amount: decimal.RequireFromString("1.00"),
	})
	require.ErrorIs(t, err, command.ErrNotFound)
}

func TestHandler_Pay_AmountMismatchAppendsNothing(t *testing.T) {
	store := eventstore.NewMemoryStore()
	h := command.NewHandler(store, &fakePublisher{}, 3)
	ctx := context.Background()

	orderID, err := h.Create(ctx, command.CreateCommand{
		CustomerID: "cust-1", Items: twoItems(), ShippingAddress: "1 Main St",
	})
	require.NoError(t, err)

	err = h.Pay(ctx, command.PayCommand{
		OrderID: orderID, PaymentID: "pay-1",
		Amount: decimal.RequireFromString("999.00"), PaymentMethod: "card",
	})
	require.ErrorIs(t, err, domain.ErrInvalidCommand)

	history, err := store.LoadEvents(ctx, orderID)
	require.NoError(t, err)
	assert.Len(t, history, 1, "a rejected domain invocation must not append anything")
}

func TestHandler_ConcurrentPay_OneWinsOneSeesIllegalTransition(t *testing.T) {
	store := eventstore.NewMemoryStore()
	pub := &fakePublisher{}
	h := command.NewHandler(store, pub, 3)
	ctx := context.Background()

	orderID, err := h.Create(ctx, command.CreateCommand{
		CustomerID: "cust-1", Items: twoItems(), ShippingAddress: "1 Main St",
	})
	require.NoError(t, err)

	const racers = 2
	errs := make([]error, racers)
	var wg sync.WaitGroup
	wg.Add(racers)
	for i := 0; i < racers; i++ {
		go func(i int) {
			defer wg.Done()
			errs[i] = h.Pay(ctx, command.PayCommand{
				OrderID: orderID, PaymentID: "pay-1",
				Amount: decimal.RequireFromString("20.00"), PaymentMethod: "card",
			})
		}(i)
	}
	wg.Wait()

	var succeeded, illegal int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case assert.ErrorIs(t, err, domain.ErrIllegalTransition):
			illegal++
		}
	}
	assert.Equal(t, 1, succeeded, "exactly one concurrent Pay must win the version race")
	assert.Equal(t, 1, illegal, "the loser must retry, reload the now-Paid order, and see an illegal transition rather than a leaked concurrency conflict")

	history, err := store.LoadEvents(ctx, orderID)
	require.NoError(t, err)
	require.Len(t, history, 2, "only one Paid event may ever be appended")
	assert.Equal(t, domain.KindPaid, history[1].Kind)
}

func TestHandler_PublishFailureSurfacesErrPublishButAppendSticks(t *testing.T) {
	store := eventstore.NewMemoryStore()
	pub := &fakePublisher{failNext: 3, failErr: assert.AnError}
	h := command.NewHandler(store, pub, 3)

	_, err := h.Create(context.Background(), command.CreateCommand{
		OrderID: "order-1", CustomerID: "cust-1", Items: twoItems(), ShippingAddress: "1 Main St",
	})
	require.ErrorIs(t, err, command.ErrPublish)

	history, err := store.LoadEvents(context.Background(), "order-1")
	require.NoError(t, err)
	assert.Len(t, history, 1, "the append made before the failed publish must remain in the store")
}
