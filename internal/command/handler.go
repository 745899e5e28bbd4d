package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/ordercore/orderservice/internal/domain"
	"github.com/ordercore/orderservice/internal/eventstore"
)

// Publisher is the outbound dependency the Command Handler hands
// committed events to once they are durably appended (§4.3 step 4).
// internal/publish.Publisher satisfies this.
type Publisher interface {
	Publish(ctx context.Context, events []domain.StoredEvent) error
}

// Handler implements the Command Handler (§4.3): load, invoke, append,
// publish, discard. It IS the command API named in spec.md §6 — no HTTP
// surface is implemented here, callers invoke these methods directly.
type Handler struct {
	store     eventstore.EventStore
	publisher Publisher
	maxRetry  uint
}

// NewHandler wires a Handler against its EventStore and Publisher.
// maxRetry bounds the concurrency-conflict retry loop (§5 default 3).
func NewHandler(store eventstore.EventStore, publisher Publisher, maxRetry uint) *Handler {
	if maxRetry == 0 {
		maxRetry = 3
	}
	return &Handler{store: store, publisher: publisher, maxRetry: maxRetry}
}

// CreateCommand carries the arguments for placing a new order.
type CreateCommand struct {
	OrderID         string
	CustomerID      string
	Items           []domain.Item
	ShippingAddress string
}

// PayCommand carries the arguments for recording payment.
type PayCommand struct {
	OrderID       string
	PaymentID     string
	Amount        decimal.Decimal
	PaymentMethod string
}

// ShipCommand carries the arguments for marking an order shipped.
type ShipCommand struct {
	OrderID        string
	ShipmentID     string
	TrackingNumber string
}

// CancelCommand carries the arguments for cancelling an order.
type CancelCommand struct {
	OrderID string
	Reason  string
}

// Create loads the order id's stream, which must be empty
// (expected_version -1; an existing order fails ErrIllegalTransition),
// invokes domain.Order.Create, and returns the generated order id per §6.
func (h *Handler) Create(ctx context.Context, cmd CreateCommand) (string, error) {
	orderID := cmd.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}

	_, err := h.execute(ctx, orderID, false, func(o *domain.Order) error {
		return o.Create(cmd.CustomerID, cmd.Items, cmd.ShippingAddress)
	})
	if err != nil {
		return "", err
	}
	return orderID, nil
}

// Pay loads the order, invokes MarkPaid, appends, and publishes.
func (h *Handler) Pay(ctx context.Context, cmd PayCommand) error {
	_, err := h.execute(ctx, cmd.OrderID, true, func(o *domain.Order) error {
		return o.MarkPaid(cmd.PaymentID, cmd.Amount, cmd.PaymentMethod)
	})
	return err
}

// Ship loads the order, invokes Ship, appends, and publishes.
func (h *Handler) Ship(ctx context.Context, cmd ShipCommand) error {
	_, err := h.execute(ctx, cmd.OrderID, true, func(o *domain.Order) error {
		return o.Ship(cmd.ShipmentID, cmd.TrackingNumber)
	})
	return err
}

// Cancel loads the order, invokes Cancel, appends, and publishes.
func (h *Handler) Cancel(ctx context.Context, cmd CancelCommand) error {
	_, err := h.execute(ctx, cmd.OrderID, true, func(o *domain.Order) error {
		return o.Cancel(cmd.Reason)
	})
	return err
}

// execute runs the load/invoke/append/publish pipeline for one command,
// retrying on ErrConcurrencyConflict with exponential backoff for at most
// h.maxRetry attempts in total. All four domain operations are idempotent under
// reload, so a retry simply re-loads the current aggregate and
// re-invokes the same domain operation.
func (h *Handler) execute(ctx context.Context, orderID string, mustExist bool, invoke func(*domain.Order) error) (*domain.Order, error) {
	attempt := func() (*domain.Order, error) {
		order, err := h.load(ctx, orderID, mustExist)
		if err != nil {
			return nil, err
		}

		// Captured before invoke, per the spec's correction of the
		// source's expected_version computation: this is the version
		// before the domain call produces any uncommitted events, not
		// derived afterward from a count that assumes nothing else ran.
		expectedVersion := order.Version

		if err := invoke(order); err != nil {
			return nil, err
		}

		committed := order.Uncommitted
		if err := h.store.Append(ctx, orderID, committed, expectedVersion); err != nil {
			return nil, err
		}

		envelopes, err := toStoredEvents(orderID, expectedVersion, committed)
		if err != nil {
			return nil, fmt.Errorf("encode committed events for %s: %w", orderID, err)
		}

		if err := h.publisher.Publish(ctx, envelopes); err != nil {
			slog.Error("publish failed after durable append; store is ahead of publisher",
				"order_id", orderID, "err", err)
			return nil, fmt.Errorf("%w: %v", ErrPublish, err)
		}

		if err := h.store.SetPublishWatermark(ctx, orderID, envelopes[len(envelopes)-1].Version); err != nil {
			slog.Error("failed to advance publish watermark; outbox sweep will re-check this aggregate",
				"order_id", orderID, "err", err)
		}

		order.Uncommitted = nil
		return order, nil
	}

	result, err := backoff.Retry(ctx, func() (*domain.Order, error) {
		order, err := attempt()
		if err != nil && errors.Is(err, eventstore.ErrConcurrencyConflict) {
			return nil, err
		}
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		return order, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(h.maxRetry))
	if err != nil {
		return nil, unwrapPermanent(err)
	}
	return result, nil
}

// load restores an aggregate from its snapshot (if any) plus events
// newer than the snapshot's version, else from full history (§4.3 step
// 1). A missing aggregate for a non-Create command fails ErrNotFound.
func (h *Handler) load(ctx context.Context, orderID string, mustExist bool) (*domain.Order, error) {
	order := domain.NewOrder(orderID)

	snap, err := h.store.LoadSnapshot(ctx, orderID)
	if err == nil {
		if err := eventstore.ApplySnapshot(order, snap); err != nil {
			// Snapshots are advisory: an unreadable one falls back to
			// full replay (ApplySnapshot leaves order untouched on error).
			slog.Warn("ignoring unreadable snapshot", "order_id", orderID, "err", err)
		}
	} else if !errors.Is(err, eventstore.ErrSnapshotNotFound) {
		return nil, fmt.Errorf("load snapshot for %s: %w", orderID, err)
	}

	history, err := h.store.LoadEvents(ctx, orderID)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", orderID, err)
	}

	var toReplay []domain.StoredEvent
	for _, rec := range history {
		if rec.Version > order.Version {
			toReplay = append(toReplay, rec)
		}
	}

	if len(toReplay) == 0 && order.Version == -1 && mustExist {
		return nil, ErrNotFound
	}

	if err := order.Rehydrate(toReplay); err != nil {
		return nil, err
	}
	return order, nil
}

func unwrapPermanent(err error) error {
	var perm *backoff.PermanentError
	if errors.As(err, &perm) {
		return perm.Unwrap()
	}
	return err
}

// toStoredEvents mirrors the version numbering the event store assigns
// on Append (expectedVersion+1, +2, ...) so the published envelope
// matches the durable record the Projection Consumer will reconcile
// against.
func toStoredEvents(aggregateID string, expectedVersion int, events []domain.Event) ([]domain.StoredEvent, error) {
	now := domain.Now().UTC()
	out := make([]domain.StoredEvent, 0, len(events))
	version := expectedVersion
	for _, e := range events {
		version++
		payload, err := domain.Encode(e)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.StoredEvent{
			AggregateID: aggregateID,
			Version:     version,
			Timestamp:   now,
			Kind:        e.EventType(),
			Payload:     payload,
		})
	}
	return out, nil
}
