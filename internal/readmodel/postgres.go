package readmodel

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ordercore/orderservice/internal/domain"
)

// PostgresStore is the production Store, grounded on the teacher's
// db.go/handlers.go read-side write path, generalized from a single
// denormalized order row into the three-table schema the spec requires
// and given the last_applied_version gate §4.5 depends on.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open *sql.DB whose schema has already been
// migrated via Migrate.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Apply(ctx context.Context, evt ProjectedEvent) (Outcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Gap, fmt.Errorf("begin read-model transaction: %w", err)
	}
	defer tx.Rollback()

	current := -1
	err = tx.QueryRowContext(ctx,
		`SELECT last_applied_version FROM orders WHERE id = $1 FOR UPDATE`, evt.AggregateID,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return Gap, fmt.Errorf("lock order row %s: %w", evt.AggregateID, err)
	}

	switch {
	case evt.Version <= current:
		return Ignored, nil
	case evt.Version > current+1:
		return Gap, nil
	}

	if err := applyEvent(ctx, tx, evt); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			// Lost a race to insert the same Created row: the other
			// writer's version is at least as advanced as ours.
			return Ignored, nil
		}
		return Gap, fmt.Errorf("apply %s v%d for %s: %w", evt.Event.EventType(), evt.Version, evt.AggregateID, err)
	}

	if err := tx.Commit(); err != nil {
		return Gap, fmt.Errorf("commit read-model apply for %s: %w", evt.AggregateID, err)
	}
	return Applied, nil
}

func applyEvent(ctx context.Context, tx *sql.Tx, evt ProjectedEvent) error {
	switch e := evt.Event.(type) {
	case domain.Created:
		return applyCreated(ctx, tx, evt, e)
	case domain.Paid:
		return applyPaid(ctx, tx, evt, e)
	case domain.Shipped:
		return applyShipped(ctx, tx, evt, e)
	case domain.Cancelled:
		return applyCancelled(ctx, tx, evt, e)
	default:
		return fmt.Errorf("unknown event kind %q", evt.Event.EventType())
	}
}

func applyCreated(ctx context.Context, tx *sql.Tx, evt ProjectedEvent, e domain.Created) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, total_amount, shipping_address, status, created_at, updated_at, last_applied_version)
		VALUES ($1, $2, $3, $4, $5, $6, $6, $7)
	`, evt.AggregateID, e.CustomerID, e.TotalAmount, e.ShippingAddress, domain.StatusCreated, evt.Timestamp, evt.Version)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO order_items (order_id, product_id, product_name, quantity, unit_price)
		VALUES ($1, $2, $3, $4, $5)
	`)
	if err != nil {
		return fmt.Errorf("prepare item insert: %w", err)
	}
	defer stmt.Close()

	for _, item := range e.Items {
		if _, err := stmt.ExecContext(ctx, evt.AggregateID, item.ProductID, item.ProductName, item.Quantity, item.UnitPrice); err != nil {
			return fmt.Errorf("insert item %s: %w", item.ProductID, err)
		}
	}

	return insertHistory(ctx, tx, evt.AggregateID, domain.StatusCreated, evt.Timestamp, nil)
}

func applyPaid(ctx context.Context, tx *sql.Tx, evt ProjectedEvent, e domain.Paid) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3, payment_id = $4, payment_method = $5, last_applied_version = $6
		WHERE id = $1
	`, evt.AggregateID, domain.StatusPaid, evt.Timestamp, e.PaymentID, e.PaymentMethod, evt.Version)
	if err != nil {
		return fmt.Errorf("update order to paid: %w", err)
	}
	return insertHistory(ctx, tx, evt.AggregateID, domain.StatusPaid, evt.Timestamp, nil)
}

func applyShipped(ctx context.Context, tx *sql.Tx, evt ProjectedEvent, e domain.Shipped) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3, shipment_id = $4, tracking_number = $5, last_applied_version = $6
		WHERE id = $1
	`, evt.AggregateID, domain.StatusShipped, evt.Timestamp, e.ShipmentID, e.TrackingNumber, evt.Version)
	if err != nil {
		return fmt.Errorf("update order to shipped: %w", err)
	}
	return insertHistory(ctx, tx, evt.AggregateID, domain.StatusShipped, evt.Timestamp, nil)
}

func applyCancelled(ctx context.Context, tx *sql.Tx, evt ProjectedEvent, e domain.Cancelled) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $2, updated_at = $3, last_applied_version = $4
		WHERE id = $1
	`, evt.AggregateID, domain.StatusCancelled, evt.Timestamp, evt.Version)
	if err != nil {
		return fmt.Errorf("update order to cancelled: %w", err)
	}
	return insertHistory(ctx, tx, evt.AggregateID, domain.StatusCancelled, evt.Timestamp, &e.Reason)
}

func insertHistory(ctx context.Context, tx *sql.Tx, orderID string, status domain.Status, timestamp time.Time, reason *string) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO order_status_history (order_id, status, timestamp, reason)
		VALUES ($1, $2, $3, $4)
	`, orderID, status, timestamp, reason)
	if err != nil {
		return fmt.Errorf("insert status history: %w", err)
	}
	return nil
}
