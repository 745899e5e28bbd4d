// Package outbox implements the store-ahead-of-publisher recovery task
// described in §7: a maintenance sweep that finds aggregates whose
// events outran the publish watermark and republishes the gap. The
// Projection Consumer's idempotence makes re-publication safe.
package outbox

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/ordercore/orderservice/internal/domain"
	"github.com/ordercore/orderservice/internal/eventstore"
)

// Publisher is the narrow dependency the sweep needs; command.Publisher
// and internal/publish.Publisher both satisfy it.
type Publisher interface {
	Publish(ctx context.Context, events []domain.StoredEvent) error
}

// Sweeper periodically scans the event store for aggregates the
// publisher never caught up to and republishes their trailing events.
type Sweeper struct {
	store     eventstore.EventStore
	publisher Publisher
	cron      *cron.Cron
}

// NewSweeper wires a Sweeper against its store and publisher.
func NewSweeper(store eventstore.EventStore, publisher Publisher) *Sweeper {
	return &Sweeper{store: store, publisher: publisher, cron: cron.New()}
}

// Start schedules Run on the given cron spec (e.g. "@every 30s") and
// begins the scheduler's own goroutine. Call Stop to drain it.
func (s *Sweeper) Start(ctx context.Context, spec string) error {
	_, err := s.cron.AddFunc(spec, func() {
		if err := s.Run(ctx); err != nil {
			slog.Error("outbox sweep failed", "err", err)
		}
	})
	if err != nil {
		return fmt.Errorf("schedule outbox sweep %q: %w", spec, err)
	}
	s.cron.Start()
	return nil
}

// Stop waits for any in-flight sweep to finish and halts scheduling.
func (s *Sweeper) Stop() {
	<-s.cron.Stop().Done()
}

// Run performs one sweep pass: every aggregate with events beyond its
// publish watermark has those events republished and the watermark
// advanced. A failure on one aggregate is logged and does not prevent
// the sweep from continuing to the next.
func (s *Sweeper) Run(ctx context.Context) error {
	ids, err := s.store.UnpublishedAggregates(ctx)
	if err != nil {
		return fmt.Errorf("list unpublished aggregates: %w", err)
	}

	var swept int
	for _, aggregateID := range ids {
		if err := s.sweepOne(ctx, aggregateID); err != nil {
			slog.Error("outbox sweep: failed to recover aggregate", "aggregate_id", aggregateID, "err", err)
			continue
		}
		swept++
	}
	if swept > 0 {
		slog.Info("outbox sweep recovered events", "aggregate_count", swept)
	}
	return nil
}

func (s *Sweeper) sweepOne(ctx context.Context, aggregateID string) error {
	watermark, err := s.store.PublishWatermark(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("load publish watermark: %w", err)
	}

	history, err := s.store.LoadEvents(ctx, aggregateID)
	if err != nil {
		return fmt.Errorf("load events: %w", err)
	}

	var pending []domain.StoredEvent
	for _, rec := range history {
		if rec.Version > watermark {
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	if err := s.publisher.Publish(ctx, pending); err != nil {
		return fmt.Errorf("republish %d pending events: %w", len(pending), err)
	}

	return s.store.SetPublishWatermark(ctx, aggregateID, pending[len(pending)-1].Version)
}
