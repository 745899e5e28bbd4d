package eventstore

import (
	"context"

	"github.com/ordercore/orderservice/internal/domain"
)

// Snapshot is an advisory, periodically-replaced cache of aggregate
// state at a specific version. The event stream remains authoritative;
// a store implementation must never let snapshot failure affect the
// success of Append.
type Snapshot struct {
	AggregateID   string
	Version       int
	SchemaVersion int
	State         []byte
}

// EventStore is the write-side event log contract (spec §4.2). All
// methods accept a context because they are I/O-bound and may suspend.
type EventStore interface {
	// LoadEvents returns the full history for aggregateID sorted by
	// version ascending. An aggregate with no events returns (nil, nil).
	LoadEvents(ctx context.Context, aggregateID string) ([]domain.StoredEvent, error)

	// Append atomically inserts events, enforcing optimistic
	// concurrency: expectedVersion must equal the stream's current last
	// version (-1 meaning "must not exist yet"), and events' versions
	// must be expectedVersion+1, +2, ... contiguous and monotonic.
	// Returns ErrConcurrencyConflict on any version mismatch, including
	// a unique-key race detected at insert time.
	Append(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int) error

	// LastEvent returns the highest-version event for aggregateID, or
	// (nil, nil) if the aggregate has no events.
	LastEvent(ctx context.Context, aggregateID string) (*domain.StoredEvent, error)

	// SaveSnapshot upserts the single snapshot row for aggregateID.
	SaveSnapshot(ctx context.Context, snap Snapshot) error

	// LoadSnapshot returns the current snapshot for aggregateID, or
	// ErrSnapshotNotFound if none exists.
	LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, error)

	// PublishWatermark returns the highest event version durably known
	// to have been published for aggregateID, or -1 if none has.
	PublishWatermark(ctx context.Context, aggregateID string) (int, error)

	// SetPublishWatermark records that aggregateID's events up to and
	// including version have been published. Implementations only ever
	// advance the stored value.
	SetPublishWatermark(ctx context.Context, aggregateID string, version int) error

	// UnpublishedAggregates returns the ids of every aggregate whose
	// latest event version exceeds its publish watermark — the outbox
	// sweep's work list (§7).
	UnpublishedAggregates(ctx context.Context) ([]string, error)
}
