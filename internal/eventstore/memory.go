package eventstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ordercore/orderservice/internal/domain"
)

// MemoryStore is an in-memory EventStore, concurrency-safe, used by
// command-handler and outbox tests so they don't require a live
// Postgres instance. Grounded on mickamy-go-event-sourcing's stores/mem
// package; state is lost on process exit.
type MemoryStore struct {
	mu         sync.Mutex
	streams    map[string][]domain.StoredEvent
	snapshots  map[string]Snapshot
	watermarks map[string]int
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		streams:    make(map[string][]domain.StoredEvent),
		snapshots:  make(map[string]Snapshot),
		watermarks: make(map[string]int),
	}
}

func (m *MemoryStore) LoadEvents(_ context.Context, aggregateID string) ([]domain.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.streams[aggregateID]
	if len(seq) == 0 {
		return nil, nil
	}
	out := make([]domain.StoredEvent, len(seq))
	copy(out, seq)
	return out, nil
}

func (m *MemoryStore) Append(_ context.Context, aggregateID string, events []domain.Event, expectedVersion int) error {
	if len(events) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.streams[aggregateID]
	currentVersion := -1
	if len(seq) > 0 {
		currentVersion = seq[len(seq)-1].Version
	}

	if currentVersion != expectedVersion {
		return fmt.Errorf("aggregate %s at version %d, expected %d: %w", aggregateID, currentVersion, expectedVersion, ErrConcurrencyConflict)
	}

	now := time.Now().UTC()
	version := expectedVersion
	for _, e := range events {
		version++
		payload, err := domain.Encode(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.EventType(), err)
		}
		seq = append(seq, domain.StoredEvent{
			AggregateID: aggregateID,
			Version:     version,
			Timestamp:   now,
			Kind:        e.EventType(),
			Payload:     payload,
		})
	}
	m.streams[aggregateID] = seq
	return nil
}

func (m *MemoryStore) LastEvent(_ context.Context, aggregateID string) (*domain.StoredEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := m.streams[aggregateID]
	if len(seq) == 0 {
		return nil, nil
	}
	last := seq[len(seq)-1]
	return &last, nil
}

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.snapshots[snap.AggregateID]; ok && existing.Version >= snap.Version {
		return nil
	}
	m.snapshots[snap.AggregateID] = snap
	return nil
}

func (m *MemoryStore) LoadSnapshot(_ context.Context, aggregateID string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap, ok := m.snapshots[aggregateID]
	if !ok {
		return Snapshot{}, ErrSnapshotNotFound
	}
	return snap, nil
}

func (m *MemoryStore) PublishWatermark(_ context.Context, aggregateID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version, ok := m.watermarks[aggregateID]
	if !ok {
		return -1, nil
	}
	return version, nil
}

func (m *MemoryStore) SetPublishWatermark(_ context.Context, aggregateID string, version int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.watermarks[aggregateID]; ok && current >= version {
		return nil
	}
	m.watermarks[aggregateID] = version
	return nil
}

func (m *MemoryStore) UnpublishedAggregates(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var ids []string
	for aggregateID, seq := range m.streams {
		if len(seq) == 0 {
			continue
		}
		maxVersion := seq[len(seq)-1].Version
		watermark, ok := m.watermarks[aggregateID]
		if !ok {
			watermark = -1
		}
		if maxVersion > watermark {
			ids = append(ids, aggregateID)
		}
	}
	return ids, nil
}

var _ EventStore = (*MemoryStore)(nil)
