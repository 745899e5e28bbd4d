package outbox_test

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ordercore/orderservice/internal/domain"
	"github.com/ordercore/orderservice/internal/eventstore"
	"github.com/ordercore/orderservice/internal/outbox"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []domain.StoredEvent
}

func (p *recordingPublisher) Publish(_ context.Context, events []domain.StoredEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.published = append(p.published, events...)
	return nil
}

func TestSweeper_RepublishesAggregatesBehindWatermark(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "order-1", []domain.Event{domain.Created{CustomerID: "cust-1"}}, -1))

	pub := &recordingPublisher{}
	sweeper := outbox.NewSweeper(store, pub)

	require.NoError(t, sweeper.Run(ctx))
	require.Len(t, pub.published, 1, "an aggregate with no watermark yet must be swept in full")

	watermark, err := store.PublishWatermark(ctx, "order-1")
	require.NoError(t, err)
	assert.Equal(t, 0, watermark)

	require.NoError(t, sweeper.Run(ctx))
	assert.Len(t, pub.published, 1, "a caught-up aggregate must not be republished")
}

func TestSweeper_SkipsAggregateAlreadyAtWatermark(t *testing.T) {
	store := eventstore.NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, "order-1", []domain.Event{domain.Created{CustomerID: "cust-1"}}, -1))
	require.NoError(t, store.SetPublishWatermark(ctx, "order-1", 0))

	pub := &recordingPublisher{}
	sweeper := outbox.NewSweeper(store, pub)

	require.NoError(t, sweeper.Run(ctx))
	assert.Empty(t, pub.published)
}
