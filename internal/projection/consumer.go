// Package projection implements the Projection Consumer (§4.5): it
// tails the orders.* topics and idempotently applies each event to the
// Read-Model Store, parking out-of-order deliveries until their missing
// predecessor arrives. Grounded on the teacher's OrderPlacedHandler,
// generalized from one hardcoded event type into a dispatch over the
// closed domain.Event set driven by an envelope's kind tag.
package projection

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/ordercore/orderservice/internal/domain"
	"github.com/ordercore/orderservice/internal/readmodel"
)

// defaultParkLimit is the §5 default bound on parked versions held per
// aggregate before the consumer fails hard.
const defaultParkLimit = 128

// Topics lists every topic the consumer must subscribe to; kept here so
// main.go wiring and tests share one source of truth.
var Topics = []string{"orders.created", "orders.paid", "orders.shipped", "orders.cancelled"}

// envelope is the wire shape published by internal/publish.
type envelope struct {
	AggregateID string          `json:"aggregate_id"`
	Version     int             `json:"version"`
	Timestamp   time.Time       `json:"timestamp"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
}

// Consumer holds the in-memory parking buffer and drives reads against
// the read-model store. One Consumer instance belongs to one topic set
// within a consumer group; Watermill's router owns the partition-level
// concurrency.
type Consumer struct {
	store     readmodel.Store
	parkLimit int

	mu     sync.Mutex
	parked map[string]map[int]envelope
}

// NewConsumer wires a Consumer against its Store. parkLimit <= 0 uses
// the spec default of 128.
func NewConsumer(store readmodel.Store, parkLimit int) *Consumer {
	if parkLimit <= 0 {
		parkLimit = defaultParkLimit
	}
	return &Consumer{store: store, parkLimit: parkLimit, parked: make(map[string]map[int]envelope)}
}

// RegisterHandlers wires one NoPublisherHandler per orders.* topic onto
// router, all backed by the same Consumer so the parking buffer and
// drain logic apply uniformly regardless of which topic an event
// arrived on.
func (c *Consumer) RegisterHandlers(router *message.Router, subscriber message.Subscriber) {
	for _, topic := range Topics {
		router.AddNoPublisherHandler(
			"projection-"+topic,
			topic,
			subscriber,
			c.Handle,
		)
	}
}

// Handle is the Watermill NoPublisherHandlerFunc shared by every
// orders.* subscription. An undecodable envelope or unknown event kind
// is a PoisonMessage (§7): logged and skipped rather than retried
// forever.
func (c *Consumer) Handle(msg *message.Message) error {
	var env envelope
	if err := json.Unmarshal(msg.Payload, &env); err != nil {
		slog.Error("poison message: undecodable envelope", "message_uuid", msg.UUID, "err", err)
		return nil
	}
	return c.process(msg.Context(), env)
}

func (c *Consumer) process(ctx context.Context, env envelope) error {
	event, err := domain.Decode(env.Kind, env.Payload)
	if err != nil {
		slog.Error("poison message: unknown event kind", "aggregate_id", env.AggregateID, "kind", env.Kind, "err", err)
		return nil
	}

	outcome, err := c.store.Apply(ctx, readmodel.ProjectedEvent{
		AggregateID: env.AggregateID,
		Version:     env.Version,
		Timestamp:   env.Timestamp,
		Event:       event,
	})
	if err != nil {
		// TransientIO: do not acknowledge, let the subscriber redeliver.
		return fmt.Errorf("apply %s v%d for %s: %w", env.Kind, env.Version, env.AggregateID, err)
	}

	if outcome == readmodel.Gap {
		if err := c.park(env); err != nil {
			// The §5 bound was exceeded: an operational condition, not a
			// transient one. Surfacing it nacks this message, but the
			// real signal belongs to whatever alerts on router errors.
			return err
		}
		return nil
	}

	c.drain(ctx, env.AggregateID)
	return nil
}

// park buffers env for later application once its predecessor arrives.
// Acknowledging this message (returning nil from Handle) rather than
// leaving Kafka's offset uncommitted is a deliberate adaptation: a
// per-partition router handler blocks forward progress on every other
// aggregate in the topic until a nacked message succeeds, which is far
// worse than the bounded in-memory buffer this function maintains. The
// buffer, not the broker offset, is the actual parking mechanism.
func (c *Consumer) park(env envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.parked[env.AggregateID]
	if !ok {
		bucket = make(map[int]envelope)
		c.parked[env.AggregateID] = bucket
	}
	if _, exists := bucket[env.Version]; !exists && len(bucket) >= c.parkLimit {
		return fmt.Errorf("aggregate %s exceeded parked buffer bound of %d", env.AggregateID, c.parkLimit)
	}
	bucket[env.Version] = env
	return nil
}

// drain applies parked events for aggregateID in ascending version
// order for as long as the store reports them contiguous, stopping at
// the first gap, failed apply, or empty buffer.
func (c *Consumer) drain(ctx context.Context, aggregateID string) {
	for {
		env, ok := c.peekMinParked(aggregateID)
		if !ok {
			return
		}

		event, err := domain.Decode(env.Kind, env.Payload)
		if err != nil {
			slog.Error("poison parked message", "aggregate_id", aggregateID, "version", env.Version, "err", err)
			c.removeParked(aggregateID, env.Version)
			continue
		}

		outcome, err := c.store.Apply(ctx, readmodel.ProjectedEvent{
			AggregateID: env.AggregateID,
			Version:     env.Version,
			Timestamp:   env.Timestamp,
			Event:       event,
		})
		if err != nil {
			slog.Error("failed to apply parked event", "aggregate_id", aggregateID, "version", env.Version, "err", err)
			return
		}
		if outcome == readmodel.Gap {
			return
		}

		c.removeParked(aggregateID, env.Version)
	}
}

func (c *Consumer) peekMinParked(aggregateID string) (envelope, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.parked[aggregateID]
	if !ok || len(bucket) == 0 {
		return envelope{}, false
	}

	min := -1
	for v := range bucket {
		if min == -1 || v < min {
			min = v
		}
	}
	return bucket[min], true
}

func (c *Consumer) removeParked(aggregateID string, version int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	bucket, ok := c.parked[aggregateID]
	if !ok {
		return
	}
	delete(bucket, version)
	if len(bucket) == 0 {
		delete(c.parked, aggregateID)
	}
}

// ParkedCount reports how many versions are currently held for
// aggregateID, for tests and operational introspection.
func (c *Consumer) ParkedCount(aggregateID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.parked[aggregateID])
}
