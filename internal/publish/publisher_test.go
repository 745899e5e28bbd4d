package publish_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/require"

	"github.com/ordercore/orderservice/internal/domain"
	"github.com/ordercore/orderservice/internal/publish"
)

func TestPublisher_RoutesByKindAndKeysByAggregate(t *testing.T) {
	pubSub := gochannel.NewGoChannel(gochannel.Config{}, watermill.NopLogger{})
	defer pubSub.Close()

	createdMsgs, err := pubSub.Subscribe(context.Background(), "orders.created")
	require.NoError(t, err)
	shippedMsgs, err := pubSub.Subscribe(context.Background(), "orders.shipped")
	require.NoError(t, err)

	p := publish.NewPublisher(pubSub, 1)

	payload, err := domain.Encode(domain.Created{CustomerID: "cust-1"})
	require.NoError(t, err)

	events := []domain.StoredEvent{
		{AggregateID: "order-1", Version: 0, Timestamp: time.Now().UTC(), Kind: domain.KindCreated, Payload: payload},
	}
	require.NoError(t, p.Publish(context.Background(), events))

	select {
	case msg := <-createdMsgs:
		var env struct {
			AggregateID string          `json:"aggregate_id"`
			Version     int             `json:"version"`
			Kind        string          `json:"kind"`
			Payload     json.RawMessage `json:"payload"`
		}
		require.NoError(t, json.Unmarshal(msg.Payload, &env))
		require.Equal(t, "order-1", env.AggregateID)
		require.Equal(t, 0, env.Version)
		require.Equal(t, domain.KindCreated, env.Kind)
		msg.Ack()
	case <-time.After(time.Second):
		t.Fatal("expected a message on orders.created")
	}

	select {
	case <-shippedMsgs:
		t.Fatal("did not expect a message on orders.shipped")
	case <-time.After(50 * time.Millisecond):
	}
}

