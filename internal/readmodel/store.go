// Package readmodel implements the Read-Model Store (§4.6): the
// query-side schema and the single transactional entry point the
// Projection Consumer uses to apply one event's effects.
package readmodel

import (
	"context"
	"time"

	"github.com/ordercore/orderservice/internal/domain"
)

// ProjectedEvent is one decoded event arriving at the read model, tagged
// with the identity the idempotence check runs against.
type ProjectedEvent struct {
	AggregateID string
	Version     int
	Timestamp   time.Time
	Event       domain.Event
}

// Outcome reports what Apply actually did, so the Projection Consumer
// knows whether to park the event or to drain its parked successors.
type Outcome int

const (
	// Applied means the event's effects were written and
	// last_applied_version advanced to this event's version.
	Applied Outcome = iota
	// Ignored means the event's version was <= the stored
	// last-applied version; a harmless duplicate, safe to acknowledge.
	Ignored
	// Gap means the event's version is more than one past the stored
	// last-applied version; nothing was written and the caller must park
	// the event. The Projection Consumer acknowledges a parked event's
	// offset and keeps the event only in memory, so a parked event does
	// not survive a process restart.
	Gap
)

// Store is the read-model's contract with the Projection Consumer.
type Store interface {
	// Apply evaluates the §4.5 idempotence/ordering rule against the
	// current last_applied_version for evt.AggregateID and, if the
	// event is the next one expected, applies its effects — all inside
	// one transaction, committed before Apply returns.
	Apply(ctx context.Context, evt ProjectedEvent) (Outcome, error)
}
