package command

import "errors"

// ErrNotFound is returned when a non-Create command targets an
// aggregate id with no prior events.
var ErrNotFound = errors.New("order not found")

// ErrPublish is returned when publication fails after retries; the
// store is durably ahead of the publisher at this point (§7) and the
// outbox sweep is responsible for eventual recovery.
var ErrPublish = errors.New("failed to publish committed events")
