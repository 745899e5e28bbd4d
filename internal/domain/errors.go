package domain

import "errors"

// Sentinel errors surfaced by aggregate operations and rehydration.
// Wrap with fmt.Errorf("...: %w", ErrX) for context; callers match with
// errors.Is.
var (
	// ErrInvalidCommand indicates a command's arguments violate a domain
	// invariant (empty item list, amount mismatch).
	ErrInvalidCommand = errors.New("invalid command")

	// ErrIllegalTransition indicates a command was issued against an
	// order in a status that does not permit it.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrCorruptStream indicates a loaded event history has non-dense or
	// non-monotonic versions and cannot be replayed.
	ErrCorruptStream = errors.New("corrupt event stream")
)
