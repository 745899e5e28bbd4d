package eventstore

import "errors"

var (
	// ErrConcurrencyConflict is returned by Append when expectedVersion
	// does not match the stream's current last version, or when a
	// storage-level unique-key violation on (aggregate_id, version)
	// races a concurrent append.
	ErrConcurrencyConflict = errors.New("concurrency conflict")

	// ErrDuplicate names a re-append of an event batch that is already
	// stored. Neither EventStore implementation in this package returns
	// it: such a re-append fails with ErrConcurrencyConflict.
	ErrDuplicate = errors.New("duplicate append")

	// ErrSnapshotNotFound is returned by LoadSnapshot when no snapshot
	// exists for the aggregate.
	ErrSnapshotNotFound = errors.New("snapshot not found")
)
