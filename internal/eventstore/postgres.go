package eventstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/lib/pq"

	"github.com/ordercore/orderservice/internal/domain"
)

// PostgresStore is the production EventStore, grounded on the teacher's
// internal/repository/postgres/event_store.go transaction shape, with
// the pq.Error unique-violation refinement used across the pack's other
// Postgres event stores.
type PostgresStore struct {
	db            *sql.DB
	snapshotEvery int
}

// NewPostgresStore creates a Postgres-backed EventStore. snapshotEvery
// is the configured period (spec §4.2 default 50); 0 disables automatic
// snapshotting.
func NewPostgresStore(db *sql.DB, snapshotEvery int) *PostgresStore {
	return &PostgresStore{db: db, snapshotEvery: snapshotEvery}
}

func (s *PostgresStore) LoadEvents(ctx context.Context, aggregateID string) ([]domain.StoredEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT aggregate_id, version, timestamp, kind, payload FROM events WHERE aggregate_id = $1 ORDER BY version ASC`,
		aggregateID,
	)
	if err != nil {
		return nil, fmt.Errorf("load events for %s: %w", aggregateID, err)
	}
	defer rows.Close()

	var out []domain.StoredEvent
	for rows.Next() {
		var rec domain.StoredEvent
		if err := rows.Scan(&rec.AggregateID, &rec.Version, &rec.Timestamp, &rec.Kind, &rec.Payload); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate event rows: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Append(ctx context.Context, aggregateID string, events []domain.Event, expectedVersion int) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var currentVersion int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), -1) FROM events WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&currentVersion)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("query current version for %s: %w", aggregateID, err)
	}

	if currentVersion != expectedVersion {
		return fmt.Errorf("aggregate %s at version %d, expected %d: %w", aggregateID, currentVersion, expectedVersion, ErrConcurrencyConflict)
	}

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO events (aggregate_id, version, timestamp, kind, payload) VALUES ($1, $2, $3, $4, $5)`,
	)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	version := expectedVersion
	for _, e := range events {
		version++
		payload, err := domain.Encode(e)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", e.EventType(), err)
		}
		if _, err := stmt.ExecContext(ctx, aggregateID, version, now, e.EventType(), payload); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				return fmt.Errorf("unique key race on (%s, %d): %w", aggregateID, version, ErrConcurrencyConflict)
			}
			return fmt.Errorf("insert event %s at version %d: %w", e.EventType(), version, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}

	s.maybeSnapshot(ctx, aggregateID, version)
	return nil
}

func (s *PostgresStore) LastEvent(ctx context.Context, aggregateID string) (*domain.StoredEvent, error) {
	var rec domain.StoredEvent
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_id, version, timestamp, kind, payload FROM events WHERE aggregate_id = $1 ORDER BY version DESC LIMIT 1`,
		aggregateID,
	).Scan(&rec.AggregateID, &rec.Version, &rec.Timestamp, &rec.Kind, &rec.Payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load last event for %s: %w", aggregateID, err)
	}
	return &rec, nil
}

func (s *PostgresStore) SaveSnapshot(ctx context.Context, snap Snapshot) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, version, schema_version, state, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET version = EXCLUDED.version,
		    schema_version = EXCLUDED.schema_version,
		    state = EXCLUDED.state,
		    created_at = EXCLUDED.created_at
		WHERE snapshots.version < EXCLUDED.version
	`, snap.AggregateID, snap.Version, snap.SchemaVersion, snap.State, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", snap.AggregateID, err)
	}
	return nil
}

func (s *PostgresStore) LoadSnapshot(ctx context.Context, aggregateID string) (Snapshot, error) {
	var snap Snapshot
	err := s.db.QueryRowContext(ctx,
		`SELECT aggregate_id, version, schema_version, state FROM snapshots WHERE aggregate_id = $1`,
		aggregateID,
	).Scan(&snap.AggregateID, &snap.Version, &snap.SchemaVersion, &snap.State)
	if err == sql.ErrNoRows {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("load snapshot for %s: %w", aggregateID, err)
	}
	return snap, nil
}

func (s *PostgresStore) PublishWatermark(ctx context.Context, aggregateID string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM publish_watermarks WHERE aggregate_id = $1`, aggregateID,
	).Scan(&version)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, fmt.Errorf("load publish watermark for %s: %w", aggregateID, err)
	}
	return version, nil
}

func (s *PostgresStore) SetPublishWatermark(ctx context.Context, aggregateID string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_watermarks (aggregate_id, version)
		VALUES ($1, $2)
		ON CONFLICT (aggregate_id) DO UPDATE
		SET version = EXCLUDED.version
		WHERE publish_watermarks.version < EXCLUDED.version
	`, aggregateID, version)
	if err != nil {
		return fmt.Errorf("set publish watermark for %s: %w", aggregateID, err)
	}
	return nil
}

func (s *PostgresStore) UnpublishedAggregates(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT e.aggregate_id
		FROM events e
		LEFT JOIN publish_watermarks w ON w.aggregate_id = e.aggregate_id
		GROUP BY e.aggregate_id, w.version
		HAVING MAX(e.version) > COALESCE(w.version, -1)
	`)
	if err != nil {
		return nil, fmt.Errorf("query unpublished aggregates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan unpublished aggregate id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// maybeSnapshot implements the §4.2 snapshot policy: after a successful
// append, if the new max version is positive and divisible by the
// configured period, replay the full history and persist a snapshot.
// Any failure here is logged, never propagated — snapshotting is an
// optimization and must not affect append success.
func (s *PostgresStore) maybeSnapshot(ctx context.Context, aggregateID string, newVersion int) {
	if s.snapshotEvery <= 0 || newVersion <= 0 || newVersion%s.snapshotEvery != 0 {
		return
	}

	history, err := s.LoadEvents(ctx, aggregateID)
	if err != nil {
		slog.Error("snapshot: failed to load history", "aggregate_id", aggregateID, "err", err)
		return
	}

	order := domain.NewOrder(aggregateID)
	if err := order.Rehydrate(history); err != nil {
		slog.Error("snapshot: failed to replay history", "aggregate_id", aggregateID, "err", err)
		return
	}

	state, err := encodeSnapshotState(order)
	if err != nil {
		slog.Error("snapshot: failed to marshal state", "aggregate_id", aggregateID, "err", err)
		return
	}

	if err := s.SaveSnapshot(ctx, Snapshot{
		AggregateID:   aggregateID,
		Version:       order.Version,
		SchemaVersion: snapshotSchemaVersion,
		State:         state,
	}); err != nil {
		slog.Error("snapshot: failed to save", "aggregate_id", aggregateID, "err", err)
	}
}
