// Package postgres implements the ledger store on PostgreSQL. The
// append-only invariant is enforced at the database boundary: a trigger
// rejects UPDATE and DELETE on the events table, and the (entity_id, seq)
// primary key turns concurrent appends into conflicts instead of lost
// updates.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
	"veridoc/pkg/platform/sentinel"
)

const uniqueViolation = "23505"

// Store implements ledger.Store on PostgreSQL.
type Store struct {
	db *sql.DB
}

// Open connects with the pgx stdlib driver and ensures the schema.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open ledger database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping ledger database: %w", err)
	}
	store := &Store{db: db}
	if err := store.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// New wraps an existing connection pool; the caller owns its lifecycle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the tables and the append-only trigger.
func (s *Store) EnsureSchema(ctx context.Context) error {
	return s.ensureSchema(ctx)
}

func (s *Store) ensureSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS ledger_entities (
    id          UUID PRIMARY KEY,
    owner_id    TEXT NOT NULL,
    source_hash TEXT NOT NULL,
    created_at  TIMESTAMPTZ NOT NULL,
    metadata    JSONB NOT NULL DEFAULT '{}'::jsonb
);

CREATE TABLE IF NOT EXISTS ledger_events (
    entity_id UUID NOT NULL REFERENCES ledger_entities(id),
    seq       INTEGER NOT NULL,
    id        UUID NOT NULL UNIQUE,
    kind      TEXT NOT NULL,
    at        TIMESTAMPTZ NOT NULL,
    envelope  JSONB NOT NULL,
    PRIMARY KEY (entity_id, seq)
);

CREATE OR REPLACE FUNCTION ledger_events_immutable() RETURNS trigger AS $$
BEGIN
    RAISE EXCEPTION 'ledger_events is append-only';
END;
$$ LANGUAGE plpgsql;

DROP TRIGGER IF EXISTS ledger_events_no_rewrite ON ledger_events;
CREATE TRIGGER ledger_events_no_rewrite
    BEFORE UPDATE OR DELETE ON ledger_events
    FOR EACH ROW EXECUTE FUNCTION ledger_events_immutable();
`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure ledger schema: %w", err)
	}
	return nil
}

func (s *Store) CreateEntity(ctx context.Context, doc ledger.DocumentEntity) error {
	meta, err := json.Marshal(doc.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_entities (id, owner_id, source_hash, created_at, metadata)
		 VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.OwnerID, doc.SourceHash, doc.CreatedAt, meta)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	return err
}

func (s *Store) GetEntity(ctx context.Context, entityID string) (*ledger.DocumentEntity, error) {
	var doc ledger.DocumentEntity
	var meta []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, source_hash, created_at, metadata
		 FROM ledger_entities WHERE id = $1`, entityID).
		Scan(&doc.ID, &doc.OwnerID, &doc.SourceHash, &doc.CreatedAt, &meta)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(meta, &doc.Metadata); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &doc, nil
}

func (s *Store) SetMetadata(ctx context.Context, entityID, key, value string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ledger_entities
		 SET metadata = jsonb_set(metadata, ARRAY[$2], to_jsonb($3::text))
		 WHERE id = $1`, entityID, key, value)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err == nil && n == 0 {
		return sentinel.ErrNotFound
	}
	return err
}

// Append commits one event at exactly seq = expectedSeq. A concurrent writer
// that claimed the slot first causes a primary key conflict, reported as
// sentinel.ErrConflict so the caller re-reads and retries.
func (s *Store) Append(ctx context.Context, entityID string, e event.Event, expectedSeq int) error {
	envelope, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ledger_events (entity_id, seq, id, kind, at, envelope)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		entityID, expectedSeq, e.ID, e.Kind, e.At, envelope)
	if isUniqueViolation(err) {
		return sentinel.ErrConflict
	}
	if isForeignKeyViolation(err) {
		return sentinel.ErrNotFound
	}
	return err
}

func (s *Store) List(ctx context.Context, entityID string) ([]event.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT envelope FROM ledger_events WHERE entity_id = $1 ORDER BY seq`, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	events := []event.Event{}
	for rows.Next() {
		var envelope []byte
		if err := rows.Scan(&envelope); err != nil {
			return nil, err
		}
		var e event.Event
		if err := json.Unmarshal(envelope, &e); err != nil {
			return nil, fmt.Errorf("decode event envelope: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ListPendingAnchors finds anchor.submitted events whose idempotence key has
// no later confirmed or failed event.
func (s *Store) ListPendingAnchors(ctx context.Context) ([]ledger.PendingAnchor, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sub.entity_id, sub.envelope
		FROM ledger_events sub
		WHERE sub.kind = $1
		  AND NOT EXISTS (
			SELECT 1 FROM ledger_events res
			WHERE res.entity_id = sub.entity_id
			  AND res.kind IN ($2, $3)
			  AND res.envelope->'payload'->>'witness_hash' = sub.envelope->'payload'->>'witness_hash'
			  AND res.envelope->'payload'->>'network'      = sub.envelope->'payload'->>'network'
			  AND res.envelope->'payload'->>'anchor_stage' = sub.envelope->'payload'->>'anchor_stage'
			  AND res.envelope->'payload'->>'step_index'   = sub.envelope->'payload'->>'step_index'
		  )
		ORDER BY sub.at`,
		event.KindAnchorSubmitted, event.KindAnchorConfirmed, event.KindAnchorFailed)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var pending []ledger.PendingAnchor
	for rows.Next() {
		var entityID string
		var envelope []byte
		if err := rows.Scan(&entityID, &envelope); err != nil {
			return nil, err
		}
		var e event.Event
		if err := json.Unmarshal(envelope, &e); err != nil {
			return nil, fmt.Errorf("decode event envelope: %w", err)
		}
		record, ok := e.Payload.(event.AnchorRecord)
		if !ok {
			continue
		}
		pending = append(pending, ledger.PendingAnchor{EntityID: entityID, Record: record})
	}
	return pending, rows.Err()
}

// Close releases the underlying pool.
func (s *Store) Close() error {
	return s.db.Close()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
