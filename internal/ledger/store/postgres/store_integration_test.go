//go:build integration

package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
	"veridoc/pkg/platform/sentinel"
	"veridoc/pkg/testutil/containers"
)

func newStore(t *testing.T) *Store {
	t.Helper()
	pc := containers.NewPostgresContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := Open(ctx, pc.DSN)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func newEntity(t *testing.T, store *Store) ledger.DocumentEntity {
	t.Helper()
	doc := ledger.DocumentEntity{
		ID:         uuid.NewString(),
		OwnerID:    "owner-1",
		SourceHash: "aa11",
		CreatedAt:  time.Now().UTC().Truncate(time.Microsecond),
		Metadata:   map[string]string{},
	}
	require.NoError(t, store.CreateEntity(context.Background(), doc))
	return doc
}

func anchorEvent(doc ledger.DocumentEntity, status string) event.Event {
	kind := event.KindAnchorSubmitted
	if status == "confirmed" {
		kind = event.KindAnchorConfirmed
	}
	return event.Event{
		ID:            uuid.NewString(),
		Kind:          kind,
		At:            time.Now().UTC(),
		V:             1,
		Actor:         "test",
		Source:        "test",
		EntityID:      doc.ID,
		CorrelationID: doc.ID,
		Payload: event.AnchorRecord{
			Network:     "polygon",
			WitnessHash: doc.SourceHash,
			AnchorStage: event.StageInitial,
			Status:      status,
		},
	}
}

func TestAppendAndList(t *testing.T) {
	store := newStore(t)
	doc := newEntity(t, store)
	ctx := context.Background()

	e := anchorEvent(doc, "pending")
	require.NoError(t, store.Append(ctx, doc.ID, e, 0))

	events, err := store.List(ctx, doc.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	record, ok := events[0].Payload.(event.AnchorRecord)
	require.True(t, ok)
	assert.Equal(t, "polygon", record.Network)
}

func TestAppend_CompareAndAppendConflict(t *testing.T) {
	store := newStore(t)
	doc := newEntity(t, store)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, doc.ID, anchorEvent(doc, "pending"), 0))

	// Second writer with the same expected sequence loses the race.
	err := store.Append(ctx, doc.ID, anchorEvent(doc, "pending"), 0)
	assert.ErrorIs(t, err, sentinel.ErrConflict)
}

func TestAppend_UnknownEntity(t *testing.T) {
	store := newStore(t)
	doc := ledger.DocumentEntity{ID: uuid.NewString(), SourceHash: "x"}
	err := store.Append(context.Background(), doc.ID, anchorEvent(doc, "pending"), 0)
	assert.ErrorIs(t, err, sentinel.ErrNotFound)
}

func TestEventsAreImmutableAtTheDatabase(t *testing.T) {
	store := newStore(t)
	doc := newEntity(t, store)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, doc.ID, anchorEvent(doc, "pending"), 0))

	_, err := store.db.ExecContext(ctx, `UPDATE ledger_events SET kind = 'tampered.kind'`)
	assert.Error(t, err, "trigger must reject UPDATE")

	_, err = store.db.ExecContext(ctx, `DELETE FROM ledger_events`)
	assert.Error(t, err, "trigger must reject DELETE")
}

func TestListPendingAnchors(t *testing.T) {
	store := newStore(t)
	doc := newEntity(t, store)
	ctx := context.Background()

	require.NoError(t, store.Append(ctx, doc.ID, anchorEvent(doc, "pending"), 0))

	pending, err := store.ListPendingAnchors(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, doc.ID, pending[0].EntityID)

	require.NoError(t, store.Append(ctx, doc.ID, anchorEvent(doc, "confirmed"), 1))

	pending, err = store.ListPendingAnchors(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestSetMetadata(t *testing.T) {
	store := newStore(t)
	doc := newEntity(t, store)
	ctx := context.Background()

	require.NoError(t, store.SetMetadata(ctx, doc.ID, "artifact_path", "s3://bucket/key"))

	loaded, err := store.GetEntity(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/key", loaded.Metadata["artifact_path"])

	assert.ErrorIs(t, store.SetMetadata(ctx, uuid.NewString(), "k", "v"), sentinel.ErrNotFound)
}
