package ledger

import (
	"context"

	"veridoc/internal/ledger/event"
)

// Store persists document entities and their append-only event logs.
//
// Append is the storage primitive the whole core leans on: it must be atomic
// compare-and-append. expectedSeq is the caller's view of the current log
// length; if another writer got there first the store returns
// sentinel.ErrConflict (wrapped or bare) and nothing is written. Stores never
// update or delete past events.
type Store interface {
	CreateEntity(ctx context.Context, doc DocumentEntity) error
	GetEntity(ctx context.Context, entityID string) (*DocumentEntity, error)
	SetMetadata(ctx context.Context, entityID, key, value string) error

	Append(ctx context.Context, entityID string, e event.Event, expectedSeq int) error
	List(ctx context.Context, entityID string) ([]event.Event, error)

	// ListPendingAnchors returns anchor submissions that have neither a
	// confirmed nor a failed event for their idempotence key yet.
	ListPendingAnchors(ctx context.Context) ([]PendingAnchor, error)
}
