// Package ledger is the aggregate root of the evidentiary core: a
// per-document ordered, immutable log of typed events with idempotent
// insertion and a derived lifecycle state. The ledger preserves history;
// callers interpret it.
package ledger

import (
	"time"

	"veridoc/internal/ledger/event"
)

// ProtectionTier classifies a document by its confirmed anchors. Tiers only
// ever increase and are derived strictly from confirmed anchors, never from
// submission intent.
type ProtectionTier string

const (
	TierActive     ProtectionTier = "ACTIVE"
	TierReinforced ProtectionTier = "REINFORCED"
	TierTotal      ProtectionTier = "TOTAL"
)

// LifecycleStatus is derived from the event log, never stored as the sole
// truth.
type LifecycleStatus string

const (
	StatusCreated   LifecycleStatus = "created"
	StatusCertified LifecycleStatus = "certified"
	StatusProtected LifecycleStatus = "protected"
	StatusFinalized LifecycleStatus = "finalized"
)

// DocumentEntity is the aggregate root. Events grow monotonically; no event
// is ever edited or removed once appended. All derived fields are recomputed
// from the log.
type DocumentEntity struct {
	ID         string            `json:"id"`
	OwnerID    string            `json:"owner_id"`
	SourceHash string            `json:"source_hash"`
	CreatedAt  time.Time         `json:"created_at"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// DerivedState is the recomputed view of a document's ledger.
type DerivedState struct {
	Status        LifecycleStatus `json:"lifecycle_status"`
	Tier          ProtectionTier  `json:"protection_tier"`
	WitnessHash   string          `json:"witness_hash,omitempty"`
	SignedHash    string          `json:"signed_hash,omitempty"`
	CompositeHash string          `json:"composite_hash,omitempty"`
	EventCount    int             `json:"event_count"`
}

// PendingAnchor identifies a submitted anchor awaiting confirmation.
type PendingAnchor struct {
	EntityID string
	Record   event.AnchorRecord
}
