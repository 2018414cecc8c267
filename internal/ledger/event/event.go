// Package event defines the typed envelope and payloads recorded in the
// per-document ledger. Payloads form a tagged union discriminated by Kind;
// consumers never duck-type their way through free-form maps.
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind is a dot-separated event type tag. Underscore-separated tags are
// rejected at the append boundary.
type Kind string

const (
	KindProtectionRequested Kind = "document.protected.requested"
	KindDocumentCertified   Kind = "document.certified"
	KindDocumentFinalized   Kind = "document.signed.finalized"
	KindTimestampConfirmed  Kind = "timestamp.confirmed"
	KindTimestampFailed     Kind = "timestamp.failed"
	KindAnchorSubmitted     Kind = "anchor.submitted"
	KindAnchorConfirmed     Kind = "anchor.confirmed"
	KindAnchorFailed        Kind = "anchor.failed"
	KindPresenceConfirmed   Kind = "presence.confirmed"
	KindPresenceWitnessed   Kind = "presence.witnessed"
	KindSessionClosed       Kind = "presence.session.closed"
	KindTransparencyRecord  Kind = "transparency.published"
)

// Valid reports whether the kind is well formed: non-empty, dot-separated,
// never underscore-separated.
func (k Kind) Valid() bool {
	s := string(k)
	return s != "" && strings.Contains(s, ".") && !strings.Contains(s, "_")
}

// Event is the immutable envelope appended to a document's ledger.
// EntityID and CorrelationID always equal the owning document id; the append
// path forces them regardless of what the producer supplied.
type Event struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	At            time.Time `json:"at"`
	V             int       `json:"v"`
	Actor         string    `json:"actor"`
	Source        string    `json:"source"`
	EntityID      string    `json:"entity_id"`
	CorrelationID string    `json:"correlation_id"`
	Payload       Payload   `json:"payload,omitempty"`
}

// Payload is the kind-specific body of an event.
type Payload interface {
	isPayload()
}

// Stage orders protection requests. The order is fixed; regressions are
// rejected unconditionally.
type Stage string

const (
	StageInitial      Stage = "initial"
	StageIntermediate Stage = "intermediate"
	StageFinal        Stage = "final"
)

// Rank returns the position of the stage in the fixed order, or -1 for an
// unknown stage.
func (s Stage) Rank() int {
	switch s {
	case StageInitial:
		return 0
	case StageIntermediate:
		return 1
	case StageFinal:
		return 2
	}
	return -1
}

// ProtectionRequest is the payload of document.protected.requested.
type ProtectionRequest struct {
	RequiredEvidence []string `json:"required_evidence"`
	AnchorStage      Stage    `json:"anchor_stage"`
	PolicyOverride   string   `json:"policy_override,omitempty"`
}

func (ProtectionRequest) isPayload() {}

// AnchorRecord is the payload of the anchor.* lifecycle events. Its
// idempotence key is (witness_hash, network, anchor_stage, step_index):
// duplicate submissions with the same key are silently accepted as
// already-recorded.
type AnchorRecord struct {
	Network     string `json:"network"`
	WitnessHash string `json:"witness_hash"`
	AnchorStage Stage  `json:"anchor_stage"`
	StepIndex   int    `json:"step_index"`
	Status      string `json:"status"`
	JobID       string `json:"job_id,omitempty"`
	TxID        string `json:"tx_id,omitempty"`
	Reason      string `json:"reason,omitempty"`
}

func (AnchorRecord) isPayload() {}

// IdempotenceKey identifies an anchor submission across retried callbacks.
func (a AnchorRecord) IdempotenceKey() string {
	return fmt.Sprintf("%s|%s|%s|%d", a.WitnessHash, a.Network, a.AnchorStage, a.StepIndex)
}

// TimestampRecord is the payload of timestamp.confirmed / timestamp.failed.
type TimestampRecord struct {
	Hash       string `json:"hash"`
	Source     string `json:"source"`
	Confidence string `json:"confidence"`
	TSAURL     string `json:"tsa_url,omitempty"`
	Algorithm  string `json:"algorithm,omitempty"`
	Token      string `json:"token,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (TimestampRecord) isPayload() {}

// CertificateRecord is the payload of document.certified and
// document.signed.finalized.
type CertificateRecord struct {
	Hash        string `json:"hash"`
	WitnessHash string `json:"witness_hash"`
	SignedHash  string `json:"signed_hash,omitempty"`
	PublicKey   string `json:"public_key"`
	Signature   string `json:"signature"`
	StoragePath string `json:"storage_path,omitempty"`
}

func (CertificateRecord) isPayload() {}

// PresenceRecord is the payload of presence.confirmed, presence.witnessed and
// presence.session.closed.
type PresenceRecord struct {
	SessionID       string `json:"session_id"`
	SnapshotHash    string `json:"snapshot_hash"`
	Participant     string `json:"participant,omitempty"`
	Role            string `json:"role,omitempty"`
	Method          string `json:"method,omitempty"`
	AttestationHash string `json:"attestation_hash,omitempty"`
	ActaHash        string `json:"acta_hash,omitempty"`
	Grade           string `json:"grade,omitempty"`
}

func (PresenceRecord) isPayload() {}

// TransparencyRecord is the payload of transparency.published.
type TransparencyRecord struct {
	ContentHash string `json:"content_hash"`
	Outcome     string `json:"outcome"`
	EntryID     string `json:"entry_id,omitempty"`
}

func (TransparencyRecord) isPayload() {}

// wireEvent is the storage/wire representation with the payload held as raw
// JSON so the union can be re-discriminated on read.
type wireEvent struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	At            time.Time       `json:"at"`
	V             int             `json:"v"`
	Actor         string          `json:"actor"`
	Source        string          `json:"source"`
	EntityID      string          `json:"entity_id"`
	CorrelationID string          `json:"correlation_id"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON renders the envelope with its payload inline.
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(wireEvent{
		ID:            e.ID,
		Kind:          e.Kind,
		At:            e.At,
		V:             e.V,
		Actor:         e.Actor,
		Source:        e.Source,
		EntityID:      e.EntityID,
		CorrelationID: e.CorrelationID,
		Payload:       raw,
	})
}

// UnmarshalJSON re-discriminates the payload union by kind.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	e.ID = w.ID
	e.Kind = w.Kind
	e.At = w.At
	e.V = w.V
	e.Actor = w.Actor
	e.Source = w.Source
	e.EntityID = w.EntityID
	e.CorrelationID = w.CorrelationID
	e.Payload = nil
	if len(w.Payload) == 0 {
		return nil
	}
	payload, err := decodePayload(w.Kind, w.Payload)
	if err != nil {
		return err
	}
	e.Payload = payload
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	switch kind {
	case KindProtectionRequested:
		var p ProtectionRequest
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindAnchorSubmitted, KindAnchorConfirmed, KindAnchorFailed:
		var p AnchorRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindTimestampConfirmed, KindTimestampFailed:
		var p TimestampRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindDocumentCertified, KindDocumentFinalized:
		var p CertificateRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindPresenceConfirmed, KindPresenceWitnessed, KindSessionClosed:
		var p PresenceRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	case KindTransparencyRecord:
		var p TransparencyRecord
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, fmt.Errorf("decode %s payload: %w", kind, err)
		}
		return p, nil
	}
	return nil, fmt.Errorf("unknown event kind %q", kind)
}
