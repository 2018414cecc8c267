package ledger

import (
	"veridoc/internal/canonical"
	"veridoc/internal/ledger/event"
)

// DeriveState recomputes the document view from its ledger. It never mutates
// anything; the log is the only truth.
func DeriveState(doc DocumentEntity, events []event.Event) DerivedState {
	state := DerivedState{
		Status:     StatusCreated,
		Tier:       TierActive,
		EventCount: len(events),
	}

	confirmedNetworks := map[string]bool{}

	for _, e := range events {
		switch e.Kind {
		case event.KindDocumentCertified:
			if state.Status == StatusCreated {
				state.Status = StatusCertified
			}
			if p, ok := e.Payload.(event.CertificateRecord); ok {
				state.WitnessHash = p.WitnessHash
			}
		case event.KindProtectionRequested:
			if state.Status != StatusFinalized {
				state.Status = StatusProtected
			}
		case event.KindDocumentFinalized:
			state.Status = StatusFinalized
			if p, ok := e.Payload.(event.CertificateRecord); ok {
				if p.SignedHash != "" {
					state.SignedHash = p.SignedHash
				}
				if p.WitnessHash != "" {
					state.WitnessHash = p.WitnessHash
				}
			}
		case event.KindAnchorConfirmed:
			if p, ok := e.Payload.(event.AnchorRecord); ok {
				confirmedNetworks[p.Network] = true
			}
		}
	}

	switch {
	case confirmedNetworks["polygon"] && confirmedNetworks["bitcoin"]:
		state.Tier = TierTotal
	case len(confirmedNetworks) > 0:
		state.Tier = TierReinforced
	}

	if state.WitnessHash == "" {
		state.WitnessHash = doc.SourceHash
	}
	state.CompositeHash, _ = canonical.HashCanonical(map[string]any{
		"source_hash":  doc.SourceHash,
		"witness_hash": state.WitnessHash,
		"signed_hash":  state.SignedHash,
	})
	return state
}

// LatestProtectionRequest returns the most recent protection request in the
// log, or nil. Policy monotonicity compares new requests against it.
func LatestProtectionRequest(events []event.Event) *event.ProtectionRequest {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == event.KindProtectionRequested {
			if p, ok := events[i].Payload.(event.ProtectionRequest); ok {
				return &p
			}
		}
	}
	return nil
}

// HasConfirmedTimestamp reports whether a confirmed legal-timestamp event
// exists for the exact hash. Anchor submission requires it.
func HasConfirmedTimestamp(events []event.Event, hash string) bool {
	for _, e := range events {
		if e.Kind != event.KindTimestampConfirmed {
			continue
		}
		if p, ok := e.Payload.(event.TimestampRecord); ok && p.Hash == hash {
			return true
		}
	}
	return false
}

// findAnchorDuplicate scans for an existing event of the same kind whose
// anchor record matches the idempotence key.
func findAnchorDuplicate(events []event.Event, kind event.Kind, record event.AnchorRecord) bool {
	key := record.IdempotenceKey()
	for _, e := range events {
		if e.Kind != kind {
			continue
		}
		if p, ok := e.Payload.(event.AnchorRecord); ok && p.IdempotenceKey() == key {
			return true
		}
	}
	return false
}
