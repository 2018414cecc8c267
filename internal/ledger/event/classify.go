package event

// Class separates evidence from tracking events. Classification is a static
// lookup keyed by kind, never stored per event.
type Class string

const (
	// ClassEvidence covers strong facts: signatures, confirmed anchors,
	// finalized artifacts, presence attestations. Evidence events require a
	// verifiable Source on the envelope.
	ClassEvidence Class = "evidence"

	// ClassTracking covers pending/failed auxiliary state that supports but
	// does not itself prove anything.
	ClassTracking Class = "tracking"
)

var kindClasses = map[Kind]Class{
	KindProtectionRequested: ClassEvidence,
	KindDocumentCertified:   ClassEvidence,
	KindDocumentFinalized:   ClassEvidence,
	KindTimestampConfirmed:  ClassEvidence,
	KindAnchorConfirmed:     ClassEvidence,
	KindPresenceConfirmed:   ClassEvidence,
	KindPresenceWitnessed:   ClassEvidence,
	KindSessionClosed:       ClassEvidence,

	KindTimestampFailed:    ClassTracking,
	KindAnchorSubmitted:    ClassTracking,
	KindAnchorFailed:       ClassTracking,
	KindTransparencyRecord: ClassTracking,
}

// ClassOf returns the class for a kind. Unknown kinds default to tracking so
// that a forgotten map entry can never inflate evidentiary weight.
func ClassOf(kind Kind) Class {
	if c, ok := kindClasses[kind]; ok {
		return c
	}
	return ClassTracking
}

// IsEvidence reports whether events of this kind carry evidentiary weight.
func IsEvidence(kind Kind) bool {
	return ClassOf(kind) == ClassEvidence
}
