// Package presence implements the attestation session protocol: short-lived
// sessions in which signers and witnesses prove liveness with one-time codes,
// closed into a graded, institutionally signed Acta.
package presence

import (
	"time"

	"veridoc/internal/notary"
)

// Role of a session participant.
type Role string

const (
	RoleSigner  Role = "signer"
	RoleWitness Role = "witness"
)

// SessionStatus is the session lifecycle. Expiry is a pure clock check; only
// active and closed are ever stored.
type SessionStatus string

const (
	StatusActive  SessionStatus = "active"
	StatusExpired SessionStatus = "expired"
	StatusClosed  SessionStatus = "closed"
)

// Grade is the non-repudiation strength of a closed session.
type Grade string

const (
	GradeStrong  Grade = "strong"
	GradePartial Grade = "partial"
	GradeWeak    Grade = "weak"
)

// Confirmation methods.
const (
	MethodAuthenticatedSession = "authenticated_session"
	MethodParticipantToken     = "participant_token"
)

// Participant is one expected party in a session.
type Participant struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  Role   `json:"role"`
}

// Device is the parsed client fingerprint captured at confirmation time.
type Device struct {
	Browser  string `json:"browser,omitempty"`
	OS       string `json:"os,omitempty"`
	Mobile   bool   `json:"mobile,omitempty"`
	RemoteIP string `json:"remote_ip,omitempty"`
}

// Confirmation records one participant's successful liveness proof.
type Confirmation struct {
	Participant     string    `json:"participant"`
	Role            Role      `json:"role"`
	Method          string    `json:"method"`
	ConfirmedAt     time.Time `json:"confirmed_at"`
	AttestationHash string    `json:"attestation_hash"`
	Device          *Device   `json:"device,omitempty"`
}

// Attestation is a hash-committed statement binding a participant's proof to
// the session state it was made against. Created once, never mutated.
type Attestation struct {
	SessionID    string    `json:"session_id"`
	SnapshotHash string    `json:"snapshot_hash"`
	Participant  string    `json:"participant"`
	Method       string    `json:"method"`
	Proof        string    `json:"proof"`
	Hash         string    `json:"hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Session is the aggregate for one attestation round. SnapshotHash commits to
// the participant list and bound document set at open time; any later drift
// is detected by comparing hashes, never by diffing state.
type Session struct {
	ID            string                  `json:"id"`
	SnapshotHash  string                  `json:"snapshot_hash"`
	EntityIDs     []string                `json:"entity_ids"`
	Participants  []Participant           `json:"participants"`
	Confirmations map[string]Confirmation `json:"confirmations"`
	Attestations  []Attestation           `json:"attestations"`
	Status        SessionStatus           `json:"status"`
	CreatedAt     time.Time               `json:"created_at"`
	ExpiresAt     time.Time               `json:"expires_at"`
	Close         *CloseResult            `json:"close,omitempty"`
}

// EffectiveStatus folds clock expiry into the stored status.
func (s *Session) EffectiveStatus(now time.Time) SessionStatus {
	if s.Status == StatusClosed {
		return StatusClosed
	}
	if now.After(s.ExpiresAt) {
		return StatusExpired
	}
	return StatusActive
}

func (s *Session) participant(id string) *Participant {
	for i := range s.Participants {
		if s.Participants[i].ID == id {
			return &s.Participants[i]
		}
	}
	return nil
}

// OTPRecord holds a participant's one-time code state. Only bcrypt hashes are
// stored; the plaintext code and bearer token leave the service exactly once,
// at session open.
type OTPRecord struct {
	OTPHash        string     `json:"otp_hash"`
	Attempts       int        `json:"attempts"`
	ExpiresAt      time.Time  `json:"expires_at"`
	TokenHash      string     `json:"token_hash,omitempty"`
	TokenExpiresAt time.Time  `json:"token_expires_at,omitempty"`
	TokenRevoked   bool       `json:"token_revoked,omitempty"`
	VerifiedAt     *time.Time `json:"verified_at,omitempty"`
}

// Strand is one of the three independent evidence sources whose combined
// presence determines non-repudiation strength.
type Strand struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
	Present  bool   `json:"present"`
}

// Coverage summarizes who confirmed out of who was expected.
type Coverage struct {
	SignersExpected    int `json:"signers_expected"`
	SignersConfirmed   int `json:"signers_confirmed"`
	WitnessesExpected  int `json:"witnesses_expected"`
	WitnessesConfirmed int `json:"witnesses_confirmed"`
}

// Acta is the closing summary of a session, the bundle the institution signs.
type Acta struct {
	SessionID         string         `json:"session_id"`
	SnapshotHash      string         `json:"snapshot_hash"`
	EntityIDs         []string       `json:"entity_ids"`
	ClosedAt          time.Time      `json:"closed_at"`
	Coverage          Coverage       `json:"coverage"`
	Strands           []Strand       `json:"strands"`
	Grade             Grade          `json:"grade"`
	Confirmations     []Confirmation `json:"confirmations"`
	AttestationHashes []string       `json:"attestation_hashes"`
}

// TimestampAttempt records a legal-timestamp request on the acta hash,
// whatever its outcome.
type TimestampAttempt struct {
	Outcome string    `json:"outcome"`
	Token   string    `json:"token,omitempty"`
	TSAURL  string    `json:"tsa_url,omitempty"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// CloseResult is the immutable record attached to a closed session. Repeated
// close calls return it unchanged.
type CloseResult struct {
	SessionID    string                        `json:"session_id"`
	Grade        Grade                         `json:"grade"`
	Acta         Acta                          `json:"acta"`
	ActaHash     string                        `json:"acta_hash"`
	Signature    notary.InstitutionalSignature `json:"signature"`
	Timestamp    TimestampAttempt              `json:"timestamp"`
	Transparency notary.TransparencyResult     `json:"transparency"`
	ClosedAt     time.Time                     `json:"closed_at"`
}
