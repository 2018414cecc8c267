package certify

import (
	"encoding/json"
	"fmt"
	"time"
)

// Time-assurance sources, highest confidence first.
const (
	TimeSourceRFC3161    = "RFC3161"
	TimeSourceLocalClock = "local_clock"

	ConfidenceHigh          = "high"
	ConfidenceInformational = "informational"
)

// LegalTimestamp describes the time assurance embedded in a certificate.
// Enabled is false when the authority was unreachable or not configured and
// the local clock was used instead.
type LegalTimestamp struct {
	Enabled    bool      `json:"enabled"`
	Source     string    `json:"source"`
	Confidence string    `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
	Token      string    `json:"token,omitempty"`
	TSAURL     string    `json:"tsa_url,omitempty"`
	Algorithm  string    `json:"algorithm,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// Certificate is the self-contained, independently verifiable bundle returned
// by certification. Nothing in it requires this service to re-verify.
type Certificate struct {
	Hash           string            `json:"hash"`
	Timestamp      time.Time         `json:"timestamp"`
	Signature      string            `json:"signature"`
	PublicKey      string            `json:"public_key"`
	Manifest       Manifest          `json:"manifest"`
	LegalTimestamp LegalTimestamp    `json:"legal_timestamp"`
	Summary        string            `json:"summary"`
	Flags          map[string]string `json:"flags,omitempty"`
}

// Buffer serializes the certificate for storage and delivery.
func (c Certificate) Buffer() ([]byte, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("encode certificate: %w", err)
	}
	return data, nil
}

func summarize(c Certificate) string {
	assurance := "local clock (informational)"
	if c.LegalTimestamp.Enabled {
		assurance = "RFC 3161 authority (high confidence)"
	}
	return fmt.Sprintf(
		"Document %s certified at %s. SHA-256 %s, signed with ed25519 key %s. Time assurance: %s.",
		c.Manifest.Asset.Name,
		c.Timestamp.Format(time.RFC3339),
		c.Hash,
		shortKey(c.PublicKey),
		assurance,
	)
}

func shortKey(k string) string {
	if len(k) <= 12 {
		return k
	}
	return k[:12] + "..."
}
