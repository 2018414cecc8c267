package notary

import (
	"context"
	"log/slog"
	"time"

	"veridoc/internal/canonical"
	dErrors "veridoc/pkg/domain-errors"
)

// SignatureStatus reports how the institutional signature turned out.
type SignatureStatus string

const (
	SignatureSigned   SignatureStatus = "signed"
	SignatureUnsigned SignatureStatus = "unsigned"
)

// InstitutionalSignature is the service's countersignature over a finalized
// evidentiary bundle.
type InstitutionalSignature struct {
	Status      SignatureStatus `json:"status"`
	ContentHash string          `json:"content_hash"`
	Signature   string          `json:"signature,omitempty"`
	PublicKey   string          `json:"public_key,omitempty"`
	SignerID    string          `json:"signer_id"`
	SignedAt    time.Time       `json:"signed_at"`
	Reason      string          `json:"reason,omitempty"`
}

// Signer re-signs finalized bundles with the service-held key.
type Signer struct {
	keypair  *Keypair
	signerID string
	strict   bool
	logger   *slog.Logger
	now      func() time.Time
}

// SignerOption configures the Signer.
type SignerOption func(*Signer)

func WithSignerLogger(logger *slog.Logger) SignerOption {
	return func(s *Signer) { s.logger = logger }
}

func WithSignerClock(now func() time.Time) SignerOption {
	return func(s *Signer) { s.now = now }
}

// NewSigner builds the institutional signer. keypair may be nil: by default
// signing degrades to an unsigned result with a logged reason; with strict
// set, a missing key is fatal at signing time.
func NewSigner(keypair *Keypair, signerID string, strict bool, opts ...SignerOption) *Signer {
	s := &Signer{
		keypair:  keypair,
		signerID: signerID,
		strict:   strict,
		logger:   slog.New(slog.DiscardHandler),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Ready reports whether a signing key is configured. Sign on a non-ready
// signer degrades to unsigned (or fails in strict mode).
func (s *Signer) Ready() bool {
	return s.keypair != nil
}

// Sign strips any prior signature field from the bundle, canonicalizes and
// hashes the remainder, and signs that hash.
func (s *Signer) Sign(ctx context.Context, bundle map[string]any) (InstitutionalSignature, error) {
	stripped := make(map[string]any, len(bundle))
	for k, v := range bundle {
		if k == "signature" {
			continue
		}
		stripped[k] = v
	}

	contentHash, err := canonical.HashCanonical(stripped)
	if err != nil {
		return InstitutionalSignature{}, dErrors.Wrap(err, dErrors.CodeInternal, "canonicalize bundle")
	}

	if s.keypair == nil {
		if s.strict {
			return InstitutionalSignature{}, dErrors.New(dErrors.CodeKeyMissing, "institutional signing key not configured")
		}
		s.logger.WarnContext(ctx, "institutional signing skipped, no key configured",
			"signer_id", s.signerID,
			"content_hash", contentHash,
		)
		return InstitutionalSignature{
			Status:      SignatureUnsigned,
			ContentHash: contentHash,
			SignerID:    s.signerID,
			SignedAt:    s.now().UTC(),
			Reason:      "signing key not configured",
		}, nil
	}

	return InstitutionalSignature{
		Status:      SignatureSigned,
		ContentHash: contentHash,
		Signature:   s.keypair.Sign([]byte(contentHash)),
		PublicKey:   s.keypair.PublicKeyBase64(),
		SignerID:    s.signerID,
		SignedAt:    s.now().UTC(),
	}, nil
}
