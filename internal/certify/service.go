// Package certify implements the synchronous certification path and the
// asynchronous anchoring pipeline. Certification never waits on a blockchain:
// the certificate is complete the moment Certify returns, and anchors only
// ever raise the protection tier afterwards.
package certify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"veridoc/internal/canonical"
	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
	"veridoc/internal/notary"
	"veridoc/internal/platform/metrics"
	"veridoc/internal/storage"
	dErrors "veridoc/pkg/domain-errors"
)

const sourceCertify = "certify"

// CertifyRequest carries everything needed to certify one document.
type CertifyRequest struct {
	OwnerID     string
	FileName    string
	ContentType string
	Bytes       []byte
	Metadata    map[string]string
}

// CertifyResult pairs the certificate with its ledger entity and the
// serialized bundle handed to downstream delivery.
type CertifyResult struct {
	Document    *ledger.DocumentEntity
	Certificate Certificate
	Buffer      []byte
	StoragePath string
}

// Service runs certification and anchoring on top of the ledger.
type Service struct {
	ledger        *ledger.Service
	keypair       *notary.Keypair
	tsa           *TSAClient
	objects       storage.ObjectStore
	providers     map[string]Provider
	maxClockSkew  time.Duration
	submitTimeout time.Duration
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
	now           func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithKeypair sets the service signing key. Without one, a fresh keypair is
// generated per certificate.
func WithKeypair(kp *notary.Keypair) Option {
	return func(s *Service) { s.keypair = kp }
}

func WithTSA(client *TSAClient) Option {
	return func(s *Service) { s.tsa = client }
}

func WithObjectStore(store storage.ObjectStore) Option {
	return func(s *Service) { s.objects = store }
}

func WithProvider(p Provider) Option {
	return func(s *Service) { s.providers[p.Network()] = p }
}

func WithMaxClockSkew(d time.Duration) Option {
	return func(s *Service) { s.maxClockSkew = d }
}

func WithSubmitTimeout(d time.Duration) Option {
	return func(s *Service) { s.submitTimeout = d }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(ledgerSvc *ledger.Service, opts ...Option) (*Service, error) {
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	svc := &Service{
		ledger:        ledgerSvc,
		providers:     map[string]Provider{},
		maxClockSkew:  5 * time.Minute,
		submitTimeout: 5 * time.Second,
		logger:        slog.New(slog.DiscardHandler),
		tracer:        otel.Tracer("veridoc/certify"),
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// Certify runs the synchronous certification path: hash, manifest, signature,
// best-effort legal timestamp, and the ledger events that witness it. The
// returned certificate is self-contained; blockchain anchoring happens later
// and independently.
func (s *Service) Certify(ctx context.Context, req CertifyRequest) (*CertifyResult, error) {
	ctx, span := s.tracer.Start(ctx, "certify.Certify")
	defer span.End()

	if req.FileName == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "file name is required")
	}

	hash := canonical.SHA256Hex(req.Bytes)
	now := s.now().UTC()

	keypair := s.keypair
	if keypair == nil {
		generated, err := notary.GenerateKeypair()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate keypair")
		}
		keypair = generated
	}

	doc, err := s.ledger.CreateDocument(ctx, req.OwnerID, hash)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("document.id", doc.ID))

	manifest := buildManifest(doc.ID, req, hash, now)
	canonicalManifest, err := canonical.Canonicalize(manifest)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "canonicalize manifest")
	}
	witnessHash := canonical.SHA256HexString(canonicalManifest)
	signature := keypair.Sign([]byte(canonicalManifest))

	legal := s.requestLegalTimestamp(ctx, witnessHash, now)

	cert := Certificate{
		Hash:           hash,
		Timestamp:      now,
		Signature:      signature,
		PublicKey:      keypair.PublicKeyBase64(),
		Manifest:       manifest,
		LegalTimestamp: legal,
	}
	if legal.Enabled && s.maxClockSkew > 0 {
		if skew := absDuration(legal.Timestamp.Sub(now)); skew > s.maxClockSkew {
			cert.Flags = map[string]string{"clock_skew_exceeded": skew.String()}
			s.logger.WarnContext(ctx, "tsa clock skew beyond bound",
				"document_id", doc.ID, "skew", skew.String())
		}
	}
	cert.Summary = summarize(cert)

	buffer, err := cert.Buffer()
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "serialize certificate")
	}

	storagePath := s.storeArtifact(ctx, doc.ID, buffer)

	if _, err := s.ledger.Append(ctx, doc.ID, event.Event{
		Kind: event.KindDocumentCertified,
		At:   now,
		Payload: event.CertificateRecord{
			Hash:        hash,
			WitnessHash: witnessHash,
			PublicKey:   cert.PublicKey,
			Signature:   signature,
			StoragePath: storagePath,
		},
	}, sourceCertify); err != nil {
		return nil, err
	}

	if err := s.recordTimestampEvent(ctx, doc.ID, witnessHash, legal, now); err != nil {
		return nil, err
	}

	if s.metrics != nil {
		s.metrics.CertificationsTotal.Inc()
	}
	s.logger.InfoContext(ctx, "document certified",
		"document_id", doc.ID,
		"hash", hash,
		"time_source", legal.Source,
	)

	return &CertifyResult{
		Document:    doc,
		Certificate: cert,
		Buffer:      buffer,
		StoragePath: storagePath,
	}, nil
}

// requestLegalTimestamp asks the authority and degrades to the local clock.
// It never fails the certification.
func (s *Service) requestLegalTimestamp(ctx context.Context, witnessHash string, now time.Time) LegalTimestamp {
	result := s.tsa.Request(ctx, witnessHash)
	if s.metrics != nil {
		s.metrics.TSARequests.WithLabelValues(string(result.Outcome)).Inc()
	}

	if result.Outcome == TSAConfirmed {
		ts := now
		if !result.ServerTime.IsZero() {
			ts = result.ServerTime.UTC()
		}
		return LegalTimestamp{
			Enabled:    true,
			Source:     TimeSourceRFC3161,
			Confidence: ConfidenceHigh,
			Timestamp:  ts,
			Token:      result.Token,
			TSAURL:     result.TSAURL,
			Algorithm:  result.Algorithm,
		}
	}

	reason := ""
	if result.Outcome != TSADisabled {
		// Failed or timed out request; the reason marks the attempt so the
		// ledger records a timestamp.failed event.
		reason = result.Reason
		s.logger.WarnContext(ctx, "legal timestamp degraded to local clock",
			"outcome", string(result.Outcome), "reason", result.Reason)
	}
	return LegalTimestamp{
		Enabled:    false,
		Source:     TimeSourceLocalClock,
		Confidence: ConfidenceInformational,
		Timestamp:  now,
		Reason:     reason,
	}
}

// recordTimestampEvent witnesses the timestamp outcome in the ledger. Only a
// confirmed authority response produces timestamp.confirmed; anchoring later
// requires exactly that.
func (s *Service) recordTimestampEvent(ctx context.Context, entityID, witnessHash string, legal LegalTimestamp, now time.Time) error {
	if legal.Enabled {
		_, err := s.ledger.Append(ctx, entityID, event.Event{
			Kind: event.KindTimestampConfirmed,
			At:   now,
			Payload: event.TimestampRecord{
				Hash:       witnessHash,
				Source:     TimeSourceRFC3161,
				Confidence: ConfidenceHigh,
				TSAURL:     legal.TSAURL,
				Algorithm:  legal.Algorithm,
				Token:      legal.Token,
			},
		}, sourceCertify)
		return err
	}
	if legal.Reason == "" {
		// Authority not configured; nothing attempted, nothing to witness.
		return nil
	}
	_, err := s.ledger.Append(ctx, entityID, event.Event{
		Kind: event.KindTimestampFailed,
		At:   now,
		Payload: event.TimestampRecord{
			Hash:       witnessHash,
			Source:     TimeSourceLocalClock,
			Confidence: ConfidenceInformational,
			Reason:     legal.Reason,
		},
	}, sourceCertify)
	return err
}

// storeArtifact uploads the certificate bundle. Delivery of the certificate
// is never gated on storage, so failures degrade to a log line.
func (s *Service) storeArtifact(ctx context.Context, documentID string, buffer []byte) string {
	if s.objects == nil {
		return ""
	}
	key := fmt.Sprintf("certificates/%s.json", documentID)
	path, err := s.objects.Put(ctx, key, buffer)
	if err != nil {
		s.logger.WarnContext(ctx, "artifact upload failed", "document_id", documentID, "error", err)
		return ""
	}
	if err := s.ledger.SetMetadata(ctx, documentID, "artifact_path", path); err != nil {
		s.logger.WarnContext(ctx, "artifact pointer not recorded", "document_id", documentID, "error", err)
	}
	return path
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
