package certify

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"veridoc/internal/canonical"
	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
	"veridoc/internal/notary"
	"veridoc/internal/storage"
	dErrors "veridoc/pkg/domain-errors"
)

type fakeProvider struct {
	network     string
	jobID       string
	submitErr   error
	status      AnchorStatus
	statusErr   error
	submissions int
}

func (f *fakeProvider) Network() string { return f.network }

func (f *fakeProvider) Submit(context.Context, string, map[string]string) (string, error) {
	f.submissions++
	if f.submitErr != nil {
		return "", f.submitErr
	}
	return f.jobID, nil
}

func (f *fakeProvider) Status(context.Context, string) (AnchorStatus, error) {
	if f.statusErr != nil {
		return AnchorStatus{}, f.statusErr
	}
	return f.status, nil
}

type CertifySuite struct {
	suite.Suite
	ledger  *ledger.Service
	objects *storage.InMemoryStore
	keypair *notary.Keypair
}

func TestCertifySuite(t *testing.T) {
	suite.Run(t, new(CertifySuite))
}

func (s *CertifySuite) SetupTest() {
	var err error
	s.ledger, err = ledger.NewService(ledger.NewInMemoryStore())
	s.Require().NoError(err)
	s.objects = storage.NewInMemoryStore()
	s.keypair, err = notary.GenerateKeypair()
	s.Require().NoError(err)
}

func (s *CertifySuite) newService(opts ...Option) *Service {
	base := []Option{
		WithKeypair(s.keypair),
		WithObjectStore(s.objects),
	}
	svc, err := NewService(s.ledger, append(base, opts...)...)
	s.Require().NoError(err)
	return svc
}

// tsaServer stands in for an RFC 3161 authority.
func tsaServer(status int, date string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if date != "" {
			w.Header().Set("Date", date)
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			w.Write([]byte{0x30, 0x03, 0x02, 0x01, 0x00})
		}
	}))
}

func (s *CertifySuite) TestCertify_NoAuthorityConfigured() {
	svc := s.newService()

	res, err := svc.Certify(context.Background(), CertifyRequest{
		OwnerID:  "user-1",
		FileName: "deed.pdf",
		Bytes:    []byte("hello"),
	})
	s.Require().NoError(err)

	s.Equal(canonical.SHA256Hex([]byte("hello")), res.Certificate.Hash)
	s.NotEmpty(res.Buffer)
	s.False(res.Certificate.LegalTimestamp.Enabled)
	s.Equal(TimeSourceLocalClock, res.Certificate.LegalTimestamp.Source)
	s.Equal(ConfidenceInformational, res.Certificate.LegalTimestamp.Confidence)

	events, err := s.ledger.Events(context.Background(), res.Document.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 1)
	s.Equal(event.KindDocumentCertified, events[0].Kind)

	// The artifact landed in the object store and its pointer on the entity.
	_, ok := s.objects.Get(res.StoragePath)
	s.True(ok)
	doc, _, _, err := s.ledger.GetDocument(context.Background(), res.Document.ID)
	s.Require().NoError(err)
	s.Equal(res.StoragePath, doc.Metadata["artifact_path"])
}

func (s *CertifySuite) TestCertify_EmptyFile() {
	svc := s.newService()

	res, err := svc.Certify(context.Background(), CertifyRequest{
		OwnerID:  "user-1",
		FileName: "empty.bin",
		Bytes:    nil,
	})
	s.Require().NoError(err)
	s.Equal(canonical.SHA256Hex(nil), res.Certificate.Hash)
	s.NotEmpty(res.Buffer)
}

func (s *CertifySuite) TestCertify_AuthorityConfirmed() {
	server := tsaServer(http.StatusOK, time.Now().UTC().Format(http.TimeFormat))
	defer server.Close()
	svc := s.newService(WithTSA(NewTSAClient(server.URL, time.Second)))

	res, err := svc.Certify(context.Background(), CertifyRequest{
		OwnerID:  "user-1",
		FileName: "deed.pdf",
		Bytes:    []byte("hello"),
	})
	s.Require().NoError(err)

	s.True(res.Certificate.LegalTimestamp.Enabled)
	s.Equal(TimeSourceRFC3161, res.Certificate.LegalTimestamp.Source)
	s.Equal(ConfidenceHigh, res.Certificate.LegalTimestamp.Confidence)
	s.NotEmpty(res.Certificate.LegalTimestamp.Token)

	events, err := s.ledger.Events(context.Background(), res.Document.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(event.KindDocumentCertified, events[0].Kind)
	s.Equal(event.KindTimestampConfirmed, events[1].Kind)

	// The authority witnessed exactly the hash of the canonical manifest.
	canonicalManifest, err := canonical.Canonicalize(res.Certificate.Manifest)
	s.Require().NoError(err)
	record := events[1].Payload.(event.TimestampRecord)
	s.Equal(canonical.SHA256HexString(canonicalManifest), record.Hash)

	// The signature verifies against the canonical manifest.
	s.True(s.keypair.Verify([]byte(canonicalManifest), res.Certificate.Signature))
}

func (s *CertifySuite) TestCertify_AuthorityFailureDegrades() {
	server := tsaServer(http.StatusInternalServerError, "")
	defer server.Close()
	svc := s.newService(WithTSA(NewTSAClient(server.URL, time.Second)))

	res, err := svc.Certify(context.Background(), CertifyRequest{
		OwnerID:  "user-1",
		FileName: "deed.pdf",
		Bytes:    []byte("hello"),
	})
	s.Require().NoError(err)
	s.False(res.Certificate.LegalTimestamp.Enabled)
	s.Equal(TimeSourceLocalClock, res.Certificate.LegalTimestamp.Source)
	s.NotEmpty(res.Certificate.LegalTimestamp.Reason)

	events, err := s.ledger.Events(context.Background(), res.Document.ID)
	s.Require().NoError(err)
	s.Require().Len(events, 2)
	s.Equal(event.KindTimestampFailed, events[1].Kind)
}

func (s *CertifySuite) TestCertify_ClockSkewFlagged() {
	skewed := time.Now().UTC().Add(30 * time.Minute).Format(http.TimeFormat)
	server := tsaServer(http.StatusOK, skewed)
	defer server.Close()
	svc := s.newService(
		WithTSA(NewTSAClient(server.URL, time.Second)),
		WithMaxClockSkew(5*time.Minute),
	)

	res, err := svc.Certify(context.Background(), CertifyRequest{
		OwnerID:  "user-1",
		FileName: "deed.pdf",
		Bytes:    []byte("hello"),
	})
	s.Require().NoError(err)
	s.True(res.Certificate.LegalTimestamp.Enabled)
	s.NotEmpty(res.Certificate.Flags["clock_skew_exceeded"])
}

func (s *CertifySuite) certifyWithTimestamp(provider ...Provider) (*Service, *CertifyResult) {
	server := tsaServer(http.StatusOK, "")
	s.T().Cleanup(server.Close)

	opts := []Option{WithTSA(NewTSAClient(server.URL, time.Second))}
	for _, p := range provider {
		opts = append(opts, WithProvider(p))
	}
	svc := s.newService(opts...)
	res, err := svc.Certify(context.Background(), CertifyRequest{
		OwnerID:  "user-1",
		FileName: "deed.pdf",
		Bytes:    []byte("hello"),
	})
	s.Require().NoError(err)
	return svc, res
}

func (s *CertifySuite) TestSubmitAnchor_RequiresConfirmedTimestamp() {
	provider := &fakeProvider{network: "polygon", jobID: "job-1"}
	svc := s.newService(WithProvider(provider))

	res, err := svc.Certify(context.Background(), CertifyRequest{
		OwnerID:  "user-1",
		FileName: "deed.pdf",
		Bytes:    []byte("hello"),
	})
	s.Require().NoError(err)

	err = svc.SubmitAnchor(context.Background(), res.Document.ID, "polygon", event.StageInitial, 0)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeAnchorPrecondition))
	s.True(dErrors.Retryable(err))
	s.Zero(provider.submissions)

	events, err := s.ledger.Events(context.Background(), res.Document.ID)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *CertifySuite) TestSubmitAnchor_UnknownNetwork() {
	svc, res := s.certifyWithTimestamp()
	err := svc.SubmitAnchor(context.Background(), res.Document.ID, "solana", event.StageInitial, 0)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))
}

func (s *CertifySuite) TestSubmitAnchor_ProviderFailureRecorded() {
	provider := &fakeProvider{network: "polygon", submitErr: context.DeadlineExceeded}
	svc, res := s.certifyWithTimestamp(provider)

	err := svc.SubmitAnchor(context.Background(), res.Document.ID, "polygon", event.StageInitial, 0)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeUnavailable))

	events, err := s.ledger.Events(context.Background(), res.Document.ID)
	s.Require().NoError(err)
	last := events[len(events)-1]
	s.Equal(event.KindAnchorFailed, last.Kind)
	s.Equal(AnchorStateFailed, last.Payload.(event.AnchorRecord).Status)
}

func (s *CertifySuite) TestSubmitAnchor_IdempotentResubmission() {
	provider := &fakeProvider{network: "polygon", jobID: "job-1"}
	svc, res := s.certifyWithTimestamp(provider)

	s.Require().NoError(svc.SubmitAnchor(context.Background(), res.Document.ID, "polygon", event.StageInitial, 0))
	s.Require().NoError(svc.SubmitAnchor(context.Background(), res.Document.ID, "polygon", event.StageInitial, 0))

	events, err := s.ledger.Events(context.Background(), res.Document.ID)
	s.Require().NoError(err)
	submitted := 0
	for _, e := range events {
		if e.Kind == event.KindAnchorSubmitted {
			submitted++
		}
	}
	s.Equal(1, submitted)
}

func (s *CertifySuite) TestPoller_ConfirmationRaisesTier() {
	polygon := &fakeProvider{network: "polygon", jobID: "job-p", status: AnchorStatus{State: AnchorStatePending}}
	bitcoin := &fakeProvider{network: "bitcoin", jobID: "job-b", status: AnchorStatus{State: AnchorStatePending}}
	svc, res := s.certifyWithTimestamp(polygon, bitcoin)
	poller := NewPoller(svc, time.Second, nil)
	ctx := context.Background()

	s.Require().NoError(svc.SubmitAnchor(ctx, res.Document.ID, "polygon", event.StageInitial, 0))
	s.Require().NoError(svc.SubmitAnchor(ctx, res.Document.ID, "bitcoin", event.StageInitial, 0))

	// Submission intent alone never moves the tier.
	_, state, _, err := s.ledger.GetDocument(ctx, res.Document.ID)
	s.Require().NoError(err)
	s.Equal(ledger.TierActive, state.Tier)

	// Still pending on chain: a pass changes nothing.
	poller.ResolvePending(ctx)
	_, state, _, err = s.ledger.GetDocument(ctx, res.Document.ID)
	s.Require().NoError(err)
	s.Equal(ledger.TierActive, state.Tier)

	polygon.status = AnchorStatus{State: AnchorStateConfirmed, TxID: "0xabc"}
	poller.ResolvePending(ctx)
	_, state, _, err = s.ledger.GetDocument(ctx, res.Document.ID)
	s.Require().NoError(err)
	s.Equal(ledger.TierReinforced, state.Tier)

	bitcoin.status = AnchorStatus{State: AnchorStateConfirmed, TxID: "tx-btc"}
	poller.ResolvePending(ctx)
	_, state, _, err = s.ledger.GetDocument(ctx, res.Document.ID)
	s.Require().NoError(err)
	s.Equal(ledger.TierTotal, state.Tier)
}

func (s *CertifySuite) TestPoller_FailureRecordedOnce() {
	polygon := &fakeProvider{network: "polygon", jobID: "job-p", status: AnchorStatus{State: AnchorStateFailed, Reason: "reorg"}}
	svc, res := s.certifyWithTimestamp(polygon)
	poller := NewPoller(svc, time.Second, nil)
	ctx := context.Background()

	s.Require().NoError(svc.SubmitAnchor(ctx, res.Document.ID, "polygon", event.StageInitial, 0))
	poller.ResolvePending(ctx)
	poller.ResolvePending(ctx)

	events, err := s.ledger.Events(ctx, res.Document.ID)
	s.Require().NoError(err)
	failed := 0
	for _, e := range events {
		if e.Kind == event.KindAnchorFailed {
			failed++
			s.Equal("reorg", e.Payload.(event.AnchorRecord).Reason)
		}
	}
	s.Equal(1, failed)
}

func TestHTTPProvider_SubmitAndStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/anchors":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"job_id":"job-42"}`))
		case r.Method == http.MethodGet && r.URL.Path == "/anchors/job-42":
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(`{"state":"confirmed","tx_id":"0xdead"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	provider := NewHTTPProvider("polygon", server.URL, time.Second)
	jobID, err := provider.Submit(context.Background(), "abc123", nil)
	require.NoError(t, err)
	require.Equal(t, "job-42", jobID)

	status, err := provider.Status(context.Background(), jobID)
	require.NoError(t, err)
	require.Equal(t, AnchorStateConfirmed, status.State)
	require.Equal(t, "0xdead", status.TxID)
}
