package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"veridoc/internal/ledger/event"
	dErrors "veridoc/pkg/domain-errors"
)

type ServiceSuite struct {
	suite.Suite
	store *InMemoryStore
	svc   *Service
	doc   *DocumentEntity
}

func TestServiceSuite(t *testing.T) {
	suite.Run(t, new(ServiceSuite))
}

func (s *ServiceSuite) SetupTest() {
	s.store = NewInMemoryStore()
	svc, err := NewService(s.store)
	s.Require().NoError(err)
	s.svc = svc
	doc, err := svc.CreateDocument(context.Background(), "owner-1", "aa11")
	s.Require().NoError(err)
	s.doc = doc
}

func (s *ServiceSuite) protect(stage event.Stage, evidence []string) (*event.Event, error) {
	return s.svc.Append(context.Background(), s.doc.ID, event.Event{
		Kind: event.KindProtectionRequested,
		Payload: event.ProtectionRequest{
			RequiredEvidence: evidence,
			AnchorStage:      stage,
		},
	}, "test")
}

func (s *ServiceSuite) TestAppend_StampsEnvelope() {
	appended, err := s.svc.Append(context.Background(), s.doc.ID, event.Event{
		Kind:          event.KindDocumentCertified,
		EntityID:      "spoofed",
		CorrelationID: "spoofed",
		Payload:       event.CertificateRecord{Hash: "aa11", WitnessHash: "aa11"},
	}, "certifier")
	s.Require().NoError(err)
	s.Require().NotNil(appended)

	s.NotEmpty(appended.ID)
	s.Equal(1, appended.V)
	s.Equal("certifier", appended.Actor)
	s.Equal("certifier", appended.Source)
	// Hard invariant: client-supplied ids are overridden, not defaulted.
	s.Equal(s.doc.ID, appended.EntityID)
	s.Equal(s.doc.ID, appended.CorrelationID)
	s.False(appended.At.IsZero())
}

func (s *ServiceSuite) TestAppend_RejectsInvalidKind() {
	_, err := s.svc.Append(context.Background(), s.doc.ID, event.Event{Kind: "anchor_confirmed"}, "test")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))

	_, err = s.svc.Append(context.Background(), s.doc.ID, event.Event{Kind: ""}, "test")
	s.Require().Error(err)
}

func (s *ServiceSuite) TestAppend_EvidenceRequiresSource() {
	_, err := s.svc.Append(context.Background(), s.doc.ID, event.Event{
		Kind:    event.KindDocumentCertified,
		Payload: event.CertificateRecord{Hash: "aa11", WitnessHash: "aa11"},
	}, "")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeBadRequest))

	// Tracking events may come from anonymous internals.
	_, err = s.svc.Append(context.Background(), s.doc.ID, event.Event{
		Kind:    event.KindAnchorSubmitted,
		Payload: event.AnchorRecord{Network: "polygon", WitnessHash: "aa11", AnchorStage: event.StageInitial, Status: "pending"},
	}, "")
	s.Require().NoError(err)

	events, err := s.svc.Events(context.Background(), s.doc.ID)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *ServiceSuite) TestAppend_UnknownEntity() {
	_, err := s.svc.Append(context.Background(), "nope", event.Event{Kind: event.KindDocumentCertified}, "test")
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodeNotFound))
}

func (s *ServiceSuite) TestAnchorIdempotence() {
	record := event.AnchorRecord{
		Network:     "polygon",
		WitnessHash: "aa11",
		AnchorStage: event.StageInitial,
		StepIndex:   0,
		Status:      "confirmed",
	}

	first, err := s.svc.Append(context.Background(), s.doc.ID, event.Event{
		Kind:    event.KindAnchorConfirmed,
		Payload: record,
	}, "poller")
	s.Require().NoError(err)
	s.Require().NotNil(first)

	// Retried callback with the same idempotence key: success, no append.
	second, err := s.svc.Append(context.Background(), s.doc.ID, event.Event{
		Kind:    event.KindAnchorConfirmed,
		Payload: record,
	}, "poller")
	s.Require().NoError(err)
	s.Nil(second)

	events, err := s.svc.Events(context.Background(), s.doc.ID)
	s.Require().NoError(err)
	s.Len(events, 1)
}

func (s *ServiceSuite) TestAnchorIdempotence_DifferentStepIndexAppends() {
	base := event.AnchorRecord{Network: "polygon", WitnessHash: "aa11", AnchorStage: event.StageInitial, Status: "confirmed"}

	_, err := s.svc.Append(context.Background(), s.doc.ID, event.Event{Kind: event.KindAnchorConfirmed, Payload: base}, "poller")
	s.Require().NoError(err)

	next := base
	next.StepIndex = 1
	_, err = s.svc.Append(context.Background(), s.doc.ID, event.Event{Kind: event.KindAnchorConfirmed, Payload: next}, "poller")
	s.Require().NoError(err)

	events, err := s.svc.Events(context.Background(), s.doc.ID)
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *ServiceSuite) TestProtectionRequest_PolicyGates() {
	// B1
	_, err := s.protect(event.StageInitial, nil)
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodePolicyNonEmpty))

	// B3
	_, err = s.protect(event.StageInitial, []string{"polygon"})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodePolicyMinimum))

	// Valid initial request
	_, err = s.protect(event.StageInitial, []string{"tsa"})
	s.Require().NoError(err)

	// B2: same stage, edited set
	_, err = s.protect(event.StageInitial, []string{"tsa", "polygon"})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodePolicyMonotonicity))

	// Later stage superset accepted
	_, err = s.protect(event.StageIntermediate, []string{"tsa", "polygon"})
	s.Require().NoError(err)

	// Regression rejected
	_, err = s.protect(event.StageInitial, []string{"tsa", "polygon"})
	s.Require().Error(err)
	s.True(dErrors.Is(err, dErrors.CodePolicyMonotonicity))

	// Nothing was partially appended for the rejected requests.
	events, err := s.svc.Events(context.Background(), s.doc.ID)
	s.Require().NoError(err)
	s.Len(events, 2)
}

func (s *ServiceSuite) TestDeriveState_TierFromConfirmedAnchorsOnly() {
	ctx := context.Background()

	_, err := s.svc.Append(ctx, s.doc.ID, event.Event{
		Kind:    event.KindDocumentCertified,
		Payload: event.CertificateRecord{Hash: "aa11", WitnessHash: "aa11"},
	}, "certifier")
	s.Require().NoError(err)

	// Submission intent alone never raises the tier.
	_, err = s.svc.Append(ctx, s.doc.ID, event.Event{
		Kind:    event.KindAnchorSubmitted,
		Payload: event.AnchorRecord{Network: "polygon", WitnessHash: "aa11", AnchorStage: event.StageInitial, Status: "pending"},
	}, "anchors")
	s.Require().NoError(err)

	_, state, _, err := s.svc.GetDocument(ctx, s.doc.ID)
	s.Require().NoError(err)
	s.Equal(TierActive, state.Tier)
	s.Equal(StatusCertified, state.Status)

	_, err = s.svc.Append(ctx, s.doc.ID, event.Event{
		Kind:    event.KindAnchorConfirmed,
		Payload: event.AnchorRecord{Network: "polygon", WitnessHash: "aa11", AnchorStage: event.StageInitial, Status: "confirmed"},
	}, "poller")
	s.Require().NoError(err)

	_, state, _, err = s.svc.GetDocument(ctx, s.doc.ID)
	s.Require().NoError(err)
	s.Equal(TierReinforced, state.Tier)

	_, err = s.svc.Append(ctx, s.doc.ID, event.Event{
		Kind:    event.KindAnchorConfirmed,
		Payload: event.AnchorRecord{Network: "bitcoin", WitnessHash: "aa11", AnchorStage: event.StageInitial, Status: "confirmed"},
	}, "poller")
	s.Require().NoError(err)

	_, state, _, err = s.svc.GetDocument(ctx, s.doc.ID)
	s.Require().NoError(err)
	s.Equal(TierTotal, state.Tier)
}

func (s *ServiceSuite) TestPendingAnchors() {
	ctx := context.Background()
	record := event.AnchorRecord{Network: "polygon", WitnessHash: "aa11", AnchorStage: event.StageInitial, Status: "pending"}

	_, err := s.svc.Append(ctx, s.doc.ID, event.Event{Kind: event.KindAnchorSubmitted, Payload: record}, "anchors")
	s.Require().NoError(err)

	pending, err := s.svc.PendingAnchors(ctx)
	s.Require().NoError(err)
	s.Require().Len(pending, 1)
	s.Equal(s.doc.ID, pending[0].EntityID)

	confirmed := record
	confirmed.Status = "confirmed"
	_, err = s.svc.Append(ctx, s.doc.ID, event.Event{Kind: event.KindAnchorConfirmed, Payload: confirmed}, "poller")
	s.Require().NoError(err)

	pending, err = s.svc.PendingAnchors(ctx)
	s.Require().NoError(err)
	s.Empty(pending)
}

func TestHasConfirmedTimestamp(t *testing.T) {
	events := []event.Event{
		{Kind: event.KindTimestampConfirmed, Payload: event.TimestampRecord{Hash: "aa11", Source: "RFC3161"}},
	}
	require.True(t, HasConfirmedTimestamp(events, "aa11"))
	require.False(t, HasConfirmedTimestamp(events, "bb22"))
}

func TestWithClock(t *testing.T) {
	store := NewInMemoryStore()
	fixed := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	svc, err := NewService(store, WithClock(func() time.Time { return fixed }))
	require.NoError(t, err)

	doc, err := svc.CreateDocument(context.Background(), "o", "aa11")
	require.NoError(t, err)
	require.Equal(t, fixed, doc.CreatedAt)

	appended, err := svc.Append(context.Background(), doc.ID, event.Event{
		Kind:    event.KindDocumentCertified,
		Payload: event.CertificateRecord{Hash: "aa11", WitnessHash: "aa11"},
	}, "test")
	require.NoError(t, err)
	require.Equal(t, fixed, appended.At)
}
