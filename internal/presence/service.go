package presence

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"veridoc/internal/canonical"
	"veridoc/internal/certify"
	"veridoc/internal/ledger"
	"veridoc/internal/ledger/event"
	"veridoc/internal/notary"
	"veridoc/internal/platform/metrics"
	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/platform/sentinel"
)

const sourcePresence = "presence"

// Service runs the attestation protocol on top of the ledger, the
// institutional signer and the external proof collaborators.
type Service struct {
	sessions     SessionStore
	otps         OTPStore
	ledger       *ledger.Service
	signer       *notary.Signer
	transparency *notary.Transparency
	tsa          *certify.TSAClient
	sessionTTL   time.Duration
	otpTTL       time.Duration
	maxAttempts  int
	logger       *slog.Logger
	metrics      *metrics.Metrics
	now          func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithTransparency(t *notary.Transparency) Option {
	return func(s *Service) { s.transparency = t }
}

func WithTSA(client *certify.TSAClient) Option {
	return func(s *Service) { s.tsa = client }
}

func WithSessionTTL(d time.Duration) Option {
	return func(s *Service) { s.sessionTTL = d }
}

func WithOTPTTL(d time.Duration) Option {
	return func(s *Service) { s.otpTTL = d }
}

func WithMaxAttempts(n int) Option {
	return func(s *Service) { s.maxAttempts = n }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(sessions SessionStore, otps OTPStore, ledgerSvc *ledger.Service, signer *notary.Signer, opts ...Option) (*Service, error) {
	if sessions == nil || otps == nil {
		return nil, fmt.Errorf("session and otp stores are required")
	}
	if ledgerSvc == nil {
		return nil, fmt.Errorf("ledger service is required")
	}
	if signer == nil {
		return nil, fmt.Errorf("institutional signer is required")
	}
	svc := &Service{
		sessions:    sessions,
		otps:        otps,
		ledger:      ledgerSvc,
		signer:      signer,
		sessionTTL:  30 * time.Minute,
		otpTTL:      10 * time.Minute,
		maxAttempts: 5,
		logger:      slog.New(slog.DiscardHandler),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// OpenRequest describes a new attestation session.
type OpenRequest struct {
	EntityIDs    []string
	Participants []Participant
}

// Credentials are the plaintext code and bearer token minted for one
// participant. Returned exactly once for out-of-band delivery; only their
// bcrypt hashes are stored.
type Credentials struct {
	Code  string `json:"code"`
	Token string `json:"token"`
}

// OpenedSession pairs the created session with its one-shot credentials.
type OpenedSession struct {
	Session     *Session
	Credentials map[string]Credentials
}

// Open creates a session bound to a set of document entities. The snapshot
// hash commits to the exact participant list and entity set; drift after open
// is detected by hash comparison on every later call.
func (s *Service) Open(ctx context.Context, req OpenRequest) (*OpenedSession, error) {
	if len(req.EntityIDs) == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "at least one entity is required")
	}
	signers := 0
	for _, p := range req.Participants {
		if p.ID == "" {
			return nil, dErrors.New(dErrors.CodeBadRequest, "participant id is required")
		}
		switch p.Role {
		case RoleSigner:
			signers++
		case RoleWitness:
		default:
			return nil, dErrors.Newf(dErrors.CodeBadRequest, "unknown participant role %q", p.Role)
		}
	}
	if signers == 0 {
		return nil, dErrors.New(dErrors.CodeBadRequest, "at least one signer is required")
	}

	for _, entityID := range req.EntityIDs {
		if _, _, _, err := s.ledger.GetDocument(ctx, entityID); err != nil {
			return nil, err
		}
	}

	now := s.now().UTC()
	snapshotHash, err := snapshot(req.EntityIDs, req.Participants)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "compute snapshot hash")
	}

	session := Session{
		ID:            uuid.NewString(),
		SnapshotHash:  snapshotHash,
		EntityIDs:     append([]string{}, req.EntityIDs...),
		Participants:  append([]Participant{}, req.Participants...),
		Confirmations: map[string]Confirmation{},
		Status:        StatusActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.sessionTTL),
	}

	credentials := make(map[string]Credentials, len(req.Participants))
	for _, p := range req.Participants {
		code, err := generateCode()
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "generate one-time code")
		}
		token := uuid.NewString()

		codeHash, err := bcrypt.GenerateFromPassword([]byte(code), bcrypt.DefaultCost)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash one-time code")
		}
		tokenHash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "hash participant token")
		}

		rec := OTPRecord{
			OTPHash:        string(codeHash),
			ExpiresAt:      now.Add(s.otpTTL),
			TokenHash:      string(tokenHash),
			TokenExpiresAt: now.Add(s.sessionTTL),
		}
		if err := s.otps.Put(ctx, session.ID, p.ID, rec, s.otpTTL); err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "store one-time code")
		}
		credentials[p.ID] = Credentials{Code: code, Token: token}
	}

	if err := s.sessions.Create(ctx, session); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create session")
	}

	s.logger.InfoContext(ctx, "attestation session opened",
		"session_id", session.ID,
		"entities", len(session.EntityIDs),
		"participants", len(session.Participants),
	)
	return &OpenedSession{Session: &session, Credentials: credentials}, nil
}

// ConfirmRequest is one participant's liveness proof attempt.
type ConfirmRequest struct {
	SessionID    string
	SnapshotHash string
	Participant  string
	// Email is the authenticated caller identity, when present.
	Email string
	// Token is the bearer participant token alternative.
	Token  string
	Code   string
	Device *Device
}

// Confirm validates a participant's one-time code and weaves the resulting
// attestation into every bound document's ledger. The fan-out is
// all-or-nothing: any per-entity append failure fails the whole call with
// the collected errors.
func (s *Service) Confirm(ctx context.Context, req ConfirmRequest) (*Attestation, error) {
	now := s.now().UTC()

	session, err := s.getSession(ctx, req.SessionID)
	if err != nil {
		return nil, err
	}
	switch session.EffectiveStatus(now) {
	case StatusClosed:
		return nil, dErrors.New(dErrors.CodeConflict, "session already closed")
	case StatusExpired:
		return nil, dErrors.New(dErrors.CodeForbidden, "session expired")
	}

	if req.SnapshotHash != session.SnapshotHash {
		return nil, dErrors.New(dErrors.CodeSnapshotMismatch,
			"session state changed since it was opened").
			WithDetails(map[string]any{"session_id": session.ID})
	}

	participant := session.participant(req.Participant)
	if participant == nil {
		return nil, dErrors.New(dErrors.CodeForbidden, "unknown participant")
	}
	if _, done := session.Confirmations[participant.ID]; done {
		return nil, dErrors.New(dErrors.CodeConflict, "participant already confirmed")
	}

	rec, err := s.otps.Get(ctx, session.ID, participant.ID)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeForbidden, "no one-time code issued")
	}

	method, err := s.resolveIdentity(req, participant, rec, now)
	if err != nil {
		return nil, err
	}
	if err := s.verifyCode(ctx, session.ID, participant.ID, req.Code, rec, now); err != nil {
		return nil, err
	}

	att, err := mintAttestation(session, participant, method, rec.OTPHash, now)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "mint attestation")
	}

	kind := event.KindPresenceConfirmed
	if participant.Role == RoleWitness {
		kind = event.KindPresenceWitnessed
	}
	payload := event.PresenceRecord{
		SessionID:       session.ID,
		SnapshotHash:    session.SnapshotHash,
		Participant:     participant.ID,
		Role:            string(participant.Role),
		Method:          method,
		AttestationHash: att.Hash,
	}
	if err := s.fanOut(ctx, session.EntityIDs, kind, payload, participant.ID); err != nil {
		return nil, err
	}

	conf := Confirmation{
		Participant:     participant.ID,
		Role:            participant.Role,
		Method:          method,
		ConfirmedAt:     now,
		AttestationHash: att.Hash,
		Device:          req.Device,
	}
	if err := s.sessions.AddConfirmation(ctx, session.ID, conf, att); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "record confirmation")
	}

	s.logger.InfoContext(ctx, "presence confirmed",
		"session_id", session.ID,
		"participant", participant.ID,
		"role", string(participant.Role),
		"method", method,
	)
	return &att, nil
}

// resolveIdentity establishes who is confirming: an authenticated caller
// whose email matches the participant, or the bearer of the participant
// token minted at open.
func (s *Service) resolveIdentity(req ConfirmRequest, participant *Participant, rec *OTPRecord, now time.Time) (string, error) {
	if req.Email != "" && strings.EqualFold(req.Email, participant.Email) {
		return MethodAuthenticatedSession, nil
	}
	if req.Token != "" {
		if rec.TokenHash == "" {
			return "", dErrors.New(dErrors.CodeForbidden, "no participant token issued")
		}
		if rec.TokenRevoked {
			return "", dErrors.New(dErrors.CodeTokenRevoked, "participant token revoked")
		}
		if now.After(rec.TokenExpiresAt) {
			return "", dErrors.New(dErrors.CodeTokenExpired, "participant token expired")
		}
		if bcrypt.CompareHashAndPassword([]byte(rec.TokenHash), []byte(req.Token)) != nil {
			return "", dErrors.New(dErrors.CodeForbidden, "invalid participant token")
		}
		return MethodParticipantToken, nil
	}
	return "", dErrors.New(dErrors.CodeForbidden, "identity could not be established")
}

// verifyCode checks the one-time code: single use, bounded attempts, expiry.
// The attempt counter increments before comparison so a flood of wrong codes
// locks the record out atomically.
func (s *Service) verifyCode(ctx context.Context, sessionID, participantID, code string, rec *OTPRecord, now time.Time) error {
	if rec.VerifiedAt != nil {
		return dErrors.New(dErrors.CodeForbidden, "one-time code already used")
	}
	if now.After(rec.ExpiresAt) {
		return dErrors.New(dErrors.CodeTokenExpired, "one-time code expired")
	}

	attempts, err := s.otps.IncrementAttempts(ctx, sessionID, participantID)
	if err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "count attempt")
	}
	if attempts > s.maxAttempts {
		if s.metrics != nil {
			s.metrics.OTPFailures.Inc()
		}
		return dErrors.New(dErrors.CodeAttemptsExhausted, "one-time code attempts exhausted").
			WithDetails(map[string]any{"max_attempts": s.maxAttempts})
	}

	if bcrypt.CompareHashAndPassword([]byte(rec.OTPHash), []byte(code)) != nil {
		if s.metrics != nil {
			s.metrics.OTPFailures.Inc()
		}
		return dErrors.New(dErrors.CodeForbidden, "invalid one-time code").
			WithDetails(map[string]any{"attempts_left": s.maxAttempts - attempts})
	}

	// The store decides the single-use winner; a concurrent confirmation that
	// read the record before this one wrote loses here, not at the pre-check.
	if err := s.otps.MarkVerified(ctx, sessionID, participantID, now); err != nil {
		if errors.Is(err, sentinel.ErrAlreadyUsed) {
			return dErrors.New(dErrors.CodeForbidden, "one-time code already used")
		}
		return dErrors.Wrap(err, dErrors.CodeInternal, "mark code used")
	}
	return nil
}

// fanOut appends the same presence event to every bound entity. Errors are
// collected per entity; any failure fails the whole confirmation.
func (s *Service) fanOut(ctx context.Context, entityIDs []string, kind event.Kind, payload event.PresenceRecord, actor string) error {
	var g errgroup.Group
	var mu sync.Mutex
	failures := map[string]any{}

	for _, entityID := range entityIDs {
		g.Go(func() error {
			_, err := s.ledger.Append(ctx, entityID, event.Event{
				Kind:    kind,
				Actor:   actor,
				Payload: payload,
			}, sourcePresence)
			if err != nil {
				mu.Lock()
				failures[entityID] = err.Error()
				mu.Unlock()
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return dErrors.Wrap(err, dErrors.CodeInternal, "presence fan-out failed").
			WithDetails(map[string]any{"entities": failures})
	}
	return nil
}

// CloseSession grades the session, builds and signs the Acta, attempts the
// external proofs, and persists the session closed. The operation is
// idempotent: closing a closed session returns the stored result untouched.
func (s *Service) CloseSession(ctx context.Context, sessionID string) (*CloseResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status == StatusClosed && session.Close != nil {
		return session.Close, nil
	}

	now := s.now().UTC()
	coverage, strands, grade := s.gradeSession(session)

	acta := Acta{
		SessionID:         session.ID,
		SnapshotHash:      session.SnapshotHash,
		EntityIDs:         session.EntityIDs,
		ClosedAt:          now,
		Coverage:          coverage,
		Strands:           strands,
		Grade:             grade,
		Confirmations:     sortedConfirmations(session),
		AttestationHashes: attestationHashes(session),
	}

	bundle, err := actaBundle(acta)
	if err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "build acta bundle")
	}
	sig, err := s.signer.Sign(ctx, bundle)
	if err != nil {
		return nil, err
	}
	actaHash := sig.ContentHash

	result := CloseResult{
		SessionID: session.ID,
		Grade:     grade,
		Acta:      acta,
		ActaHash:  actaHash,
		Signature: sig,
		ClosedAt:  now,
	}

	tsaResult := s.tsa.Request(ctx, actaHash)
	result.Timestamp = TimestampAttempt{
		Outcome: string(tsaResult.Outcome),
		Token:   tsaResult.Token,
		TSAURL:  tsaResult.TSAURL,
		Reason:  tsaResult.Reason,
		At:      now,
	}
	if s.metrics != nil {
		s.metrics.TSARequests.WithLabelValues(string(tsaResult.Outcome)).Inc()
	}

	result.Transparency = s.publishProof(ctx, session.ID, sig, now)

	if err := s.sessions.SetClosed(ctx, session.ID, result); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			// Lost the close race; the first close's result is the record.
			return s.storedClose(ctx, session.ID)
		}
		if stored, getErr := s.storedClose(ctx, session.ID); getErr == nil {
			return stored, nil
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "persist closed session")
	}

	s.recordClose(ctx, session, result)

	if s.metrics != nil {
		s.metrics.SessionsClosed.WithLabelValues(string(grade)).Inc()
	}
	s.logger.InfoContext(ctx, "attestation session closed",
		"session_id", session.ID,
		"grade", string(grade),
		"acta_hash", actaHash,
		"timestamp_outcome", result.Timestamp.Outcome,
		"transparency_outcome", string(result.Transparency.Outcome),
	)
	return &result, nil
}

// gradeSession derives the three evidentiary strands and the overall grade.
// The witness strand only counts when witnesses were expected; the ecosign
// strand stands for the institutional signature.
func (s *Service) gradeSession(session *Session) (Coverage, []Strand, Grade) {
	var coverage Coverage
	for _, p := range session.Participants {
		switch p.Role {
		case RoleSigner:
			coverage.SignersExpected++
		case RoleWitness:
			coverage.WitnessesExpected++
		}
	}
	for _, c := range session.Confirmations {
		switch c.Role {
		case RoleSigner:
			coverage.SignersConfirmed++
		case RoleWitness:
			coverage.WitnessesConfirmed++
		}
	}

	strands := []Strand{
		{Name: "signer", Required: true, Present: coverage.SignersConfirmed >= 1},
		{Name: "witness", Required: coverage.WitnessesExpected > 0, Present: coverage.WitnessesConfirmed >= 1},
		{Name: "ecosign", Required: true, Present: s.signer.Ready()},
	}

	required, present := 0, 0
	for _, strand := range strands {
		if !strand.Required {
			continue
		}
		required++
		if strand.Present {
			present++
		}
	}
	switch {
	case present == required:
		return coverage, strands, GradeStrong
	case present == 0:
		return coverage, strands, GradeWeak
	}
	return coverage, strands, GradePartial
}

func (s *Service) publishProof(ctx context.Context, sessionID string, sig notary.InstitutionalSignature, now time.Time) notary.TransparencyResult {
	if s.transparency == nil {
		return notary.TransparencyResult{Outcome: notary.TransparencyDisabled}
	}
	statement := notary.Statement{
		ContentHash: sig.ContentHash,
		WorkflowID:  sessionID,
		SignerID:    sig.SignerID,
		IssuedAt:    now,
	}
	return s.transparency.Publish(ctx, statement, sig.Signature, sig.PublicKey)
}

// recordClose witnesses the close in every bound ledger. The closed session
// record is the durable truth; append failures here degrade to log lines
// rather than un-closing the session.
func (s *Service) recordClose(ctx context.Context, session *Session, result CloseResult) {
	for _, entityID := range session.EntityIDs {
		_, err := s.ledger.Append(ctx, entityID, event.Event{
			Kind: event.KindSessionClosed,
			Payload: event.PresenceRecord{
				SessionID:    session.ID,
				SnapshotHash: session.SnapshotHash,
				ActaHash:     result.ActaHash,
				Grade:        string(result.Grade),
			},
		}, sourcePresence)
		if err != nil {
			s.logger.ErrorContext(ctx, "session close event not recorded",
				"session_id", session.ID, "entity_id", entityID, "error", err)
			continue
		}
		if result.Transparency.Outcome == notary.TransparencyDisabled {
			continue
		}
		if _, err := s.ledger.Append(ctx, entityID, event.Event{
			Kind: event.KindTransparencyRecord,
			Payload: event.TransparencyRecord{
				ContentHash: result.ActaHash,
				Outcome:     string(result.Transparency.Outcome),
				EntryID:     result.Transparency.EntryID,
			},
		}, sourcePresence); err != nil {
			s.logger.ErrorContext(ctx, "transparency event not recorded",
				"session_id", session.ID, "entity_id", entityID, "error", err)
		}
	}
}

// GetSession returns the session with clock expiry folded in.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	session.Status = session.EffectiveStatus(s.now().UTC())
	return session, nil
}

// RevokeToken invalidates a participant's bearer token.
func (s *Service) RevokeToken(ctx context.Context, sessionID, participantID string) error {
	if err := s.otps.RevokeToken(ctx, sessionID, participantID); err != nil {
		return dErrors.Wrap(err, dErrors.CodeNotFound, "participant record not found")
	}
	return nil
}

func (s *Service) getSession(ctx context.Context, sessionID string) (*Session, error) {
	session, err := s.sessions.Get(ctx, sessionID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "session not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load session")
	}
	return session, nil
}

func (s *Service) storedClose(ctx context.Context, sessionID string) (*CloseResult, error) {
	session, err := s.getSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Close == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "closed session has no stored result")
	}
	return session.Close, nil
}

// snapshot commits to the entity set and participant list at open time.
func snapshot(entityIDs []string, participants []Participant) (string, error) {
	entities := append([]string{}, entityIDs...)
	sort.Strings(entities)
	people := append([]Participant{}, participants...)
	sort.Slice(people, func(i, j int) bool { return people[i].ID < people[j].ID })
	return canonical.HashCanonical(map[string]any{
		"entity_ids":   entities,
		"participants": people,
	})
}

// mintAttestation builds the hash commitment over the confirmation facts.
// The proof is the stored code hash, a commitment that never reveals the
// code itself.
func mintAttestation(session *Session, participant *Participant, method, proof string, now time.Time) (Attestation, error) {
	hash, err := canonical.HashCanonical(map[string]any{
		"session_id":    session.ID,
		"snapshot_hash": session.SnapshotHash,
		"participant":   participant.ID,
		"method":        method,
		"proof":         proof,
	})
	if err != nil {
		return Attestation{}, err
	}
	return Attestation{
		SessionID:    session.ID,
		SnapshotHash: session.SnapshotHash,
		Participant:  participant.ID,
		Method:       method,
		Proof:        proof,
		Hash:         hash,
		CreatedAt:    now,
	}, nil
}

func sortedConfirmations(session *Session) []Confirmation {
	out := make([]Confirmation, 0, len(session.Confirmations))
	for _, c := range session.Confirmations {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Participant < out[j].Participant })
	return out
}

func attestationHashes(session *Session) []string {
	out := make([]string, 0, len(session.Attestations))
	for _, a := range session.Attestations {
		out = append(out, a.Hash)
	}
	sort.Strings(out)
	return out
}

// actaBundle reduces the acta to the generic map the signer consumes.
func actaBundle(acta Acta) (map[string]any, error) {
	canonicalJSON, err := canonical.Canonicalize(acta)
	if err != nil {
		return nil, err
	}
	return map[string]any{"acta": canonicalJSON}, nil
}

// generateCode produces a 6-digit one-time code from crypto/rand.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1000000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()), nil
}
