package presence

import (
	"context"
	"sync"
	"time"

	"veridoc/pkg/platform/sentinel"
)

// SessionStore persists attestation sessions.
type SessionStore interface {
	Create(ctx context.Context, session Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	// AddConfirmation records a confirmation and its attestation atomically.
	AddConfirmation(ctx context.Context, sessionID string, conf Confirmation, att Attestation) error
	// SetClosed marks the session closed with its immutable result. A second
	// close returns sentinel.ErrInvalidState so callers can re-read the
	// stored result.
	SetClosed(ctx context.Context, sessionID string, result CloseResult) error
}

// OTPStore keeps per-participant one-time code state. Attempt counting must
// be atomic; it doubles as the rate limit.
type OTPStore interface {
	Put(ctx context.Context, sessionID, participantID string, rec OTPRecord, ttl time.Duration) error
	Get(ctx context.Context, sessionID, participantID string) (*OTPRecord, error)
	IncrementAttempts(ctx context.Context, sessionID, participantID string) (int, error)
	// MarkVerified consumes the code exactly once: a record that is already
	// verified returns sentinel.ErrAlreadyUsed, so concurrent winners are
	// decided by the store, not by the caller's earlier read.
	MarkVerified(ctx context.Context, sessionID, participantID string, at time.Time) error
	RevokeToken(ctx context.Context, sessionID, participantID string) error
}

// InMemorySessionStore backs tests and single-node deployments.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

func NewInMemorySessionStore() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: map[string]*Session{}}
}

func (s *InMemorySessionStore) Create(_ context.Context, session Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[session.ID]; ok {
		return sentinel.ErrConflict
	}
	copied := session
	s.sessions[session.ID] = &copied
	return nil
}

func (s *InMemorySessionStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := *session
	copied.Confirmations = make(map[string]Confirmation, len(session.Confirmations))
	for k, v := range session.Confirmations {
		copied.Confirmations[k] = v
	}
	copied.Attestations = append([]Attestation{}, session.Attestations...)
	return &copied, nil
}

func (s *InMemorySessionStore) AddConfirmation(_ context.Context, sessionID string, conf Confirmation, att Attestation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if session.Status == StatusClosed {
		return sentinel.ErrInvalidState
	}
	if session.Confirmations == nil {
		session.Confirmations = map[string]Confirmation{}
	}
	session.Confirmations[conf.Participant] = conf
	session.Attestations = append(session.Attestations, att)
	return nil
}

func (s *InMemorySessionStore) SetClosed(_ context.Context, sessionID string, result CloseResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if session.Status == StatusClosed {
		return sentinel.ErrInvalidState
	}
	session.Status = StatusClosed
	session.Close = &result
	return nil
}

// InMemoryOTPStore mirrors the redis store for tests and local development.
type InMemoryOTPStore struct {
	mu      sync.RWMutex
	records map[string]*OTPRecord
}

func NewInMemoryOTPStore() *InMemoryOTPStore {
	return &InMemoryOTPStore{records: map[string]*OTPRecord{}}
}

func otpKey(sessionID, participantID string) string {
	return sessionID + "/" + participantID
}

func (s *InMemoryOTPStore) Put(_ context.Context, sessionID, participantID string, rec OTPRecord, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := rec
	s.records[otpKey(sessionID, participantID)] = &copied
	return nil
}

func (s *InMemoryOTPStore) Get(_ context.Context, sessionID, participantID string) (*OTPRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[otpKey(sessionID, participantID)]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	copied := *rec
	return &copied, nil
}

func (s *InMemoryOTPStore) IncrementAttempts(_ context.Context, sessionID, participantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[otpKey(sessionID, participantID)]
	if !ok {
		return 0, sentinel.ErrNotFound
	}
	rec.Attempts++
	return rec.Attempts, nil
}

func (s *InMemoryOTPStore) MarkVerified(_ context.Context, sessionID, participantID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[otpKey(sessionID, participantID)]
	if !ok {
		return sentinel.ErrNotFound
	}
	if rec.VerifiedAt != nil {
		return sentinel.ErrAlreadyUsed
	}
	rec.VerifiedAt = &at
	return nil
}

func (s *InMemoryOTPStore) RevokeToken(_ context.Context, sessionID, participantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[otpKey(sessionID, participantID)]
	if !ok {
		return sentinel.ErrNotFound
	}
	rec.TokenRevoked = true
	return nil
}
