package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"veridoc/internal/ledger/event"
	"veridoc/internal/platform/metrics"
	"veridoc/internal/policy"
	dErrors "veridoc/pkg/domain-errors"
	"veridoc/pkg/platform/sentinel"
)

// appendRetries bounds how often a lost compare-and-append race is retried
// before the conflict surfaces to the caller.
const appendRetries = 3

// Sink receives successfully appended events, e.g. the Kafka outbox worker.
// Delivery is best effort and must never block an append.
type Sink interface {
	Notify(e event.Event)
}

// Service enforces the ledger contract: envelope validation, anchor
// idempotence, policy gates for protection requests, and atomic append. No
// cascading business logic lives here; callers interpret the ledger.
type Service struct {
	store   Store
	logger  *slog.Logger
	metrics *metrics.Metrics
	sink    Sink
	now     func() time.Time
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

func WithSink(sink Sink) Option {
	return func(s *Service) { s.sink = sink }
}

// WithClock overrides the time source for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

func NewService(store Store, opts ...Option) (*Service, error) {
	if store == nil {
		return nil, errors.New("ledger store is required")
	}
	svc := &Service{
		store:  store,
		logger: slog.New(slog.DiscardHandler),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(svc)
	}
	return svc, nil
}

// CreateDocument registers a new aggregate root. The entity lives
// indefinitely; only its event log grows afterwards.
func (s *Service) CreateDocument(ctx context.Context, ownerID, sourceHash string) (*DocumentEntity, error) {
	if sourceHash == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "source_hash is required")
	}
	doc := DocumentEntity{
		ID:         uuid.NewString(),
		OwnerID:    ownerID,
		SourceHash: sourceHash,
		CreatedAt:  s.now().UTC(),
		Metadata:   map[string]string{},
	}
	if err := s.store.CreateEntity(ctx, doc); err != nil {
		return nil, dErrors.Wrap(err, dErrors.CodeInternal, "create entity")
	}
	return &doc, nil
}

// GetDocument loads an entity with its recomputed state and full log.
func (s *Service) GetDocument(ctx context.Context, entityID string) (*DocumentEntity, DerivedState, []event.Event, error) {
	doc, err := s.store.GetEntity(ctx, entityID)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, DerivedState{}, nil, dErrors.New(dErrors.CodeNotFound, "document not found")
		}
		return nil, DerivedState{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "load entity")
	}
	events, err := s.store.List(ctx, entityID)
	if err != nil {
		return nil, DerivedState{}, nil, dErrors.Wrap(err, dErrors.CodeInternal, "load events")
	}
	return doc, DeriveState(*doc, events), events, nil
}

// Events returns the raw log for an entity.
func (s *Service) Events(ctx context.Context, entityID string) ([]event.Event, error) {
	return s.store.List(ctx, entityID)
}

// SetMetadata records a runtime pointer (e.g. an artifact storage path) on
// the entity. Metadata is free-form and carries no evidentiary weight.
func (s *Service) SetMetadata(ctx context.Context, entityID, key, value string) error {
	return s.store.SetMetadata(ctx, entityID, key, value)
}

// PendingAnchors exposes unresolved anchor submissions to the poller.
func (s *Service) PendingAnchors(ctx context.Context) ([]PendingAnchor, error) {
	return s.store.ListPendingAnchors(ctx)
}

// Append validates and commits one event to the entity's ledger.
//
// The envelope is checked before storage is touched. Anchor lifecycle events
// are deduplicated by their idempotence key: a retried external callback
// returns success without a second append. Protection requests run the
// B1→B2→B3 policy gates against the latest prior request and fail hard on
// the first violation. On success the event is stamped (id, v, actor,
// entity/correlation ids forced to the target) and committed via the store's
// atomic compare-and-append.
func (s *Service) Append(ctx context.Context, entityID string, e event.Event, source string) (*event.Event, error) {
	if entityID == "" {
		return nil, dErrors.New(dErrors.CodeBadRequest, "entity id is required")
	}
	if !e.Kind.Valid() {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "invalid event kind %q", e.Kind).
			WithDetails(map[string]any{"kind": string(e.Kind)})
	}
	// Evidence events are only as strong as their provenance; an anonymous
	// one would still count toward derived state, so it is refused outright.
	if event.IsEvidence(e.Kind) && source == "" {
		return nil, dErrors.Newf(dErrors.CodeBadRequest, "evidence event %q requires a source", e.Kind).
			WithDetails(map[string]any{"kind": string(e.Kind), "class": string(event.ClassEvidence)})
	}
	if e.At.IsZero() {
		e.At = s.now().UTC()
	}

	for attempt := 0; ; attempt++ {
		events, err := s.store.List(ctx, entityID)
		if err != nil {
			return nil, dErrors.Wrap(err, dErrors.CodeInternal, "load events")
		}

		if isAnchorLifecycle(e.Kind) {
			record, ok := e.Payload.(event.AnchorRecord)
			if !ok {
				return nil, dErrors.New(dErrors.CodeBadRequest, "anchor event requires an anchor record payload")
			}
			if findAnchorDuplicate(events, e.Kind, record) {
				if s.metrics != nil {
					s.metrics.IdempotentHits.Inc()
				}
				s.logger.InfoContext(ctx, "anchor event already recorded",
					"entity_id", entityID,
					"kind", string(e.Kind),
					"idempotence_key", record.IdempotenceKey(),
				)
				return nil, nil
			}
		}

		if e.Kind == event.KindProtectionRequested {
			req, ok := e.Payload.(event.ProtectionRequest)
			if !ok {
				return nil, dErrors.New(dErrors.CodeBadRequest, "protection request requires a protection payload")
			}
			if err := policy.Validate(e.ID, req, LatestProtectionRequest(events), s.logger); err != nil {
				if s.metrics != nil {
					s.metrics.PolicyViolations.WithLabelValues(string(dErrors.CodeOf(err))).Inc()
				}
				return nil, err
			}
		}

		stamped := s.stamp(e, entityID, source)
		err = s.store.Append(ctx, entityID, stamped, len(events))
		if err == nil {
			if s.metrics != nil {
				s.metrics.LedgerAppends.WithLabelValues(string(stamped.Kind)).Inc()
			}
			if s.sink != nil {
				s.sink.Notify(stamped)
			}
			return &stamped, nil
		}
		if errors.Is(err, sentinel.ErrConflict) && attempt < appendRetries {
			// Another writer appended first; reload and re-run the checks so
			// idempotence and policy see the new log.
			continue
		}
		if errors.Is(err, sentinel.ErrNotFound) {
			return nil, dErrors.New(dErrors.CodeNotFound, "document not found")
		}
		return nil, dErrors.Wrap(err, dErrors.CodeConflict, "append lost the race")
	}
}

// stamp fills envelope defaults and enforces the identity invariants:
// entity_id and correlation_id always equal the target entity, overriding
// any client-supplied value.
func (s *Service) stamp(e event.Event, entityID, source string) event.Event {
	if e.ID == "" || uuid.Validate(e.ID) != nil {
		e.ID = uuid.NewString()
	}
	if e.V == 0 {
		e.V = 1
	}
	if e.Actor == "" {
		e.Actor = source
	}
	e.Source = source
	e.EntityID = entityID
	e.CorrelationID = entityID
	return e
}

func isAnchorLifecycle(k event.Kind) bool {
	switch k {
	case event.KindAnchorSubmitted, event.KindAnchorConfirmed, event.KindAnchorFailed:
		return true
	}
	return false
}
