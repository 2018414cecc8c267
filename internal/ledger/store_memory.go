package ledger

import (
	"context"
	"sync"

	"veridoc/internal/ledger/event"
	"veridoc/pkg/platform/sentinel"
)

// InMemoryStore is the test and local-development implementation. A single
// mutex gives the same no-lost-update guarantee the postgres store gets from
// its unique (entity_id, seq) index.
type InMemoryStore struct {
	mu       sync.RWMutex
	entities map[string]DocumentEntity
	events   map[string][]event.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		entities: make(map[string]DocumentEntity),
		events:   make(map[string][]event.Event),
	}
}

func (s *InMemoryStore) CreateEntity(_ context.Context, doc DocumentEntity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[doc.ID]; exists {
		return sentinel.ErrConflict
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]string)
	}
	s.entities[doc.ID] = doc
	return nil
}

func (s *InMemoryStore) GetEntity(_ context.Context, entityID string) (*DocumentEntity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	doc, ok := s.entities[entityID]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	clone := doc
	clone.Metadata = make(map[string]string, len(doc.Metadata))
	for k, v := range doc.Metadata {
		clone.Metadata[k] = v
	}
	return &clone, nil
}

func (s *InMemoryStore) SetMetadata(_ context.Context, entityID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.entities[entityID]
	if !ok {
		return sentinel.ErrNotFound
	}
	if doc.Metadata == nil {
		doc.Metadata = make(map[string]string)
	}
	doc.Metadata[key] = value
	s.entities[entityID] = doc
	return nil
}

func (s *InMemoryStore) Append(_ context.Context, entityID string, e event.Event, expectedSeq int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[entityID]; !ok {
		return sentinel.ErrNotFound
	}
	if len(s.events[entityID]) != expectedSeq {
		return sentinel.ErrConflict
	}
	s.events[entityID] = append(s.events[entityID], e)
	return nil
}

func (s *InMemoryStore) List(_ context.Context, entityID string) ([]event.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]event.Event{}, s.events[entityID]...), nil
}

func (s *InMemoryStore) ListPendingAnchors(_ context.Context) ([]PendingAnchor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pending []PendingAnchor
	for entityID, events := range s.events {
		resolved := map[string]bool{}
		for _, e := range events {
			if e.Kind != event.KindAnchorConfirmed && e.Kind != event.KindAnchorFailed {
				continue
			}
			if p, ok := e.Payload.(event.AnchorRecord); ok {
				resolved[p.IdempotenceKey()] = true
			}
		}
		for _, e := range events {
			if e.Kind != event.KindAnchorSubmitted {
				continue
			}
			if p, ok := e.Payload.(event.AnchorRecord); ok && !resolved[p.IdempotenceKey()] {
				pending = append(pending, PendingAnchor{EntityID: entityID, Record: p})
			}
		}
	}
	return pending, nil
}
