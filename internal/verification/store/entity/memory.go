package entity

import (
	"context"
	"sort"
	"sync"

	"gigverify/internal/verification/models"
	"gigverify/pkg/platform/sentinel"
)

// InMemory is a process-local entity registry. Reads and writes go through
// copies so callers never share state with the store.
type InMemory struct {
	mu       sync.RWMutex
	entities map[models.EntityRef]*models.Entity
}

func NewInMemory() *InMemory {
	return &InMemory{entities: make(map[models.EntityRef]*models.Entity)}
}

// Create registers a new entity. Returns sentinel.ErrDuplicate if the ref exists.
func (s *InMemory) Create(_ context.Context, e *models.Entity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[e.Ref()]; ok {
		return sentinel.ErrDuplicate
	}
	stored := e.Clone()
	if stored.Version == 0 {
		stored.Version = 1
	}
	s.entities[e.Ref()] = stored
	return nil
}

func (s *InMemory) Get(_ context.Context, ref models.EntityRef) (*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[ref]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	return e.Clone(), nil
}

// List returns entities of role (all roles when empty), oldest registration first.
func (s *InMemory) List(_ context.Context, role models.Role) ([]*models.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Entity, 0, len(s.entities))
	for ref, e := range s.entities {
		if role != "" && ref.Role != role {
			continue
		}
		out = append(out, e.Clone())
	}
	sortEntities(out)
	return out, nil
}

// Update replaces the entity if its stored version equals expectedVersion.
// Identity and registration time are kept from the stored record.
func (s *InMemory) Update(_ context.Context, e *models.Entity, expectedVersion int64) (*models.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.entities[e.Ref()]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if current.Version != expectedVersion {
		return nil, sentinel.ErrConflict
	}
	next := e.Clone()
	next.RegisteredAt = current.RegisteredAt
	next.Version = expectedVersion + 1
	s.entities[e.Ref()] = next
	return next.Clone(), nil
}

func sortEntities(entities []*models.Entity) {
	sort.Slice(entities, func(i, j int) bool {
		if !entities[i].RegisteredAt.Equal(entities[j].RegisteredAt) {
			return entities[i].RegisteredAt.Before(entities[j].RegisteredAt)
		}
		if entities[i].Role != entities[j].Role {
			return entities[i].Role < entities[j].Role
		}
		return entities[i].ID < entities[j].ID
	})
}
