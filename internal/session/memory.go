package session

import (
	"context"
	"sync"
)

// MemoryStore keeps the identity in process memory. Used for ephemeral
// widgets and tests.
type MemoryStore struct {
	mu    sync.Mutex
	id    Identity
	saves int
}

// NewMemoryStore returns a store preloaded with id (which may be zero).
func NewMemoryStore(id Identity) *MemoryStore {
	return &MemoryStore{id: id}
}

func (s *MemoryStore) Load(_ context.Context) (Identity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.id.SessionID == "" {
		return Identity{}, ErrNotFound
	}
	return s.id, nil
}

func (s *MemoryStore) Save(_ context.Context, id Identity) error {
	s.mu.Lock()
	s.id = id
	s.saves++
	s.mu.Unlock()
	return nil
}

// Saves returns how many times Save was called.
func (s *MemoryStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}
