package store

import (
	"context"
	"sync"
)

// MemoryStore is an in-memory Store for tests and local development.
type MemoryStore struct {
	mu            sync.RWMutex
	conversations map[string][]Turn
	memories      map[string]*Memory
	persistCalls  int
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		conversations: make(map[string][]Turn),
		memories:      make(map[string]*Memory),
	}
}

// LoadRecentTurns implements Store.
func (s *MemoryStore) LoadRecentTurns(_ context.Context, userID string) ([]Turn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	turns := make([]Turn, len(s.conversations[userID]))
	copy(turns, s.conversations[userID])
	return turns, nil
}

// PersistTurns implements Store.
func (s *MemoryStore) PersistTurns(_ context.Context, userID, _ string, turns []Turn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := make([]Turn, len(turns))
	copy(saved, turns)
	s.conversations[userID] = saved
	s.persistCalls++
	return nil
}

// LoadMemory implements Store.
func (s *MemoryStore) LoadMemory(_ context.Context, userID string) (*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.memories[userID], nil
}

// SetMemory seeds a user's memory.
func (s *MemoryStore) SetMemory(userID string, mem *Memory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.memories[userID] = mem
}

// PersistCalls reports how many times PersistTurns ran.
func (s *MemoryStore) PersistCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistCalls
}
