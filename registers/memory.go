package registers

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps registers in a map.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]Entry
	now     func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string]Entry),
		now:     time.Now,
	}
}

// Set implements Store.
func (s *MemoryStore) Set(_ context.Context, name string, value any, source string) error {
	if name == "" {
		return ErrEmptyName
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[name] = Entry{Name: name, Value: value, Source: source, UpdatedAt: s.now()}
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, name string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[name]
	return e, ok, nil
}

// Len returns the number of registers currently held.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Discard implements Store.
func (s *MemoryStore) Discard(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[string]Entry)
	return nil
}
