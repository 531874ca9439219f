package otp

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps codes in process memory. Expired entries linger until PurgeExpired runs.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]Entry)}
}

func (s *MemoryStore) Put(ctx context.Context, customerID string, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[customerID] = entry
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, customerID string) (Entry, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[customerID]
	return e, ok, nil
}

func (s *MemoryStore) Delete(ctx context.Context, customerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, customerID)
	return nil
}

// PurgeExpired drops every entry expired at now and returns how many were removed.
func (s *MemoryStore) PurgeExpired(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, e := range s.entries {
		if e.Expired(now) {
			delete(s.entries, id)
			removed++
		}
	}
	return removed, nil
}
