package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// Entry is one keyed override (blacklist or whitelist).
type Entry struct {
	Key       string     `json:"key"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"` // nil means permanent
}

// Expired reports whether the entry is no longer in force at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt != nil && !now.Before(*e.ExpiresAt)
}

// ListStore keeps named lists of override entries with optional expiry.
// Reads never mutate quota state. Implementations must be safe for
// concurrent use.
type ListStore interface {
	// Put inserts or replaces the entry for e.Key in list.
	Put(ctx context.Context, list string, e Entry) error
	// Get returns the entry for key if present and not expired.
	Get(ctx context.Context, list, key string) (Entry, bool, error)
	// Delete removes key from list and reports whether it was present.
	Delete(ctx context.Context, list, key string) (bool, error)
	// List returns the live entries of list ordered by key.
	List(ctx context.Context, list string) ([]Entry, error)
	Close() error
}

// MemoryListStore is the in-process ListStore.
type MemoryListStore struct {
	mu    sync.RWMutex
	clock clock.Clock
	lists map[string]map[string]Entry
}

// NewMemoryListStore creates an empty in-memory list store.
func NewMemoryListStore(clk clock.Clock) *MemoryListStore {
	return &MemoryListStore{
		clock: clock.OrReal(clk),
		lists: make(map[string]map[string]Entry),
	}
}

func (s *MemoryListStore) Put(_ context.Context, list string, e Entry) error {
	if e.Key == "" {
		return errors.New("entry key is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entries, ok := s.lists[list]
	if !ok {
		entries = make(map[string]Entry)
		s.lists[list] = entries
	}
	entries[e.Key] = e
	return nil
}

func (s *MemoryListStore) Get(_ context.Context, list, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.lists[list][key]
	if !ok || e.Expired(s.clock.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *MemoryListStore) Delete(_ context.Context, list, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.lists[list][key]
	if !ok {
		return false, nil
	}
	delete(s.lists[list], key)
	return !e.Expired(s.clock.Now()), nil
}

// List also drops expired entries it encounters.
func (s *MemoryListStore) List(_ context.Context, list string) ([]Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	out := make([]Entry, 0, len(s.lists[list]))
	for key, e := range s.lists[list] {
		if e.Expired(now) {
			delete(s.lists[list], key)
			continue
		}
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *MemoryListStore) Close() error {
	return nil
}
