package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

const defaultCleanupInterval = time.Minute

// MemoryConfig configures the in-process stores.
type MemoryConfig struct {
	CleanupInterval time.Duration
	Clock           clock.Clock
}

// MemoryCounterStore is the process-local CounterStore. It is accurate for a
// single process only and serves as the degraded fallback for the Redis store.
type MemoryCounterStore struct {
	mu       sync.Mutex
	clock    clock.Clock
	counters map[string]memCounter

	stopCh    chan struct{}
	doneCh    chan struct{}
	closeOnce sync.Once
}

type memCounter struct {
	used        int
	windowStart time.Time
	window      time.Duration
}

func (c memCounter) resetAt() time.Time {
	return c.windowStart.Add(c.window)
}

func (c memCounter) expired(now time.Time) bool {
	return !now.Before(c.resetAt())
}

// NewMemoryCounterStore constructs a memory-backed CounterStore and starts its
// cleanup loop. Close stops the loop.
func NewMemoryCounterStore(cfg MemoryConfig) (*MemoryCounterStore, error) {
	interval := cfg.CleanupInterval
	if interval == 0 {
		interval = defaultCleanupInterval
	}
	if interval < 0 {
		return nil, fmt.Errorf("cleanup interval must be positive, got %s", interval)
	}

	s := &MemoryCounterStore{
		clock:    clock.OrReal(cfg.Clock),
		counters: make(map[string]memCounter),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	go s.cleanupLoop(interval)
	return s, nil
}

func (s *MemoryCounterStore) Consume(ctx context.Context, key string, capacity int, window time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}
	if err := validateCounterArgs(key, capacity, window); err != nil {
		return Counter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	c, ok := s.counters[key]
	if !ok || c.expired(now) {
		c = memCounter{windowStart: now, window: window}
	}

	if c.used >= capacity {
		s.counters[key] = c
		return Counter{Allowed: false, Remaining: 0, WindowStart: c.windowStart, ResetAt: c.resetAt()}, nil
	}

	c.used++
	s.counters[key] = c
	return Counter{Allowed: true, Remaining: capacity - c.used, WindowStart: c.windowStart, ResetAt: c.resetAt()}, nil
}

func (s *MemoryCounterStore) Peek(ctx context.Context, key string, capacity int, window time.Duration) (Counter, error) {
	if err := ctx.Err(); err != nil {
		return Counter{}, err
	}
	if err := validateCounterArgs(key, capacity, window); err != nil {
		return Counter{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	c, ok := s.counters[key]
	if !ok || c.expired(now) {
		return Counter{Allowed: true, Remaining: capacity, WindowStart: now, ResetAt: now.Add(window)}, nil
	}
	remaining := capacity - c.used
	if remaining < 0 {
		remaining = 0
	}
	return Counter{Allowed: remaining > 0, Remaining: remaining, WindowStart: c.windowStart, ResetAt: c.resetAt()}, nil
}

func (s *MemoryCounterStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.counters, key)
	return nil
}

func (s *MemoryCounterStore) ResetAll(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters = make(map[string]memCounter)
	return nil
}

// Len returns the number of counters, including expired ones not yet cleaned up.
func (s *MemoryCounterStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// Cleanup removes expired counters.
func (s *MemoryCounterStore) Cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for key, c := range s.counters {
		if c.expired(now) {
			delete(s.counters, key)
		}
	}
}

func (s *MemoryCounterStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer func() {
		ticker.Stop()
		close(s.doneCh)
	}()

	for {
		select {
		case <-ticker.C:
			s.Cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// Close stops background cleanup. It is idempotent.
func (s *MemoryCounterStore) Close() error {
	s.closeOnce.Do(func() {
		close(s.stopCh)
		<-s.doneCh
	})
	return nil
}
