// Package access keeps the blacklist and whitelist overrides consulted before
// any quota check.
package access

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
)

// List names in the backing store.
const (
	Blacklist = "blacklist"
	Whitelist = "whitelist"
)

// ErrBlacklisted is the hard deny for a blacklisted identity.
var ErrBlacklisted = errors.New("blacklisted")

// Op is a list mutation.
type Op string

const (
	OpAdd    Op = "add"
	OpRemove Op = "remove"
)

// Change describes one list mutation.
type Change struct {
	List  string        `json:"list"`
	Op    Op            `json:"op"`
	Entry storage.Entry `json:"entry"`
}

// Lists manages both override lists over a shared ListStore. Lookups never
// touch quota counters.
type Lists struct {
	store   storage.ListStore
	clock   clock.Clock
	logger  *zap.Logger
	timeout time.Duration
	guard   *breaker.Breaker

	mu        sync.RWMutex
	listeners []func(Change)
}

// Option configures Lists.
type Option func(*Lists)

// WithLookupTimeout bounds every Blacklisted and Whitelisted lookup.
func WithLookupTimeout(d time.Duration) Option {
	return func(l *Lists) { l.timeout = d }
}

// WithStoreBreaker makes lookups fail with storage.ErrUnavailable without
// touching the store while b is not closed.
func WithStoreBreaker(b *breaker.Breaker) Option {
	return func(l *Lists) { l.guard = b }
}

// New wraps store. A nil clock means real time.
func New(store storage.ListStore, clk clock.Clock, logger *zap.Logger, opts ...Option) *Lists {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Lists{
		store:  store,
		clock:  clock.OrReal(clk),
		logger: logger.Named("access"),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// OnChange registers fn to be called after every successful mutation.
func (l *Lists) OnChange(fn func(Change)) {
	l.mu.Lock()
	l.listeners = append(l.listeners, fn)
	l.mu.Unlock()
}

func (l *Lists) emit(c Change) {
	l.mu.RLock()
	listeners := l.listeners
	l.mu.RUnlock()
	for _, fn := range listeners {
		fn(c)
	}
}

// Blacklisted returns the live blacklist entry for key.
func (l *Lists) Blacklisted(ctx context.Context, key string) (storage.Entry, bool, error) {
	return l.lookup(ctx, Blacklist, key)
}

// Whitelisted returns the live whitelist entry for key.
func (l *Lists) Whitelisted(ctx context.Context, key string) (storage.Entry, bool, error) {
	return l.lookup(ctx, Whitelist, key)
}

type lookupResult struct {
	entry storage.Entry
	ok    bool
	err   error
}

// lookup reads one entry within the lookup timeout. A store that ignores its
// context is abandoned when the timeout fires; its result is discarded.
func (l *Lists) lookup(ctx context.Context, list, key string) (storage.Entry, bool, error) {
	if l.guard != nil && l.guard.State() != breaker.Closed {
		return storage.Entry{}, false, fmt.Errorf("%s lookup: %w", list, storage.ErrUnavailable)
	}
	if l.timeout <= 0 {
		return l.store.Get(ctx, list, key)
	}

	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	res := make(chan lookupResult, 1)
	go func() {
		e, ok, err := l.store.Get(ctx, list, key)
		res <- lookupResult{entry: e, ok: ok, err: err}
	}()
	select {
	case r := <-res:
		return r.entry, r.ok, r.err
	case <-ctx.Done():
		return storage.Entry{}, false, fmt.Errorf("%s lookup: %w: %w", list, storage.ErrUnavailable, ctx.Err())
	}
}

// AddBlacklist denies key until ttl elapses. A zero ttl is permanent.
func (l *Lists) AddBlacklist(ctx context.Context, key, reason string, ttl time.Duration) (storage.Entry, error) {
	return l.add(ctx, Blacklist, key, reason, ttl)
}

// RemoveBlacklist lifts a blacklist entry.
func (l *Lists) RemoveBlacklist(ctx context.Context, key string) (bool, error) {
	return l.remove(ctx, Blacklist, key)
}

// Blacklist lists live blacklist entries.
func (l *Lists) Blacklist(ctx context.Context) ([]storage.Entry, error) {
	return l.store.List(ctx, Blacklist)
}

// AddWhitelist admits key unconditionally until ttl elapses. A zero ttl is
// permanent.
func (l *Lists) AddWhitelist(ctx context.Context, key, reason string, ttl time.Duration) (storage.Entry, error) {
	return l.add(ctx, Whitelist, key, reason, ttl)
}

// RemoveWhitelist lifts a whitelist entry.
func (l *Lists) RemoveWhitelist(ctx context.Context, key string) (bool, error) {
	return l.remove(ctx, Whitelist, key)
}

// Whitelist lists live whitelist entries.
func (l *Lists) Whitelist(ctx context.Context) ([]storage.Entry, error) {
	return l.store.List(ctx, Whitelist)
}

// Block blacklists key for ttl. It satisfies the behavior tracker's blocker.
func (l *Lists) Block(ctx context.Context, key, reason string, ttl time.Duration) error {
	_, err := l.AddBlacklist(ctx, key, reason, ttl)
	return err
}

func (l *Lists) add(ctx context.Context, list, key, reason string, ttl time.Duration) (storage.Entry, error) {
	if key == "" {
		return storage.Entry{}, errors.New("key is required")
	}
	if ttl < 0 {
		return storage.Entry{}, fmt.Errorf("ttl must not be negative, got %s", ttl)
	}

	now := l.clock.Now()
	e := storage.Entry{Key: key, Reason: reason, CreatedAt: now}
	if ttl > 0 {
		exp := now.Add(ttl)
		e.ExpiresAt = &exp
	}
	if err := l.store.Put(ctx, list, e); err != nil {
		return storage.Entry{}, fmt.Errorf("adding %s to %s: %w", key, list, err)
	}

	l.logger.Info("list entry added",
		zap.String("list", list),
		zap.String("key", key),
		zap.String("reason", reason),
		zap.Duration("ttl", ttl))
	l.emit(Change{List: list, Op: OpAdd, Entry: e})
	return e, nil
}

func (l *Lists) remove(ctx context.Context, list, key string) (bool, error) {
	removed, err := l.store.Delete(ctx, list, key)
	if err != nil {
		return false, fmt.Errorf("removing %s from %s: %w", key, list, err)
	}
	if removed {
		l.logger.Info("list entry removed", zap.String("list", list), zap.String("key", key))
		l.emit(Change{List: list, Op: OpRemove, Entry: storage.Entry{Key: key}})
	}
	return removed, nil
}
