// Package metrics exposes a read-only view over the limiter pool, breakers
// and override lists, plus the admin hooks that act on them.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/behavior"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

// All addresses every limiter key or every breaker in reset hooks.
const All = "ALL"

const defaultTopN = 10

// Option configures an Aggregator.
type Option func(*Aggregator)

// WithBehavior includes tracker and queue figures in snapshots.
func WithBehavior(t *behavior.Tracker, q *behavior.Queue) Option {
	return func(a *Aggregator) {
		a.tracker = t
		a.queue = q
	}
}

// WithTopN sets how many keys snapshots list.
func WithTopN(n int) Option {
	return func(a *Aggregator) { a.topN = n }
}

func WithClock(c clock.Clock) Option {
	return func(a *Aggregator) { a.clock = c }
}

// Aggregator holds references only; every hook delegates to the owning
// component.
type Aggregator struct {
	pool     *limiter.Pool
	tiers    *tier.Registry
	breakers *breaker.Registry
	lists    *access.Lists
	tracker  *behavior.Tracker
	queue    *behavior.Queue
	clock    clock.Clock
	topN     int
}

// New builds an aggregator.
func New(pool *limiter.Pool, tiers *tier.Registry, breakers *breaker.Registry, lists *access.Lists, opts ...Option) (*Aggregator, error) {
	if pool == nil || tiers == nil || breakers == nil || lists == nil {
		return nil, errors.New("pool, tiers, breakers and lists are required")
	}
	a := &Aggregator{pool: pool, tiers: tiers, breakers: breakers, lists: lists, topN: defaultTopN}
	for _, opt := range opts {
		opt(a)
	}
	a.clock = clock.OrReal(a.clock)
	return a, nil
}

// BehaviorStats summarizes abuse tracking.
type BehaviorStats struct {
	TrackedKeys int    `json:"tracked_keys"`
	Blocks      uint64 `json:"blocks"`
	Dropped     uint64 `json:"dropped_events"`
	Pending     int    `json:"pending_events"`
}

// Snapshot is a point-in-time view of the whole layer.
type Snapshot struct {
	At             time.Time          `json:"at"`
	LocalOnly      bool               `json:"local_only"`
	Limiter        limiter.Stats      `json:"limiter"`
	Breakers       []breaker.Snapshot `json:"breakers"`
	BlacklistSize  int                `json:"blacklist_size"`
	WhitelistSize  int                `json:"whitelist_size"`
	Behavior       *BehaviorStats     `json:"behavior,omitempty"`
	TierOverrides  int                `json:"tier_overrides"`
	ListStoreError string             `json:"list_store_error,omitempty"`
}

// Snapshot gathers current figures. A list store failure is reported in the
// snapshot rather than failing it.
func (a *Aggregator) Snapshot(ctx context.Context) Snapshot {
	s := Snapshot{
		At:            a.clock.Now(),
		LocalOnly:     a.pool.Degraded(),
		Limiter:       a.pool.Stats(a.topN),
		Breakers:      a.breakers.Snapshot(),
		TierOverrides: len(a.tiers.Overrides()),
	}

	black, err := a.lists.Blacklist(ctx)
	if err == nil {
		var white []storage.Entry
		white, err = a.lists.Whitelist(ctx)
		s.WhitelistSize = len(white)
	}
	s.BlacklistSize = len(black)
	if err != nil {
		s.ListStoreError = err.Error()
	}

	if a.tracker != nil {
		ts := a.tracker.Stats()
		s.Behavior = &BehaviorStats{TrackedKeys: ts.TrackedKeys, Blocks: ts.Blocks}
		if a.queue != nil {
			s.Behavior.Dropped = a.queue.Dropped()
			s.Behavior.Pending = a.queue.Pending()
		}
	}
	return s
}

// ResetLimiter resets one key ("scope:identity" or a bare identity), or every
// key when key is All.
func (a *Aggregator) ResetLimiter(ctx context.Context, key string) error {
	if key == All {
		return a.ResetAllLimiters(ctx)
	}
	if key == "" {
		return errors.New("limiter key is required")
	}
	return a.pool.ResetKey(ctx, key)
}

// ResetAllLimiters resets every limiter key.
func (a *Aggregator) ResetAllLimiters(ctx context.Context) error {
	return a.pool.ResetAll(ctx)
}

// LimiterStatus reads the quota for id in scope without consuming.
func (a *Aggregator) LimiterStatus(ctx context.Context, scope string, id tier.Identity) (limiter.Decision, error) {
	t, _ := a.pool.Resolve(scope, id)
	return a.pool.Status(ctx, scope, id.Key, t)
}

// UpdateTier assigns tierName to identity. An empty tierName clears the override.
func (a *Aggregator) UpdateTier(identity, tierName string) error {
	if tierName == "" {
		a.tiers.ClearOverride(identity)
		return nil
	}
	return a.tiers.SetOverride(identity, tierName)
}

// ResetBreaker closes one breaker, or every breaker when name is All.
func (a *Aggregator) ResetBreaker(name string) error {
	if name == All {
		a.ResetAllBreakers()
		return nil
	}
	return a.breakers.Reset(name)
}

// ResetAllBreakers closes every breaker.
func (a *Aggregator) ResetAllBreakers() {
	a.breakers.ResetAll()
}

// Breaker returns one breaker's snapshot.
func (a *Aggregator) Breaker(name string) (breaker.Snapshot, error) {
	b, ok := a.breakers.Get(name)
	if !ok {
		return breaker.Snapshot{}, fmt.Errorf("%w %q", breaker.ErrUnknownBreaker, name)
	}
	return b.Snapshot(), nil
}

func (a *Aggregator) Blacklist(ctx context.Context) ([]storage.Entry, error) {
	return a.lists.Blacklist(ctx)
}

func (a *Aggregator) AddBlacklist(ctx context.Context, key, reason string, ttl time.Duration) (storage.Entry, error) {
	return a.lists.AddBlacklist(ctx, key, reason, ttl)
}

func (a *Aggregator) RemoveBlacklist(ctx context.Context, key string) (bool, error) {
	return a.lists.RemoveBlacklist(ctx, key)
}

func (a *Aggregator) Whitelist(ctx context.Context) ([]storage.Entry, error) {
	return a.lists.Whitelist(ctx)
}

func (a *Aggregator) AddWhitelist(ctx context.Context, key, reason string, ttl time.Duration) (storage.Entry, error) {
	return a.lists.AddWhitelist(ctx, key, reason, ttl)
}

func (a *Aggregator) RemoveWhitelist(ctx context.Context, key string) (bool, error) {
	return a.lists.RemoveWhitelist(ctx, key)
}

// BehaviorRecord returns the tracker's view of key.
func (a *Aggregator) BehaviorRecord(key string) (behavior.Record, bool) {
	if a.tracker == nil {
		return behavior.Record{}, false
	}
	return a.tracker.Inspect(key)
}

// Tiers returns the tier catalog.
func (a *Aggregator) Tiers() []tier.Tier {
	return a.tiers.Tiers()
}

// TierOverrides returns the per-identity tier assignments.
func (a *Aggregator) TierOverrides() map[string]string {
	return a.tiers.Overrides()
}
