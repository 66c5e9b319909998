package limiter

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

// StoreBreakerName is the breaker guarding the shared counter store.
const StoreBreakerName = "counter_store"

// StoreBreakerConfig returns breaker settings for the counter store guard.
// Only store unavailability counts as a failure.
func StoreBreakerConfig(timeout time.Duration) breaker.Config {
	return breaker.Config{
		FailureThreshold: 5,
		ResetTimeout:     10 * time.Second,
		MonitoringPeriod: 30 * time.Second,
		CallTimeout:      timeout * 2,
		IsFailure: func(err error) bool {
			return errors.Is(err, storage.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
		},
	}
}

// Config configures a Pool.
type Config struct {
	Scopes []Scope
	// DefaultScope receives requests for unknown scopes.
	DefaultScope string
}

// Option configures a Pool.
type Option func(*Pool)

func WithClock(c clock.Clock) Option {
	return func(p *Pool) { p.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithStoreBreaker guards shared store calls with b.
func WithStoreBreaker(b *breaker.Breaker) Option {
	return func(p *Pool) { p.guard = b }
}

// Pool holds the named scopes and applies the fixed-window quota for each.
type Pool struct {
	scopes       map[string]Scope
	order        []string
	defaultScope string

	tiers     *tier.Registry
	primary   storage.CounterStore
	fallback  storage.CounterStore
	localOnly bool
	timeout   time.Duration
	guard     *breaker.Breaker

	clock  clock.Clock
	logger *zap.Logger
	usage  *usage
}

// NewPool validates cfg against the tier catalog and builds the pool.
func NewPool(cfg Config, backend *storage.Backend, tiers *tier.Registry, opts ...Option) (*Pool, error) {
	if backend == nil {
		return nil, errors.New("storage backend is required")
	}
	if tiers == nil {
		return nil, errors.New("tier registry is required")
	}
	if len(cfg.Scopes) == 0 {
		return nil, errors.New("at least one scope is required")
	}

	p := &Pool{
		scopes:       make(map[string]Scope, len(cfg.Scopes)),
		defaultScope: cfg.DefaultScope,
		tiers:        tiers,
		primary:      backend.Counters,
		fallback:     backend.Fallback,
		localOnly:    backend.Degraded(),
		timeout:      backend.Timeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.clock = clock.OrReal(p.clock)
	if p.logger == nil {
		p.logger = zap.NewNop()
	}
	p.logger = p.logger.Named("limiter")
	p.usage = newUsage()

	for _, sc := range cfg.Scopes {
		if sc.Name == "" {
			return nil, errors.New("scope name is required")
		}
		if _, dup := p.scopes[sc.Name]; dup {
			return nil, fmt.Errorf("duplicate scope %q", sc.Name)
		}
		if sc.Policy == "" {
			sc.Policy = FailOpen
		}
		if !sc.Policy.Valid() {
			return nil, fmt.Errorf("scope %q: unknown failure policy %q", sc.Name, sc.Policy)
		}
		if sc.Tier != "" {
			if _, ok := tiers.Get(sc.Tier); !ok {
				return nil, fmt.Errorf("scope %q: %w %q", sc.Name, tier.ErrUnknownTier, sc.Tier)
			}
		}
		p.scopes[sc.Name] = sc
		p.order = append(p.order, sc.Name)
	}
	if p.defaultScope == "" {
		p.defaultScope = cfg.Scopes[0].Name
	}
	if _, ok := p.scopes[p.defaultScope]; !ok {
		return nil, fmt.Errorf("default scope %q is not configured", p.defaultScope)
	}
	return p, nil
}

// Scopes returns the configured scopes in configuration order.
func (p *Pool) Scopes() []Scope {
	out := make([]Scope, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.scopes[name])
	}
	return out
}

// Scope returns the named scope, or the default scope and false when the
// name is not configured.
func (p *Pool) Scope(name string) (Scope, bool) {
	if sc, ok := p.scopes[name]; ok {
		return sc, true
	}
	return p.scopes[p.defaultScope], false
}

// Resolve returns the tier that applies to id in scope. An explicit
// per-user override wins; otherwise a scope's own tier replaces the role and
// anonymous defaults.
func (p *Pool) Resolve(scope string, id tier.Identity) (tier.Tier, tier.Source) {
	if t, ok := p.tiers.Override(id.Key); ok {
		return t, tier.SourceOverride
	}
	sc, _ := p.Scope(scope)
	if sc.Tier != "" {
		t, _ := p.tiers.Get(sc.Tier)
		return t, tier.SourcePinned
	}
	return p.tiers.Resolve(id)
}

// Consume takes one unit of t's quota for identity in scope. It never fails:
// store errors become degraded decisions according to the scope's policy.
func (p *Pool) Consume(ctx context.Context, scope, identity string, t tier.Tier) Decision {
	sc, known := p.Scope(scope)
	if !known {
		p.logger.Warn("unknown scope, using default",
			zap.String("scope", scope),
			zap.String("default", sc.Name))
	}

	key := Key(sc.Name, identity)
	d := Decision{Limit: t.Capacity, Tier: t.Name, Scope: sc.Name}

	if p.localOnly {
		c, err := p.fallback.Consume(ctx, key, t.Capacity, t.Window)
		if err != nil {
			return p.record(key, p.applyPolicy(ctx, FailOpen, key, t, d, err))
		}
		return p.record(key, fill(d, c, true))
	}

	c, err := p.consumeShared(ctx, key, t)
	if err != nil {
		return p.record(key, p.applyPolicy(ctx, sc.Policy, key, t, d, err))
	}
	return p.record(key, fill(d, c, false))
}

func (p *Pool) consumeShared(ctx context.Context, key string, t tier.Tier) (storage.Counter, error) {
	op := func(ctx context.Context) (storage.Counter, error) {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		return p.primary.Consume(ctx, key, t.Capacity, t.Window)
	}
	if p.guard == nil {
		return op(ctx)
	}
	return breaker.Do(ctx, p.guard, op)
}

func (p *Pool) applyPolicy(ctx context.Context, policy FailurePolicy, key string, t tier.Tier, d Decision, cause error) Decision {
	now := p.clock.Now()
	d.Degraded = true

	if !errors.Is(cause, breaker.ErrOpen) {
		p.logger.Warn("counter store unavailable",
			zap.String("key", key),
			zap.String("policy", string(policy)),
			zap.Error(cause))
	}

	switch policy {
	case FailLocal:
		c, err := p.fallback.Consume(ctx, key, t.Capacity, t.Window)
		if err == nil {
			return fill(d, c, true)
		}
		p.logger.Error("local counter store failed", zap.String("key", key), zap.Error(err))
		d.Allowed = true
		d.Remaining = t.Capacity
		d.ResetAt = now.Add(t.Window)
	case FailClosed:
		d.Allowed = false
		d.Remaining = 0
		d.ResetAt = now.Add(time.Second)
	default:
		d.Allowed = true
		d.Remaining = t.Capacity
		d.ResetAt = now.Add(t.Window)
	}
	return d
}

func fill(d Decision, c storage.Counter, degraded bool) Decision {
	d.Allowed = c.Allowed
	d.Remaining = c.Remaining
	d.ResetAt = c.ResetAt
	d.Degraded = degraded
	return d
}

func (p *Pool) record(key string, d Decision) Decision {
	p.usage.record(key, d, p.clock.Now())
	return d
}

// Status reports the quota for identity in scope without consuming.
func (p *Pool) Status(ctx context.Context, scope, identity string, t tier.Tier) (Decision, error) {
	sc, _ := p.Scope(scope)
	key := Key(sc.Name, identity)
	d := Decision{Limit: t.Capacity, Tier: t.Name, Scope: sc.Name}

	if !p.localOnly {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		c, err := p.primary.Peek(ctx, key, t.Capacity, t.Window)
		cancel()
		if err == nil {
			return fill(d, c, false), nil
		}
		p.logger.Warn("counter store peek failed, reading local", zap.String("key", key), zap.Error(err))
	}
	c, err := p.fallback.Peek(ctx, key, t.Capacity, t.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("reading status for %s: %w", key, err)
	}
	return fill(d, c, true), nil
}

// Reset clears the counter for identity in scope on every store.
func (p *Pool) Reset(ctx context.Context, scope, identity string) error {
	if _, ok := p.scopes[scope]; !ok {
		return fmt.Errorf("unknown scope %q", scope)
	}
	key := Key(scope, identity)
	var errs []error
	if !p.localOnly {
		errs = append(errs, p.primary.Reset(ctx, key))
	}
	errs = append(errs, p.fallback.Reset(ctx, key))
	p.usage.forget(key)
	return errors.Join(errs...)
}

// ResetKey resets "scope:identity", or a bare identity in every scope.
func (p *Pool) ResetKey(ctx context.Context, key string) error {
	if scope, identity, ok := strings.Cut(key, ":"); ok {
		if _, known := p.scopes[scope]; known {
			return p.Reset(ctx, scope, identity)
		}
	}
	var errs []error
	for _, scope := range p.order {
		errs = append(errs, p.Reset(ctx, scope, key))
	}
	return errors.Join(errs...)
}

// ResetAll clears every counter on every store.
func (p *Pool) ResetAll(ctx context.Context) error {
	var errs []error
	if !p.localOnly {
		errs = append(errs, p.primary.ResetAll(ctx))
	}
	errs = append(errs, p.fallback.ResetAll(ctx))
	p.usage.reset()
	return errors.Join(errs...)
}

// Stats returns process-local usage with the n highest-consumption keys.
func (p *Pool) Stats(n int) Stats {
	return p.usage.stats(p.clock.Now(), n)
}

// Degraded reports whether the pool serves every decision from local state.
func (p *Pool) Degraded() bool {
	return p.localOnly
}
