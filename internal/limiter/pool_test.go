package limiter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

var (
	epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ctx   = context.Background()
)

// downStore fails every call as an unreachable shared store would.
type downStore struct {
	calls atomic.Int64
}

func (s *downStore) Consume(context.Context, string, int, time.Duration) (storage.Counter, error) {
	s.calls.Add(1)
	return storage.Counter{}, fmt.Errorf("running consume script: %w", storage.ErrUnavailable)
}

func (s *downStore) Peek(context.Context, string, int, time.Duration) (storage.Counter, error) {
	s.calls.Add(1)
	return storage.Counter{}, fmt.Errorf("peeking counter: %w", storage.ErrUnavailable)
}

func (s *downStore) Reset(context.Context, string) error { return nil }
func (s *downStore) ResetAll(context.Context) error      { return nil }
func (s *downStore) Close() error                        { return nil }

func newMemory(tb testing.TB, vc *clock.VirtualClock) *storage.MemoryCounterStore {
	tb.Helper()
	s, err := storage.NewMemoryCounterStore(storage.MemoryConfig{Clock: vc, CleanupInterval: time.Hour})
	if err != nil {
		tb.Fatalf("NewMemoryCounterStore() error = %v", err)
	}
	tb.Cleanup(func() { _ = s.Close() })
	return s
}

// sharedBackend stands in for a healthy distributed store with a separate
// memory store as primary.
func sharedBackend(tb testing.TB, vc *clock.VirtualClock, primary storage.CounterStore) *storage.Backend {
	tb.Helper()
	if primary == nil {
		primary = newMemory(tb, vc)
	}
	return &storage.Backend{
		Mode:     storage.ModeRedis,
		Timeout:  50 * time.Millisecond,
		Counters: primary,
		Fallback: newMemory(tb, vc),
		Lists:    storage.NewMemoryListStore(vc),
	}
}

func newTestPool(tb testing.TB, backend *storage.Backend, vc *clock.VirtualClock, opts ...Option) *Pool {
	tb.Helper()
	opts = append([]Option{WithClock(vc)}, opts...)
	p, err := NewPool(Config{Scopes: DefaultScopes(), DefaultScope: ScopeAPI}, backend, tier.NewDefaultRegistry(), opts...)
	if err != nil {
		tb.Fatalf("NewPool() error = %v", err)
	}
	return p
}

func standard(t *testing.T) tier.Tier {
	t.Helper()
	tr, ok := tier.NewDefaultRegistry().Get(tier.Standard)
	if !ok {
		t.Fatal("standard tier missing")
	}
	return tr
}

func TestPool_StandardTierSequence(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)
	std := standard(t)

	for i := 0; i < 100; i++ {
		d := p.Consume(ctx, ScopeAPI, "K", std)
		if !d.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
		if d.Degraded {
			t.Fatalf("request %d should not be degraded", i+1)
		}
		vc.Advance(100 * time.Millisecond)
	}

	d := p.Consume(ctx, ScopeAPI, "K", std)
	if d.Allowed {
		t.Fatal("101st request should be denied")
	}
	if want := epoch.Add(60 * time.Second); !d.ResetAt.Equal(want) {
		t.Errorf("ResetAt = %v, want %v", d.ResetAt, want)
	}
	if !errors.Is(d.Err(), ErrQuotaExceeded) {
		t.Errorf("Err() = %v, want ErrQuotaExceeded", d.Err())
	}
	if d.Tier != tier.Standard || d.Scope != ScopeAPI || d.Limit != 100 {
		t.Errorf("decision = %+v", d)
	}
}

func TestPool_CapacityNeverExceededConcurrently(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)
	std := standard(t)

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if p.Consume(ctx, ScopeAPI, "hot", std).Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != int64(std.Capacity) {
		t.Errorf("allowed = %d, want %d", got, std.Capacity)
	}
}

func TestPool_FailOpenOnStoreUnavailable(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, &downStore{}), vc)
	std := standard(t)

	d := p.Consume(ctx, ScopeAPI, "K", std)
	if !d.Allowed || !d.Degraded {
		t.Fatalf("decision = %+v, want allowed and degraded", d)
	}
	if d.Remaining != std.Capacity {
		t.Errorf("remaining = %d, want %d", d.Remaining, std.Capacity)
	}
}

func TestPool_FailClosedScope(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, &downStore{}), vc)

	tr, _ := p.Resolve(ScopePayment, tier.Identity{Key: "u1", Role: "customer"})
	d := p.Consume(ctx, ScopePayment, "u1", tr)
	if d.Allowed {
		t.Fatal("payment scope should fail closed")
	}
	if !d.Degraded {
		t.Error("fail-closed decision should be degraded")
	}
	if d.ResetAt.IsZero() {
		t.Error("fail-closed decision should carry a retry hint")
	}
}

func TestPool_FailLocalScope(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, &downStore{}), vc)

	tr, src := p.Resolve(ScopeAuth, tier.Identity{Key: "1.2.3.4"})
	if src != tier.SourcePinned || tr.Name != "auth" {
		t.Fatalf("Resolve(auth) = %s via %s, want pinned auth", tr.Name, src)
	}

	for i := 0; i < tr.Capacity; i++ {
		d := p.Consume(ctx, ScopeAuth, "1.2.3.4", tr)
		if !d.Allowed || !d.Degraded {
			t.Fatalf("attempt %d = %+v, want allowed and degraded", i+1, d)
		}
	}
	if d := p.Consume(ctx, ScopeAuth, "1.2.3.4", tr); d.Allowed {
		t.Fatal("local fallback should still enforce capacity")
	}
}

func TestPool_LocalModeAlwaysDegraded(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	backend, err := storage.Open(ctx, storage.Config{Mode: storage.ModeLocal, Memory: storage.MemoryConfig{Clock: vc}}, vc, nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = backend.Close() })
	p := newTestPool(t, backend, vc)

	if !p.Degraded() {
		t.Fatal("local pool should report degraded")
	}
	d := p.Consume(ctx, ScopeAPI, "K", standard(t))
	if !d.Allowed || !d.Degraded || d.Remaining != 99 {
		t.Errorf("decision = %+v, want allowed, degraded, 99 remaining", d)
	}
}

func TestPool_StoreBreakerStopsCallingDeadStore(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	down := &downStore{}
	reg, err := breaker.NewRegistry(map[string]breaker.Config{
		StoreBreakerName: StoreBreakerConfig(50 * time.Millisecond),
	}, breaker.WithClock(vc))
	if err != nil {
		t.Fatal(err)
	}
	guard := reg.MustGet(StoreBreakerName)
	p := newTestPool(t, sharedBackend(t, vc, down), vc, WithStoreBreaker(guard))

	for i := 0; i < 20; i++ {
		if d := p.Consume(ctx, ScopeAPI, "K", standard(t)); !d.Allowed || !d.Degraded {
			t.Fatalf("request %d = %+v, want fail-open", i+1, d)
		}
	}
	if got := down.calls.Load(); got != 5 {
		t.Errorf("store calls = %d, want 5 before the guard opened", got)
	}
	if guard.State() != breaker.Open {
		t.Errorf("guard state = %s, want open", guard.State())
	}
}

func TestPool_UnknownScopeUsesDefault(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)

	d := p.Consume(ctx, "reports", "K", standard(t))
	if d.Scope != ScopeAPI {
		t.Errorf("scope = %q, want %q", d.Scope, ScopeAPI)
	}
}

func TestPool_ScopesAreIndependent(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)
	one := tier.Tier{Name: "one", Capacity: 1, Window: time.Minute}

	if !p.Consume(ctx, ScopeAPI, "K", one).Allowed {
		t.Fatal("api should be allowed")
	}
	if !p.Consume(ctx, ScopeSearch, "K", one).Allowed {
		t.Fatal("search should have its own counter")
	}
}

func TestPool_ResetKey(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)
	one := tier.Tier{Name: "one", Capacity: 1, Window: time.Minute}

	p.Consume(ctx, ScopeAPI, "K", one)
	p.Consume(ctx, ScopeSearch, "K", one)

	if err := p.ResetKey(ctx, "api:K"); err != nil {
		t.Fatal(err)
	}
	if !p.Consume(ctx, ScopeAPI, "K", one).Allowed {
		t.Error("api:K should be reset")
	}
	if p.Consume(ctx, ScopeSearch, "K", one).Allowed {
		t.Error("search:K should be untouched")
	}

	if err := p.ResetKey(ctx, "K"); err != nil {
		t.Fatal(err)
	}
	if !p.Consume(ctx, ScopeSearch, "K", one).Allowed {
		t.Error("bare identity should reset every scope")
	}

	if err := p.Reset(ctx, "reports", "K"); err == nil {
		t.Error("Reset on unknown scope should fail")
	}
}

func TestPool_ResetAll(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)
	one := tier.Tier{Name: "one", Capacity: 1, Window: time.Minute}

	p.Consume(ctx, ScopeAPI, "A", one)
	p.Consume(ctx, ScopeAPI, "B", one)
	if err := p.ResetAll(ctx); err != nil {
		t.Fatal(err)
	}
	if !p.Consume(ctx, ScopeAPI, "A", one).Allowed || !p.Consume(ctx, ScopeAPI, "B", one).Allowed {
		t.Error("ResetAll should clear every key")
	}
}

func TestPool_Status(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)
	std := standard(t)

	p.Consume(ctx, ScopeAPI, "K", std)
	p.Consume(ctx, ScopeAPI, "K", std)

	d, err := p.Status(ctx, ScopeAPI, "K", std)
	if err != nil {
		t.Fatal(err)
	}
	if d.Remaining != 98 || d.Degraded {
		t.Errorf("Status() = %+v, want 98 remaining", d)
	}

	again, _ := p.Status(ctx, ScopeAPI, "K", std)
	if again.Remaining != 98 {
		t.Error("Status should not consume")
	}
}

func TestPool_Stats(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	p := newTestPool(t, sharedBackend(t, vc, nil), vc)
	two := tier.Tier{Name: "two", Capacity: 2, Window: time.Minute}

	for i := 0; i < 3; i++ {
		p.Consume(ctx, ScopeAPI, "heavy", two)
	}
	p.Consume(ctx, ScopeAPI, "light", two)

	s := p.Stats(1)
	if s.TotalRequests != 4 || s.BlockedRequests != 1 {
		t.Errorf("totals = %d/%d, want 4/1", s.TotalRequests, s.BlockedRequests)
	}
	if s.ActiveKeys != 2 {
		t.Errorf("ActiveKeys = %d, want 2", s.ActiveKeys)
	}
	if len(s.TopKeys) != 1 || s.TopKeys[0].Key != "api:heavy" || s.TopKeys[0].Used != 2 {
		t.Errorf("TopKeys = %+v, want api:heavy with 2 used", s.TopKeys)
	}

	vc.Advance(time.Minute)
	if s := p.Stats(5); s.ActiveKeys != 0 {
		t.Errorf("ActiveKeys after window = %d, want 0", s.ActiveKeys)
	}
}

func TestNewPool_Validation(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	backend := sharedBackend(t, vc, nil)
	tiers := tier.NewDefaultRegistry()

	tests := []struct {
		name string
		cfg  Config
	}{
		{name: "no scopes", cfg: Config{}},
		{name: "unknown tier", cfg: Config{Scopes: []Scope{{Name: "api", Tier: "gold"}}}},
		{name: "bad policy", cfg: Config{Scopes: []Scope{{Name: "api", Policy: "maybe"}}}},
		{name: "duplicate", cfg: Config{Scopes: []Scope{{Name: "api"}, {Name: "api"}}}},
		{name: "missing default", cfg: Config{Scopes: []Scope{{Name: "api"}}, DefaultScope: "web"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := NewPool(tt.cfg, backend, tiers); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestPool_ResolveOverrideBeatsScopeTier(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	reg := tier.NewDefaultRegistry()
	p, err := NewPool(Config{Scopes: DefaultScopes(), DefaultScope: ScopeAPI}, sharedBackend(t, vc, nil), reg, WithClock(vc))
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	if err := reg.SetOverride("user:vip", tier.Enterprise); err != nil {
		t.Fatalf("SetOverride() error = %v", err)
	}

	for _, scope := range []string{ScopeAPI, ScopeAuth, ScopePayment, ScopeSearch} {
		tr, src := p.Resolve(scope, tier.Identity{Key: "user:vip", Role: "customer"})
		if tr.Name != tier.Enterprise || src != tier.SourceOverride {
			t.Errorf("Resolve(%s) = %s via %s, want enterprise via override", scope, tr.Name, src)
		}
	}

	tr, src := p.Resolve(ScopePayment, tier.Identity{Key: "user:other", Role: "vendor"})
	if tr.Name != "payment" || src != tier.SourcePinned {
		t.Errorf("Resolve(payment) = %s via %s, want payment via pinned", tr.Name, src)
	}

	reg.ClearOverride("user:vip")
	if tr, _ := p.Resolve(ScopeSearch, tier.Identity{Key: "user:vip"}); tr.Name != "search" {
		t.Errorf("Resolve(search) after clear = %s, want search", tr.Name)
	}
}
