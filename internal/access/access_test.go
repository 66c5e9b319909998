package access

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newTestLists() (*Lists, *clock.VirtualClock) {
	vc := clock.NewVirtualClock(epoch)
	return New(storage.NewMemoryListStore(vc), vc, nil), vc
}

func TestLists_BlacklistExpiry(t *testing.T) {
	l, vc := newTestLists()
	ctx := context.Background()

	e, err := l.AddBlacklist(ctx, "1.2.3.4", "credential stuffing", 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, e.ExpiresAt)
	assert.Equal(t, epoch.Add(10*time.Minute), *e.ExpiresAt)

	_, ok, err := l.Blacklisted(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, ok)

	vc.Advance(10 * time.Minute)
	_, ok, err = l.Blacklisted(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLists_PermanentUntilRemoved(t *testing.T) {
	l, vc := newTestLists()
	ctx := context.Background()

	e, err := l.AddBlacklist(ctx, "u1", "fraud", 0)
	require.NoError(t, err)
	assert.Nil(t, e.ExpiresAt)

	vc.Advance(365 * 24 * time.Hour)
	_, ok, _ := l.Blacklisted(ctx, "u1")
	assert.True(t, ok)

	removed, err := l.RemoveBlacklist(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok, _ = l.Blacklisted(ctx, "u1")
	assert.False(t, ok)
}

func TestLists_WhitelistIndependent(t *testing.T) {
	l, _ := newTestLists()
	ctx := context.Background()

	_, err := l.AddWhitelist(ctx, "monitor", "uptime checks", 0)
	require.NoError(t, err)

	_, ok, _ := l.Whitelisted(ctx, "monitor")
	assert.True(t, ok)
	_, ok, _ = l.Blacklisted(ctx, "monitor")
	assert.False(t, ok)

	entries, err := l.Whitelist(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "uptime checks", entries[0].Reason)

	removed, err := l.RemoveWhitelist(ctx, "monitor")
	require.NoError(t, err)
	assert.True(t, removed)
}

func TestLists_BlockAndChanges(t *testing.T) {
	l, _ := newTestLists()
	ctx := context.Background()

	var changes []Change
	l.OnChange(func(c Change) { changes = append(changes, c) })

	require.NoError(t, l.Block(ctx, "bot", "behavior score 412", time.Minute))
	_, err := l.RemoveBlacklist(ctx, "bot")
	require.NoError(t, err)
	_, err = l.RemoveBlacklist(ctx, "bot")
	require.NoError(t, err)

	require.Len(t, changes, 2)
	assert.Equal(t, OpAdd, changes[0].Op)
	assert.Equal(t, Blacklist, changes[0].List)
	assert.Equal(t, "behavior score 412", changes[0].Entry.Reason)
	assert.Equal(t, OpRemove, changes[1].Op)

	list, err := l.Blacklist(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestLists_Validation(t *testing.T) {
	l, _ := newTestLists()
	ctx := context.Background()

	_, err := l.AddBlacklist(ctx, "", "x", 0)
	assert.Error(t, err)
	_, err = l.AddBlacklist(ctx, "k", "x", -time.Second)
	assert.Error(t, err)
}

// stuckLists never answers within the lookup timeout and ignores its context.
type stuckLists struct {
	storage.ListStore
	delay time.Duration
	gets  atomic.Int32
}

func (s *stuckLists) Get(context.Context, string, string) (storage.Entry, bool, error) {
	s.gets.Add(1)
	time.Sleep(s.delay)
	return storage.Entry{}, false, nil
}

func TestLists_LookupTimeout(t *testing.T) {
	store := &stuckLists{ListStore: storage.NewMemoryListStore(nil), delay: 400 * time.Millisecond}
	l := New(store, nil, nil, WithLookupTimeout(50*time.Millisecond))

	start := time.Now()
	_, ok, err := l.Whitelisted(context.Background(), "u1")
	elapsed := time.Since(start)

	require.ErrorIs(t, err, storage.ErrUnavailable)
	assert.False(t, ok)
	assert.Less(t, elapsed, 200*time.Millisecond)
}

func TestLists_LookupFailsFastWhileStoreBreakerOpen(t *testing.T) {
	vc := clock.NewVirtualClock(epoch)
	reg, err := breaker.NewRegistry(map[string]breaker.Config{
		"counter_store": {FailureThreshold: 1, ResetTimeout: time.Second, MonitoringPeriod: time.Minute, CallTimeout: time.Second},
	}, breaker.WithClock(vc))
	require.NoError(t, err)
	guard := reg.MustGet("counter_store")

	store := &stuckLists{ListStore: storage.NewMemoryListStore(vc)}
	l := New(store, vc, nil, WithStoreBreaker(guard))

	_, _, err = l.Blacklisted(context.Background(), "u1")
	require.NoError(t, err)
	require.EqualValues(t, 1, store.gets.Load())

	_ = guard.Execute(context.Background(), func(context.Context) error { return errors.New("redis down") })
	require.Equal(t, breaker.Open, guard.State())

	_, ok, err := l.Blacklisted(context.Background(), "u1")
	assert.ErrorIs(t, err, storage.ErrUnavailable)
	assert.False(t, ok)
	assert.EqualValues(t, 1, store.gets.Load(), "an open store breaker must keep lookups off the store")
}
