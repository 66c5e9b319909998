package breaker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_AdminResetOpenBreaker(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfigs())
	b := r.MustGet(Database)

	tripOpen(t, b, 5)

	require.NoError(t, r.Reset(Database))
	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)

	require.NoError(t, b.Execute(context.Background(), succeed))
}

func TestRegistry_ResetDiscardsInFlightTrial(t *testing.T) {
	r, vc := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)

	tripOpen(t, b, 3)
	vc.Advance(5 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(context.Background(), func(context.Context) error {
			close(started)
			<-release
			return errDown
		})
	}()
	<-started

	r.ResetAll()
	close(release)
	require.ErrorIs(t, <-done, errDown)

	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestRegistry_UnknownName(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfigs())

	_, ok := r.Get("ledger")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Reset("ledger"), ErrUnknownBreaker)
	assert.Panics(t, func() { r.MustGet("ledger") })
}

func TestRegistry_Snapshot(t *testing.T) {
	r, _ := newTestRegistry(t, DefaultConfigs())
	tripOpen(t, r.MustGet(Payment), 3)

	snaps := r.Snapshot()
	require.Len(t, snaps, 4)
	names := make([]string, len(snaps))
	for i, s := range snaps {
		names[i] = s.Name
	}
	assert.Equal(t, []string{Database, Email, ExternalAPI, Payment}, names)
	assert.Equal(t, Open, snaps[3].State)
	assert.Equal(t, uint64(3), snaps[3].TotalFailures)
}

func TestNewRegistry_InvalidConfig(t *testing.T) {
	_, err := NewRegistry(map[string]Config{Payment: {FailureThreshold: 0}})
	assert.Error(t, err)

	_, err = NewRegistry(map[string]Config{"": DefaultConfig()})
	assert.Error(t, err)
}
