package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

var epoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

var errDown = errors.New("gateway unreachable")

func paymentConfig() Config {
	return Config{
		FailureThreshold: 3,
		ResetTimeout:     5000 * time.Millisecond,
		MonitoringPeriod: 60000 * time.Millisecond,
		CallTimeout:      time.Second,
	}
}

func newTestRegistry(t *testing.T, configs map[string]Config) (*Registry, *clock.VirtualClock) {
	t.Helper()
	vc := clock.NewVirtualClock(epoch)
	r, err := NewRegistry(configs, WithClock(vc), WithLogger(zaptest.NewLogger(t)))
	require.NoError(t, err)
	return r, vc
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func tripOpen(t *testing.T, b *Breaker, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		require.ErrorIs(t, b.Execute(context.Background(), fail), errDown)
	}
	require.Equal(t, Open, b.State())
}

func TestBreaker_PaymentScenario(t *testing.T) {
	r, vc := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)
	ctx := context.Background()

	tripOpen(t, b, 3)

	var invoked atomic.Bool
	err := b.Execute(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.False(t, invoked.Load(), "open breaker must not invoke the operation")

	var oe *OpenError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, Payment, oe.Name)
	assert.Equal(t, Open, oe.State)
	assert.Equal(t, epoch.Add(5*time.Second), oe.RetryAt)

	vc.Advance(5 * time.Second)

	started := make(chan struct{})
	release := make(chan struct{})
	trial := make(chan error, 1)
	go func() {
		trial <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	assert.Equal(t, HalfOpen, b.State())

	invoked.Store(false)
	err = b.Execute(ctx, func(context.Context) error {
		invoked.Store(true)
		return nil
	})
	require.ErrorIs(t, err, ErrOpen, "a second call during the trial is rejected")
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, HalfOpen, oe.State)
	assert.False(t, invoked.Load())

	close(release)
	require.NoError(t, <-trial)

	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
	assert.False(t, snap.TrialInFlight)
}

func TestBreaker_TrialFailureReopens(t *testing.T) {
	r, vc := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)

	tripOpen(t, b, 3)
	vc.Advance(5 * time.Second)

	require.ErrorIs(t, b.Execute(context.Background(), fail), errDown)

	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	require.NotNil(t, snap.LastFailureAt)
	assert.Equal(t, epoch.Add(5*time.Second), *snap.LastFailureAt)

	// The reset timeout restarts from the failed trial.
	vc.Advance(4 * time.Second)
	require.ErrorIs(t, b.Execute(context.Background(), succeed), ErrOpen)
	vc.Advance(time.Second)
	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_MonitoringPeriodRestartsCount(t *testing.T) {
	r, vc := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	vc.Advance(61 * time.Second)
	_ = b.Execute(ctx, fail)

	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 1, snap.FailureCount)
}

func TestBreaker_SuccessDoesNotClearClosedFailures(t *testing.T) {
	r, _ := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)
	ctx := context.Background()

	_ = b.Execute(ctx, fail)
	_ = b.Execute(ctx, fail)
	require.NoError(t, b.Execute(ctx, succeed))
	_ = b.Execute(ctx, fail)

	assert.Equal(t, Open, b.State())
}

func TestBreaker_IgnoredErrorsPassThroughUncounted(t *testing.T) {
	r, _ := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)
	errDeclined := errors.New("card declined")

	for i := 0; i < 10; i++ {
		err := b.Execute(context.Background(), func(context.Context) error {
			return Ignore(errDeclined)
		})
		require.ErrorIs(t, err, errDeclined)
	}
	snap := b.Snapshot()
	assert.Equal(t, Closed, snap.State)
	assert.Equal(t, 0, snap.FailureCount)
}

func TestBreaker_CustomPredicate(t *testing.T) {
	errBadRequest := errors.New("400 bad request")
	cfg := paymentConfig()
	cfg.IsFailure = func(err error) bool { return !errors.Is(err, errBadRequest) }
	r, vc := newTestRegistry(t, map[string]Config{Payment: cfg})
	b := r.MustGet(Payment)

	tripOpen(t, b, 3)
	vc.Advance(5 * time.Second)

	// An uncounted error means the dependency answered, so the trial closes.
	err := b.Execute(context.Background(), func(context.Context) error { return errBadRequest })
	require.ErrorIs(t, err, errBadRequest)
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_CancelledTrialReleasesSlot(t *testing.T) {
	r, vc := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)

	tripOpen(t, b, 3)
	vc.Advance(5 * time.Second)

	// The operation gives up on its own, e.g. its client was shut down.
	err := b.Execute(context.Background(), func(context.Context) error {
		return fmt.Errorf("charge: %w", context.Canceled)
	})
	require.ErrorIs(t, err, context.Canceled)

	snap := b.Snapshot()
	assert.False(t, snap.TrialInFlight)
	assert.Equal(t, HalfOpen, snap.State)

	require.NoError(t, b.Execute(context.Background(), succeed))
	assert.Equal(t, Closed, b.State())
}

func TestBreaker_CallerCancelDoesNotCancelOperation(t *testing.T) {
	cfg := paymentConfig()
	cfg.FailureThreshold = 1
	r, _ := newTestRegistry(t, map[string]Config{Payment: cfg})
	b := r.MustGet(Payment)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	opErr := make(chan error, 1)
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(ctx context.Context) error {
			close(started)
			<-release
			opErr <- ctx.Err()
			return errDown
		})
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.Equal(t, Closed, b.State())

	close(release)
	require.NoError(t, <-opErr, "the operation context outlives the caller")
	require.Eventually(t, func() bool { return b.State() == Open }, time.Second, time.Millisecond)
	assert.Equal(t, uint64(1), b.Snapshot().TotalFailures)
}

func TestBreaker_AbandonedTrialSettlesOnCompletion(t *testing.T) {
	r, vc := newTestRegistry(t, map[string]Config{Payment: paymentConfig()})
	b := r.MustGet(Payment)

	tripOpen(t, b, 3)
	vc.Advance(5 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- b.Execute(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started
	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
	assert.True(t, b.Snapshot().TrialInFlight)

	close(release)
	require.Eventually(t, func() bool { return b.State() == Closed }, time.Second, time.Millisecond)
}

func TestBreaker_CallTimeout(t *testing.T) {
	cfg := paymentConfig()
	cfg.FailureThreshold = 1
	cfg.CallTimeout = 20 * time.Millisecond
	r, _ := newTestRegistry(t, map[string]Config{Payment: cfg})
	b := r.MustGet(Payment)

	release := make(chan struct{})
	err := b.Execute(context.Background(), func(context.Context) error {
		<-release
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Open, b.State())

	// The late success belongs to a call that already settled as a failure.
	close(release)
	time.Sleep(20 * time.Millisecond)
	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.Equal(t, uint64(1), snap.Timeouts)
}

func TestBreaker_HungTrialCannotWedge(t *testing.T) {
	cfg := paymentConfig()
	cfg.CallTimeout = 20 * time.Millisecond
	r, vc := newTestRegistry(t, map[string]Config{Payment: cfg})
	b := r.MustGet(Payment)

	tripOpen(t, b, 3)
	vc.Advance(5 * time.Second)

	block := make(chan struct{})
	defer close(block)
	err := b.Execute(context.Background(), func(context.Context) error {
		<-block
		return nil
	})
	require.ErrorIs(t, err, ErrTimeout)

	snap := b.Snapshot()
	assert.Equal(t, Open, snap.State)
	assert.False(t, snap.TrialInFlight)
}

func TestBreaker_PanicCountsAsFailure(t *testing.T) {
	cfg := paymentConfig()
	cfg.FailureThreshold = 1
	r, _ := newTestRegistry(t, map[string]Config{Payment: cfg})
	b := r.MustGet(Payment)

	err := b.Execute(context.Background(), func(context.Context) error { panic("boom") })
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, Open, b.State())
}

func TestBreaker_ConcurrentFailuresOpenOnce(t *testing.T) {
	r, _ := newTestRegistry(t, map[string]Config{Database: DefaultConfigs()[Database]})

	var mu sync.Mutex
	var transitions []Transition
	r.OnStateChange(func(tr Transition) {
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	b := r.MustGet(Database)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = b.Execute(context.Background(), fail)
		}()
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, transitions, 1)
	assert.Equal(t, Closed, transitions[0].From)
	assert.Equal(t, Open, transitions[0].To)
	assert.Equal(t, Database, transitions[0].Name)
}

func TestDo(t *testing.T) {
	r, _ := newTestRegistry(t, map[string]Config{ExternalAPI: DefaultConfigs()[ExternalAPI]})
	b := r.MustGet(ExternalAPI)

	rate, err := Do(context.Background(), b, func(context.Context) (float64, error) {
		return 1.08, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1.08, rate)

	_, err = Do(context.Background(), b, func(context.Context) (float64, error) {
		return 0, errDown
	})
	require.ErrorIs(t, err, errDown)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", Closed.String())
	assert.Equal(t, "open", Open.String())
	assert.Equal(t, "half_open", HalfOpen.String())
}
