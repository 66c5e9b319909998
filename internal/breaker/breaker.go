// Package breaker guards calls to downstream dependencies with per-name
// circuit breakers.
package breaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// State is a breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Config tunes one breaker.
type Config struct {
	// FailureThreshold failures within MonitoringPeriod open the breaker.
	FailureThreshold int
	// ResetTimeout is how long the breaker stays OPEN after the last failure.
	ResetTimeout time.Duration
	// MonitoringPeriod bounds the window failures are counted in.
	MonitoringPeriod time.Duration
	// CallTimeout bounds every call, HALF_OPEN trials included.
	CallTimeout time.Duration
	// IsFailure classifies errors. Nil means DefaultPredicate.
	IsFailure Predicate
}

// DefaultConfig returns the settings used for names without explicit config.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		ResetTimeout:     30 * time.Second,
		MonitoringPeriod: time.Minute,
		CallTimeout:      10 * time.Second,
	}
}

// Validate checks cfg.
func (c Config) Validate() error {
	if c.FailureThreshold <= 0 {
		return fmt.Errorf("failure_threshold must be positive, got %d", c.FailureThreshold)
	}
	if c.ResetTimeout <= 0 {
		return fmt.Errorf("reset_timeout must be positive, got %s", c.ResetTimeout)
	}
	if c.MonitoringPeriod <= 0 {
		return fmt.Errorf("monitoring_period must be positive, got %s", c.MonitoringPeriod)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("call_timeout must be positive, got %s", c.CallTimeout)
	}
	return nil
}

// Transition describes one state change.
type Transition struct {
	Name string    `json:"name"`
	From State     `json:"from"`
	To   State     `json:"to"`
	At   time.Time `json:"at"`
}

// Listener is notified after a state change, outside the breaker lock.
type Listener func(Transition)

type event int

const (
	evAcquire event = iota
	evSuccess
	evFailure
	evTimeout
	evRelease
	evReset
)

// ticket identifies an admitted call. A result only settles the breaker if
// the generation still matches, so results from calls admitted before a
// state change (or from timed-out calls) are discarded.
type ticket struct {
	gen   uint64
	trial bool
}

// Breaker is a CLOSED/OPEN/HALF_OPEN state machine around one dependency.
// All state lives behind mu and changes only in step.
type Breaker struct {
	name   string
	cfg    Config
	clock  clock.Clock
	logger *zap.Logger
	tracer trace.Tracer
	notify func(Transition)

	mu              sync.Mutex
	state           State
	gen             uint64
	failures        int
	windowStart     time.Time
	lastFailureAt   time.Time
	lastStateChange time.Time
	trialInFlight   bool
	trialDeadline   time.Time

	successes     uint64
	totalFailures uint64
	rejected      uint64
	timeouts      uint64
}

func newBreaker(name string, cfg Config, clk clock.Clock, logger *zap.Logger, tracer trace.Tracer, notify func(Transition)) *Breaker {
	if cfg.IsFailure == nil {
		cfg.IsFailure = DefaultPredicate
	}
	return &Breaker{
		name:            name,
		cfg:             cfg,
		clock:           clk,
		logger:          logger,
		tracer:          tracer,
		notify:          notify,
		lastStateChange: clk.Now(),
	}
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state without side effects.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Execute runs op unless the breaker is open. The operation's own error is
// returned unchanged; a short-circuit returns *OpenError and a call that
// outlives CallTimeout returns ErrTimeout. op runs in its own goroutine
// bounded only by CallTimeout: cancelling ctx returns to the caller early but
// does not cancel op, whose outcome still settles the breaker.
func (b *Breaker) Execute(ctx context.Context, op func(context.Context) error) error {
	ctx, span := b.tracer.Start(ctx, "breaker.execute",
		trace.WithAttributes(attribute.String("breaker.name", b.name)))
	defer span.End()

	tk, err := b.step(evAcquire, ticket{})
	if err != nil {
		span.SetAttributes(attribute.Bool("breaker.rejected", true))
		span.SetStatus(codes.Error, "short-circuited")
		return err
	}
	span.SetAttributes(attribute.Bool("breaker.trial", tk.trial))

	err = b.run(ctx, tk, op)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (b *Breaker) run(ctx context.Context, tk ticket, op func(context.Context) error) error {
	// Detached from the caller's cancellation but not its values.
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.cfg.CallTimeout)

	var once sync.Once
	settle := func(err error) {
		once.Do(func() { b.settle(tk, err) })
	}

	result := make(chan error, 1)
	finished := make(chan struct{})
	timedOut := make(chan struct{})

	go func() {
		defer cancel()
		defer close(finished)
		err := call(callCtx, op)
		settle(err)
		result <- err
	}()

	// The watchdog is independent of the caller so a hung operation cannot
	// hold a trial slot after the caller has gone.
	go func() {
		timer := time.NewTimer(b.cfg.CallTimeout)
		defer timer.Stop()
		select {
		case <-finished:
		case <-timer.C:
			settle(ErrTimeout)
			close(timedOut)
		}
	}()

	select {
	case err := <-result:
		return err
	case <-timedOut:
		select {
		case err := <-result:
			return err
		default:
		}
		return fmt.Errorf("breaker %s: %w", b.name, ErrTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func call(ctx context.Context, op func(context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation panicked: %v", r)
		}
	}()
	return op(ctx)
}

func (b *Breaker) settle(tk ticket, err error) {
	switch {
	case err == nil:
		_, _ = b.step(evSuccess, tk)
	case errors.Is(err, ErrTimeout):
		_, _ = b.step(evTimeout, tk)
	case errors.Is(err, context.Canceled) && !IsIgnored(err):
		_, _ = b.step(evRelease, tk)
	case b.cfg.IsFailure(err):
		_, _ = b.step(evFailure, tk)
	default:
		// The dependency answered; the error belongs to the caller.
		_, _ = b.step(evSuccess, tk)
	}
}

// Reset forces the breaker to CLOSED with a zero failure count. Results from
// calls admitted before the reset are discarded.
func (b *Breaker) Reset() {
	_, _ = b.step(evReset, ticket{})
}

// step is the only place breaker state changes.
func (b *Breaker) step(ev event, tk ticket) (ticket, error) {
	b.mu.Lock()
	now := b.clock.Now()
	from := b.state
	var (
		out ticket
		err error
	)

	switch ev {
	case evAcquire:
		out, err = b.acquireLocked(now)

	case evSuccess:
		b.successes++
		if tk.gen == b.gen && tk.trial && b.state == HalfOpen {
			b.transitionLocked(Closed, now)
		}

	case evFailure, evTimeout:
		if ev == evTimeout {
			b.timeouts++
		}
		b.totalFailures++
		if tk.gen != b.gen {
			break
		}
		switch {
		case b.state == HalfOpen && tk.trial:
			b.lastFailureAt = now
			b.transitionLocked(Open, now)
		case b.state == Closed:
			if b.failures == 0 || now.Sub(b.windowStart) > b.cfg.MonitoringPeriod {
				b.failures = 0
				b.windowStart = now
			}
			b.failures++
			b.lastFailureAt = now
			if b.failures >= b.cfg.FailureThreshold {
				b.transitionLocked(Open, now)
			}
		}

	case evRelease:
		if tk.gen == b.gen && tk.trial && b.state == HalfOpen {
			b.trialInFlight = false
		}

	case evReset:
		b.transitionLocked(Closed, now)
		// A reset always invalidates in-flight calls, even from CLOSED.
		b.gen++
	}

	to := b.state
	b.mu.Unlock()

	if from != to {
		b.logger.Info("circuit breaker state changed",
			zap.String("breaker", b.name),
			zap.Stringer("from", from),
			zap.Stringer("to", to))
		if b.notify != nil {
			b.notify(Transition{Name: b.name, From: from, To: to, At: now})
		}
	}
	return out, err
}

func (b *Breaker) acquireLocked(now time.Time) (ticket, error) {
	switch b.state {
	case Closed:
		return ticket{gen: b.gen}, nil

	case Open:
		retryAt := b.lastFailureAt.Add(b.cfg.ResetTimeout)
		if now.Before(retryAt) {
			b.rejected++
			return ticket{}, &OpenError{Name: b.name, State: Open, RetryAt: retryAt}
		}
		b.transitionLocked(HalfOpen, now)
		return b.startTrialLocked(now), nil

	default:
		if b.trialInFlight {
			b.rejected++
			return ticket{}, &OpenError{Name: b.name, State: HalfOpen, RetryAt: b.trialDeadline}
		}
		return b.startTrialLocked(now), nil
	}
}

func (b *Breaker) startTrialLocked(now time.Time) ticket {
	b.trialInFlight = true
	b.trialDeadline = now.Add(b.cfg.CallTimeout)
	return ticket{gen: b.gen, trial: true}
}

func (b *Breaker) transitionLocked(to State, now time.Time) {
	if b.state != to {
		b.gen++
		b.lastStateChange = now
	}
	b.state = to
	b.trialInFlight = false
	if to == Closed {
		b.failures = 0
		b.windowStart = time.Time{}
	}
}

// Snapshot is a point-in-time view of one breaker.
type Snapshot struct {
	Name             string     `json:"name"`
	State            State      `json:"state"`
	FailureCount     int        `json:"failure_count"`
	SuccessCount     uint64     `json:"success_count"`
	TotalFailures    uint64     `json:"total_failures"`
	Rejected         uint64     `json:"rejected"`
	Timeouts         uint64     `json:"timeouts"`
	TrialInFlight    bool       `json:"trial_in_flight"`
	LastFailureAt    *time.Time `json:"last_failure_at,omitempty"`
	LastStateChange  time.Time  `json:"last_state_change"`
	FailureThreshold int        `json:"failure_threshold"`
	ResetTimeout     string     `json:"reset_timeout"`
	MonitoringPeriod string     `json:"monitoring_period"`
	CallTimeout      string     `json:"call_timeout"`
}

// Snapshot returns the breaker's current state and counters.
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Snapshot{
		Name:             b.name,
		State:            b.state,
		FailureCount:     b.failures,
		SuccessCount:     b.successes,
		TotalFailures:    b.totalFailures,
		Rejected:         b.rejected,
		Timeouts:         b.timeouts,
		TrialInFlight:    b.trialInFlight,
		LastStateChange:  b.lastStateChange,
		FailureThreshold: b.cfg.FailureThreshold,
		ResetTimeout:     b.cfg.ResetTimeout.String(),
		MonitoringPeriod: b.cfg.MonitoringPeriod.String(),
		CallTimeout:      b.cfg.CallTimeout.String(),
	}
	if !b.lastFailureAt.IsZero() {
		t := b.lastFailureAt
		s.LastFailureAt = &t
	}
	return s
}

// Do runs op through b and returns its value.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	res := make(chan T, 1)
	err := b.Execute(ctx, func(ctx context.Context) error {
		v, err := op(ctx)
		if err != nil {
			return err
		}
		res <- v
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return <-res, nil
}
