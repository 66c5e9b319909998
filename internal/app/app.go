// Package app assembles every Turnstile component from a config.Config.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/behavior"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/metrics"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

// Stack is a fully wired admission layer.
type Stack struct {
	Config  config.Config
	Clock   clock.Clock
	Logger  *zap.Logger
	Tracer  trace.Tracer
	Metrics *prometheus.Registry

	Backend    *storage.Backend
	Tiers      *tier.Registry
	Breakers   *breaker.Registry
	Pool       *limiter.Pool
	Lists      *access.Lists
	Tracker    *behavior.Tracker // nil when behavior tracking is disabled
	Queue      *behavior.Queue
	Controller *admission.Controller
	Aggregator *metrics.Aggregator

	stop context.CancelFunc
	done chan struct{}
}

// Option customizes Build.
type Option func(*buildOptions)

type buildOptions struct {
	clock   clock.Clock
	logger  *zap.Logger
	backend *storage.Backend
}

// WithClock injects a clock, typically a VirtualClock.
func WithClock(c clock.Clock) Option {
	return func(o *buildOptions) { o.clock = c }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *buildOptions) { o.logger = l }
}

// WithBackend uses b instead of opening the store described by the config.
func WithBackend(b *storage.Backend) Option {
	return func(o *buildOptions) { o.backend = b }
}

// Build validates cfg and wires every component. Call Close when done.
func Build(ctx context.Context, cfg config.Config, opts ...Option) (*Stack, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	clk := clock.OrReal(o.clock)
	logger := o.logger
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Stack{
		Config:  cfg,
		Clock:   clk,
		Logger:  logger,
		Tracer:  otel.Tracer("github.com/SmitUplenchwar2687/Turnstile"),
		Metrics: prometheus.NewRegistry(),
	}
	s.Metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var err error
	s.Tiers, err = cfg.TierRegistry()
	if err != nil {
		return nil, err
	}

	s.Backend = o.backend
	if s.Backend == nil {
		s.Backend, err = storage.Open(ctx, cfg.StorageConfig(), clk, logger)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
	}
	ok := false
	defer func() {
		if !ok {
			s.Backend.Close()
		}
	}()

	breakerCfgs := cfg.BreakerConfigs()
	breakerCfgs[limiter.StoreBreakerName] = limiter.StoreBreakerConfig(s.Backend.Timeout)
	s.Breakers, err = breaker.NewRegistry(breakerCfgs,
		breaker.WithClock(clk),
		breaker.WithLogger(logger),
		breaker.WithTracer(s.Tracer),
	)
	if err != nil {
		return nil, fmt.Errorf("building breakers: %w", err)
	}

	storeBreaker := s.Breakers.MustGet(limiter.StoreBreakerName)
	s.Pool, err = limiter.NewPool(cfg.LimiterConfig(), s.Backend, s.Tiers,
		limiter.WithClock(clk),
		limiter.WithLogger(logger),
		limiter.WithStoreBreaker(storeBreaker),
	)
	if err != nil {
		return nil, fmt.Errorf("building limiter pool: %w", err)
	}

	s.Lists = access.New(s.Backend.Lists, clk, logger,
		access.WithLookupTimeout(s.Backend.Timeout),
		access.WithStoreBreaker(storeBreaker),
	)

	ctlOpts := []admission.Option{
		admission.WithClock(clk),
		admission.WithLogger(logger),
		admission.WithTracer(s.Tracer),
		admission.WithRegisterer(s.Metrics),
	}
	if cfg.Behavior.Enabled {
		s.Tracker, err = behavior.NewTracker(cfg.BehaviorConfig(), s.Lists, clk, logger)
		if err != nil {
			return nil, fmt.Errorf("building behavior tracker: %w", err)
		}
		s.Queue, err = behavior.NewQueue(s.Tracker, cfg.Behavior.QueueSize, cfg.Behavior.Workers)
		if err != nil {
			return nil, fmt.Errorf("building behavior queue: %w", err)
		}
		ctlOpts = append(ctlOpts, admission.WithQueue(s.Queue))
	}

	s.Controller, err = admission.New(s.Pool, s.Lists, ctlOpts...)
	if err != nil {
		return nil, err
	}

	aggOpts := []metrics.Option{metrics.WithClock(clk)}
	if s.Tracker != nil {
		aggOpts = append(aggOpts, metrics.WithBehavior(s.Tracker, s.Queue))
	}
	s.Aggregator, err = metrics.New(s.Pool, s.Tiers, s.Breakers, s.Lists, aggOpts...)
	if err != nil {
		return nil, err
	}
	if err := s.Metrics.Register(s.Aggregator); err != nil {
		return nil, fmt.Errorf("registering aggregator: %w", err)
	}

	ok = true
	return s, nil
}

// Start launches background maintenance (behavior record sweeping). It
// returns immediately.
func (s *Stack) Start(ctx context.Context) {
	ctx, s.stop = context.WithCancel(ctx)
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if s.Tracker != nil {
			s.Tracker.Run(ctx, s.Config.Behavior.SweepInterval)
			return
		}
		<-ctx.Done()
	}()
}

// Close stops background work, drains the behavior queue and closes the store.
func (s *Stack) Close(ctx context.Context) error {
	if s.stop != nil {
		s.stop()
		<-s.done
	}
	var errs []error
	if s.Queue != nil {
		if err := s.Queue.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining behavior queue: %w", err))
		}
	}
	if err := s.Backend.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}
	return errors.Join(errs...)
}
