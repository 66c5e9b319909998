package breaker

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// Names of the dependencies protected out of the box.
const (
	Database    = "database"
	Payment     = "payment"
	ExternalAPI = "external_api"
	Email       = "email"
)

// ErrUnknownBreaker is returned for names the registry was not built with.
var ErrUnknownBreaker = errors.New("unknown circuit breaker")

// DefaultConfigs returns the built-in per-dependency settings.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Database: {
			FailureThreshold: 5,
			ResetTimeout:     30 * time.Second,
			MonitoringPeriod: time.Minute,
			CallTimeout:      5 * time.Second,
		},
		Payment: {
			FailureThreshold: 3,
			ResetTimeout:     5 * time.Second,
			MonitoringPeriod: time.Minute,
			CallTimeout:      10 * time.Second,
		},
		ExternalAPI: {
			FailureThreshold: 5,
			ResetTimeout:     time.Minute,
			MonitoringPeriod: 2 * time.Minute,
			CallTimeout:      10 * time.Second,
		},
		Email: {
			FailureThreshold: 10,
			ResetTimeout:     2 * time.Minute,
			MonitoringPeriod: 5 * time.Minute,
			CallTimeout:      15 * time.Second,
		},
	}
}

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for reset timeouts and monitoring periods.
func WithClock(c clock.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithTracer sets the tracer used for call spans.
func WithTracer(t trace.Tracer) Option {
	return func(r *Registry) { r.tracer = t }
}

// WithListener registers a state-change listener at construction.
func WithListener(l Listener) Option {
	return func(r *Registry) { r.listeners = append(r.listeners, l) }
}

// Registry owns one breaker per configured dependency name. The set of names
// is fixed at construction.
type Registry struct {
	clock    clock.Clock
	logger   *zap.Logger
	tracer   trace.Tracer
	breakers map[string]*Breaker

	mu        sync.RWMutex
	listeners []Listener
}

// NewRegistry builds a breaker for every entry in configs.
func NewRegistry(configs map[string]Config, opts ...Option) (*Registry, error) {
	r := &Registry{breakers: make(map[string]*Breaker, len(configs))}
	for _, opt := range opts {
		opt(r)
	}
	r.clock = clock.OrReal(r.clock)
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("breaker")
	if r.tracer == nil {
		r.tracer = otel.Tracer("github.com/SmitUplenchwar2687/Turnstile/internal/breaker")
	}

	for name, cfg := range configs {
		if name == "" {
			return nil, errors.New("breaker name is required")
		}
		if err := cfg.Validate(); err != nil {
			return nil, fmt.Errorf("breaker %q: %w", name, err)
		}
		r.breakers[name] = newBreaker(name, cfg, r.clock, r.logger, r.tracer, r.dispatch)
	}
	return r, nil
}

// OnStateChange adds a listener for every breaker in the registry.
func (r *Registry) OnStateChange(l Listener) {
	r.mu.Lock()
	r.listeners = append(r.listeners, l)
	r.mu.Unlock()
}

func (r *Registry) dispatch(t Transition) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, l := range listeners {
		l(t)
	}
}

// Get returns the breaker for name.
func (r *Registry) Get(name string) (*Breaker, bool) {
	b, ok := r.breakers[name]
	return b, ok
}

// MustGet returns the breaker for name and panics if it is not configured.
// Use it for names fixed at compile time.
func (r *Registry) MustGet(name string) *Breaker {
	b, ok := r.breakers[name]
	if !ok {
		panic(fmt.Sprintf("breaker: %q is not configured", name))
	}
	return b
}

// Names returns the configured names in order.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.breakers))
	for name := range r.breakers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Reset closes the named breaker.
func (r *Registry) Reset(name string) error {
	b, ok := r.breakers[name]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownBreaker, name)
	}
	b.Reset()
	return nil
}

// ResetAll closes every breaker.
func (r *Registry) ResetAll() {
	for _, b := range r.breakers {
		b.Reset()
	}
}

// Snapshot returns every breaker's state ordered by name.
func (r *Registry) Snapshot() []Snapshot {
	out := make([]Snapshot, 0, len(r.breakers))
	for _, name := range r.Names() {
		out = append(out, r.breakers[name].Snapshot())
	}
	return out
}
