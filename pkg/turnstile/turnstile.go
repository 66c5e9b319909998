// Package turnstile is the public entry point for routing layers that embed
// the admission layer in-process instead of running "turnstile serve".
package turnstile

import (
	"context"
	"net/http"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/admission"
	"github.com/SmitUplenchwar2687/Turnstile/internal/app"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/server"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

// Config is the validated runtime configuration.
type Config = config.Config

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config { return config.Default() }

// LoadConfig reads a YAML or JSON file (empty path = defaults only) and
// applies TURNSTILE_* environment overrides.
func LoadConfig(path string) (Config, error) { return config.Load(path) }

// Stack is a fully wired admission layer.
type Stack = app.Stack

// Option configures Build.
type Option = app.Option

// Build wires a Stack from cfg.
func Build(ctx context.Context, cfg Config, opts ...Option) (*Stack, error) {
	return app.Build(ctx, cfg, opts...)
}

// WithClock builds the stack on c instead of the wall clock.
func WithClock(c Clock) Option { return app.WithClock(c) }

// Clock abstracts time for windows, block expiry and breaker timeouts.
type Clock = clock.Clock

// VirtualClock is a manually advanced clock.
type VirtualClock = clock.VirtualClock

// NewVirtualClock creates a virtual clock starting at start.
func NewVirtualClock(start time.Time) *VirtualClock { return clock.NewVirtualClock(start) }

type (
	// Request is what the routing layer knows about one inbound request.
	Request = admission.Request
	// Decision is the verdict for one request.
	Decision = admission.Decision
	// Reason explains a decision.
	Reason = admission.Reason
	// Identity is the caller a request is attributed to.
	Identity = tier.Identity
)

const (
	ReasonWhitelisted   = admission.ReasonWhitelisted
	ReasonBlacklisted   = admission.ReasonBlacklisted
	ReasonAllowed       = admission.ReasonAllowed
	ReasonQuotaExceeded = admission.ReasonQuotaExceeded
)

// Breaker guards one outbound dependency.
type Breaker = breaker.Breaker

// Built-in breaker names.
const (
	Database    = breaker.Database
	Payment     = breaker.Payment
	ExternalAPI = breaker.ExternalAPI
	Email       = breaker.Email
)

var (
	// ErrBreakerOpen is returned when a breaker rejects a call.
	ErrBreakerOpen = breaker.ErrOpen
	// ErrUnknownBreaker is returned for names not in the configuration.
	ErrUnknownBreaker = breaker.ErrUnknownBreaker
)

// Do runs op through b and returns its value.
func Do[T any](ctx context.Context, b *Breaker, op func(context.Context) (T, error)) (T, error) {
	return breaker.Do(ctx, b, op)
}

// MiddlewareOptions configures Middleware.
type MiddlewareOptions = server.MiddlewareOptions

// Middleware admits or rejects every request before next sees it.
func Middleware(s *Stack, opts MiddlewareOptions) func(http.Handler) http.Handler {
	if opts.Clock == nil {
		opts.Clock = s.Clock
	}
	if opts.Logger == nil {
		opts.Logger = s.Logger
	}
	return server.AdmissionMiddleware(s.Controller, opts)
}
