// Package admission turns an inbound request into one admit/deny Decision:
// whitelist, then blacklist, then tier resolution and quota, with the outcome
// fed to the behavior tracker off the request path.
package admission

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/access"
	"github.com/SmitUplenchwar2687/Turnstile/internal/behavior"
	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

// Reason explains a decision.
type Reason string

const (
	ReasonWhitelisted   Reason = "whitelisted"
	ReasonBlacklisted   Reason = "blacklisted"
	ReasonAllowed       Reason = "allowed"
	ReasonQuotaExceeded Reason = "quota_exceeded"
)

// anonymousKey is used when the routing layer could not attribute a request.
const anonymousKey = "anonymous"

// Request is what the routing layer knows about one inbound request.
type Request struct {
	Scope    string        `json:"scope"`
	Identity tier.Identity `json:"identity"`
	Endpoint string        `json:"endpoint"`
}

// Decision is the verdict for one request.
type Decision struct {
	Allowed    bool        `json:"allowed"`
	Reason     Reason      `json:"reason"`
	Remaining  int         `json:"remaining"`
	Limit      int         `json:"limit"`
	ResetAt    time.Time   `json:"reset_at,omitempty"`
	Degraded   bool        `json:"degraded"`
	Scope      string      `json:"scope"`
	Tier       string      `json:"tier,omitempty"`
	TierSource tier.Source `json:"tier_source,omitempty"`
}

// Err maps a deny to limiter.ErrQuotaExceeded or access.ErrBlacklisted.
func (d Decision) Err() error {
	switch {
	case d.Allowed:
		return nil
	case d.Reason == ReasonBlacklisted:
		return access.ErrBlacklisted
	default:
		return fmt.Errorf("%s scope, %s tier: %w", d.Scope, d.Tier, limiter.ErrQuotaExceeded)
	}
}

// RetryAfter is the wait before ResetAt, rounded up to whole seconds. It is
// zero for allowed decisions and for denials without a reset time.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.Allowed || d.ResetAt.IsZero() || !d.ResetAt.After(now) {
		return 0
	}
	secs := math.Ceil(d.ResetAt.Sub(now).Seconds())
	return time.Duration(secs) * time.Second
}

// Observer is told about every decision after it is made.
type Observer func(Request, Decision)

// Option configures a Controller.
type Option func(*Controller)

func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

func WithLogger(l *zap.Logger) Option {
	return func(ctl *Controller) { ctl.logger = l }
}

func WithTracer(t trace.Tracer) Option {
	return func(ctl *Controller) { ctl.tracer = t }
}

// WithQueue feeds decisions and completions to a behavior queue.
func WithQueue(q *behavior.Queue) Option {
	return func(ctl *Controller) { ctl.queue = q }
}

// WithRegisterer registers decision metrics on r.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(ctl *Controller) { ctl.registerer = r }
}

// Controller is the admission pipeline.
type Controller struct {
	pool       *limiter.Pool
	lists      *access.Lists
	queue      *behavior.Queue
	clock      clock.Clock
	logger     *zap.Logger
	tracer     trace.Tracer
	registerer prometheus.Registerer

	decisions *prometheus.CounterVec
	latency   *prometheus.HistogramVec

	mu        sync.RWMutex
	observers []Observer
}

// New builds a controller over pool and lists.
func New(pool *limiter.Pool, lists *access.Lists, opts ...Option) (*Controller, error) {
	if pool == nil || lists == nil {
		return nil, fmt.Errorf("limiter pool and access lists are required")
	}
	c := &Controller{pool: pool, lists: lists}
	for _, opt := range opts {
		opt(c)
	}
	c.clock = clock.OrReal(c.clock)
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("admission")
	if c.tracer == nil {
		c.tracer = otel.Tracer("github.com/SmitUplenchwar2687/Turnstile/internal/admission")
	}

	c.decisions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "turnstile",
		Subsystem: "admission",
		Name:      "decisions_total",
		Help:      "Admission decisions by scope and reason.",
	}, []string{"scope", "reason", "degraded"})
	c.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "turnstile",
		Subsystem: "admission",
		Name:      "decision_duration_seconds",
		Help:      "Time to reach an admission decision.",
		Buckets:   []float64{.0001, .0005, .001, .0025, .005, .01, .025, .05, .1},
	}, []string{"scope"})
	if c.registerer != nil {
		for _, col := range []prometheus.Collector{c.decisions, c.latency} {
			if err := c.registerer.Register(col); err != nil {
				return nil, fmt.Errorf("registering admission metrics: %w", err)
			}
		}
	}
	return c, nil
}

// Observe registers fn for every future decision.
func (c *Controller) Observe(fn Observer) {
	c.mu.Lock()
	c.observers = append(c.observers, fn)
	c.mu.Unlock()
}

// Decide evaluates req. It never fails: store errors yield degraded decisions.
func (c *Controller) Decide(ctx context.Context, req Request) Decision {
	start := time.Now()
	if req.Identity.Key == "" {
		req.Identity.Key = anonymousKey
	}

	ctx, span := c.tracer.Start(ctx, "admission.decide", trace.WithAttributes(
		attribute.String("admission.scope", req.Scope),
		attribute.String("admission.endpoint", req.Endpoint),
	))
	defer span.End()

	d := c.decide(ctx, req)

	span.SetAttributes(
		attribute.Bool("admission.allowed", d.Allowed),
		attribute.String("admission.reason", string(d.Reason)),
		attribute.Bool("admission.degraded", d.Degraded),
		attribute.String("admission.tier", d.Tier),
	)
	c.decisions.WithLabelValues(d.Scope, string(d.Reason), fmt.Sprint(d.Degraded)).Inc()
	c.latency.WithLabelValues(d.Scope).Observe(time.Since(start).Seconds())

	c.mu.RLock()
	observers := c.observers
	c.mu.RUnlock()
	for _, fn := range observers {
		fn(req, d)
	}
	return d
}

func (c *Controller) decide(ctx context.Context, req Request) Decision {
	key := req.Identity.Key
	sc, _ := c.pool.Scope(req.Scope)
	listsDegraded := false

	if _, ok, err := c.lists.Whitelisted(ctx, key); err != nil {
		c.logger.Warn("whitelist lookup failed", zap.String("key", key), zap.Error(err))
		listsDegraded = true
	} else if ok {
		return Decision{Allowed: true, Reason: ReasonWhitelisted, Scope: sc.Name}
	}

	// A store that just failed the whitelist read is not asked again.
	if listsDegraded {
		c.logger.Debug("skipping blacklist lookup", zap.String("key", key))
	} else if e, ok, err := c.lists.Blacklisted(ctx, key); err != nil {
		c.logger.Warn("blacklist lookup failed", zap.String("key", key), zap.Error(err))
		listsDegraded = true
	} else if ok {
		d := Decision{Allowed: false, Reason: ReasonBlacklisted, Scope: sc.Name, Degraded: listsDegraded}
		if e.ExpiresAt != nil {
			d.ResetAt = *e.ExpiresAt
		}
		return d
	}

	t, src := c.pool.Resolve(req.Scope, req.Identity)
	ld := c.pool.Consume(ctx, req.Scope, key, t)

	d := Decision{
		Allowed:    ld.Allowed,
		Reason:     ReasonAllowed,
		Remaining:  ld.Remaining,
		Limit:      ld.Limit,
		ResetAt:    ld.ResetAt,
		Degraded:   ld.Degraded || listsDegraded,
		Scope:      ld.Scope,
		Tier:       ld.Tier,
		TierSource: src,
	}
	outcome := behavior.Success
	if !d.Allowed {
		d.Reason = ReasonQuotaExceeded
		outcome = behavior.Denied
	}
	c.submit(req, outcome)
	return d
}

// Complete reports the downstream handler's result for an admitted request.
// Only failures are recorded; the admission itself was already counted.
func (c *Controller) Complete(req Request, success bool) {
	if success {
		return
	}
	if req.Identity.Key == "" {
		req.Identity.Key = anonymousKey
	}
	c.submit(req, behavior.Failure)
}

func (c *Controller) submit(req Request, outcome behavior.Outcome) {
	if c.queue == nil {
		return
	}
	c.queue.Submit(behavior.Event{
		Key:      req.Identity.Key,
		At:       c.clock.Now(),
		Endpoint: req.Endpoint,
		Outcome:  outcome,
	})
}

// Pool returns the limiter pool the controller consumes from.
func (c *Controller) Pool() *limiter.Pool { return c.pool }

// Lists returns the override lists the controller consults.
func (c *Controller) Lists() *access.Lists { return c.lists }
