// Package behavior scores identities by their recent request pattern and
// blacklists the ones that look abusive.
package behavior

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// Outcome classifies one observed request.
type Outcome string

const (
	// Success is an admitted request whose handler succeeded.
	Success Outcome = "success"
	// Failure is an admitted request whose handler failed.
	Failure Outcome = "failure"
	// Denied is a request refused by the quota check.
	Denied Outcome = "denied"
)

// Event is one observation for a key.
type Event struct {
	Key      string    `json:"key"`
	At       time.Time `json:"at"`
	Endpoint string    `json:"endpoint"`
	Outcome  Outcome   `json:"outcome"`
}

// Blocker receives automatic blacklist decisions.
type Blocker interface {
	Block(ctx context.Context, key, reason string, ttl time.Duration) error
}

// Config tunes scoring and blocking.
type Config struct {
	Window    time.Duration
	MaxEvents int

	Threshold    float64
	RateWeight   float64
	ErrorWeight  float64
	FanoutWeight float64

	// Retention is how long an idle record (and its offense count) is kept.
	Retention time.Duration

	BaseBlock  time.Duration
	MaxBlock   time.Duration
	Multiplier float64
}

// DefaultConfig returns the built-in tuning.
func DefaultConfig() Config {
	return Config{
		Window:       time.Minute,
		MaxEvents:    512,
		Threshold:    300,
		RateWeight:   1,
		ErrorWeight:  3,
		FanoutWeight: 2,
		Retention:    time.Hour,
		BaseBlock:    time.Minute,
		MaxBlock:     24 * time.Hour,
		Multiplier:   2,
	}
}

// Validate checks cfg.
func (c Config) Validate() error {
	switch {
	case c.Window <= 0:
		return errors.New("window must be positive")
	case c.MaxEvents <= 0:
		return errors.New("max_events must be positive")
	case c.Threshold <= 0:
		return errors.New("threshold must be positive")
	case c.RateWeight < 0 || c.ErrorWeight < 0 || c.FanoutWeight < 0:
		return errors.New("weights must not be negative")
	case c.Retention < c.Window:
		return fmt.Errorf("retention %s must be at least the window %s", c.Retention, c.Window)
	case c.BaseBlock <= 0 || c.MaxBlock < c.BaseBlock:
		return errors.New("block durations must satisfy 0 < base_block <= max_block")
	case c.Multiplier < 1:
		return errors.New("multiplier must be at least 1")
	}
	return nil
}

// BlockTTL is the block duration for the given offense number (1-based).
func (c Config) BlockTTL(offense int) time.Duration {
	if offense < 1 {
		offense = 1
	}
	ttl := float64(c.BaseBlock) * math.Pow(c.Multiplier, float64(offense-1))
	if ttl >= float64(c.MaxBlock) || math.IsInf(ttl, 1) {
		return c.MaxBlock
	}
	return time.Duration(ttl)
}

type record struct {
	events       *ring
	offenses     int
	blockedUntil time.Time
	lastUpdated  time.Time
}

// Record is a point-in-time view of one key's behavior.
type Record struct {
	Key               string     `json:"key"`
	Events            int        `json:"events"`
	Failures          int        `json:"failures"`
	DistinctEndpoints int        `json:"distinct_endpoints"`
	Score             float64    `json:"score"`
	Offenses          int        `json:"offenses"`
	BlockedUntil      *time.Time `json:"blocked_until,omitempty"`
	LastUpdated       time.Time  `json:"last_updated"`
}

// Stats summarizes the tracker.
type Stats struct {
	TrackedKeys int    `json:"tracked_keys"`
	Blocks      uint64 `json:"blocks"`
}

// Tracker keeps a rolling event ring per key.
type Tracker struct {
	cfg     Config
	clock   clock.Clock
	logger  *zap.Logger
	blocker Blocker

	mu      sync.Mutex
	records map[string]*record
	blocks  uint64
}

// NewTracker validates cfg and builds a tracker. blocker may be nil, in which
// case offenses are counted and logged only.
func NewTracker(cfg Config, blocker Blocker, clk clock.Clock, logger *zap.Logger) (*Tracker, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("behavior config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		cfg:     cfg,
		clock:   clock.OrReal(clk),
		logger:  logger.Named("behavior"),
		blocker: blocker,
		records: make(map[string]*record),
	}, nil
}

// Record appends ev to its key's ring and blocks the key when its score
// crosses the threshold. A zero ev.At is stamped with the current time.
func (t *Tracker) Record(ctx context.Context, ev Event) {
	if ev.Key == "" {
		return
	}
	now := t.clock.Now()
	if ev.At.IsZero() {
		ev.At = now
	}

	t.mu.Lock()
	r, ok := t.records[ev.Key]
	if !ok {
		r = &record{events: newRing(t.cfg.MaxEvents)}
		t.records[ev.Key] = r
	}
	r.events.prune(now.Add(-t.cfg.Window))
	r.events.push(ev)
	r.lastUpdated = now

	score, _, _ := t.scoreLocked(r, now)
	if score <= t.cfg.Threshold || now.Before(r.blockedUntil) {
		t.mu.Unlock()
		return
	}

	r.offenses++
	ttl := t.cfg.BlockTTL(r.offenses)
	r.blockedUntil = now.Add(ttl)
	r.events.clear()
	offense := r.offenses
	t.blocks++
	t.mu.Unlock()

	reason := fmt.Sprintf("behavior score %.0f over threshold %.0f (offense %d)", score, t.cfg.Threshold, offense)
	t.logger.Warn("blocking abusive key",
		zap.String("key", ev.Key),
		zap.Float64("score", score),
		zap.Int("offense", offense),
		zap.Duration("ttl", ttl))
	if t.blocker == nil {
		return
	}
	if err := t.blocker.Block(ctx, ev.Key, reason, ttl); err != nil {
		t.logger.Error("automatic blacklist failed", zap.String("key", ev.Key), zap.Error(err))
	}
}

// scoreLocked computes the score over events strictly inside the window
// ending at now. It does not mutate r.
func (t *Tracker) scoreLocked(r *record, now time.Time) (score float64, failures, distinct int) {
	cutoff := now.Add(-t.cfg.Window)
	endpoints := make(map[string]struct{})
	events := 0
	r.events.each(func(ev Event) {
		if !ev.At.After(cutoff) {
			return
		}
		events++
		if ev.Outcome != Success {
			failures++
		}
		if ev.Endpoint != "" {
			endpoints[ev.Endpoint] = struct{}{}
		}
	})
	distinct = len(endpoints)

	minutes := t.cfg.Window.Minutes()
	score = t.cfg.RateWeight*float64(events)/minutes +
		t.cfg.ErrorWeight*float64(failures)/minutes +
		t.cfg.FanoutWeight*float64(distinct)
	return score, failures, distinct
}

// Score returns the key's current score; unknown keys score zero.
func (t *Tracker) Score(key string) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok {
		return 0
	}
	score, _, _ := t.scoreLocked(r, t.clock.Now())
	return score
}

// Inspect returns the key's record.
func (t *Tracker) Inspect(key string) (Record, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[key]
	if !ok {
		return Record{}, false
	}

	now := t.clock.Now()
	score, failures, distinct := t.scoreLocked(r, now)
	out := Record{
		Key:               key,
		Failures:          failures,
		DistinctEndpoints: distinct,
		Score:             score,
		Offenses:          r.offenses,
		LastUpdated:       r.lastUpdated,
	}
	cutoff := now.Add(-t.cfg.Window)
	r.events.each(func(ev Event) {
		if ev.At.After(cutoff) {
			out.Events++
		}
	})
	if now.Before(r.blockedUntil) {
		until := r.blockedUntil
		out.BlockedUntil = &until
	}
	return out, true
}

// Sweep evicts records idle for longer than the retention period and whose
// block has ended. It returns the number evicted.
func (t *Tracker) Sweep() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.clock.Now()
	evicted := 0
	for key, r := range t.records {
		if now.Sub(r.lastUpdated) > t.cfg.Retention && !now.Before(r.blockedUntil) {
			delete(t.records, key)
			evicted++
		}
	}
	return evicted
}

// Run sweeps every interval until ctx is done.
func (t *Tracker) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := t.Sweep(); n > 0 {
				t.logger.Debug("evicted idle behavior records", zap.Int("count", n))
			}
		}
	}
}

// Stats returns tracker totals.
func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{TrackedKeys: len(t.records), Blocks: t.blocks}
}
