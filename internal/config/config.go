// Package config loads the layer's settings once at startup.
package config

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/SmitUplenchwar2687/Turnstile/internal/behavior"
	"github.com/SmitUplenchwar2687/Turnstile/internal/breaker"
	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
	"github.com/SmitUplenchwar2687/Turnstile/internal/tier"
)

// Error is a fatal configuration problem.
type Error struct {
	Field  string
	Reason string
}

func (e *Error) Error() string {
	return fmt.Sprintf("invalid config %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) error {
	return &Error{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config is the top-level configuration for a Turnstile process.
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Store    StoreConfig
	Tiers    TiersConfig
	Pools    PoolsConfig
	Breakers map[string]BreakerConfig
	Behavior BehaviorConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr       string
	AdminToken string
	// TrustIdentityHeaders attributes requests by client supplied identity
	// headers. Enable only behind an authenticating gateway.
	TrustIdentityHeaders bool
	ShutdownTimeout      time.Duration
}

// LogConfig selects the logger level and encoding.
type LogConfig struct {
	Level  string
	Format string
}

// StoreConfig selects the shared store.
type StoreConfig struct {
	Mode            storage.Mode
	Timeout         time.Duration
	CleanupInterval time.Duration
	Redis           RedisConfig
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host         string
	Port         int
	Password     string
	DB           int
	Cluster      bool
	ClusterNodes []string
	PoolSize     int
	MaxRetries   int
	DialTimeout  time.Duration
}

// TierConfig is one catalog entry.
type TierConfig struct {
	Capacity      int
	WindowSeconds int
	Description   string
}

// TiersConfig is the tier catalog and how identities map onto it.
type TiersConfig struct {
	Catalog   map[string]TierConfig
	Roles     map[string]string
	Anonymous string
}

// PoolConfig is one limiter scope.
type PoolConfig struct {
	Name          string
	Tier          string
	FailurePolicy limiter.FailurePolicy
}

// PoolsConfig lists the limiter scopes.
type PoolsConfig struct {
	Default string
	Scopes  []PoolConfig
}

// BreakerConfig tunes one dependency breaker. Times are in milliseconds.
type BreakerConfig struct {
	FailureThreshold   int
	ResetTimeoutMs     int
	MonitoringPeriodMs int
	CallTimeoutMs      int
}

// BehaviorConfig tunes abuse scoring and the event queue.
type BehaviorConfig struct {
	Enabled       bool
	Window        time.Duration
	MaxEvents     int
	Threshold     float64
	RateWeight    float64
	ErrorWeight   float64
	FanoutWeight  float64
	Retention     time.Duration
	BaseBlock     time.Duration
	MaxBlock      time.Duration
	Multiplier    float64
	QueueSize     int
	Workers       int
	SweepInterval time.Duration
}

// Default returns a Config with sensible defaults: local store, the built-in
// tier catalog, scopes and breakers.
func Default() Config {
	catalog := make(map[string]TierConfig)
	for _, t := range tier.DefaultTiers() {
		catalog[t.Name] = TierConfig{
			Capacity:      t.Capacity,
			WindowSeconds: int(t.Window / time.Second),
			Description:   t.Description,
		}
	}

	var scopes []PoolConfig
	for _, sc := range limiter.DefaultScopes() {
		scopes = append(scopes, PoolConfig{Name: sc.Name, Tier: sc.Tier, FailurePolicy: sc.Policy})
	}

	breakers := make(map[string]BreakerConfig)
	for name, bc := range breaker.DefaultConfigs() {
		breakers[name] = BreakerConfig{
			FailureThreshold:   bc.FailureThreshold,
			ResetTimeoutMs:     int(bc.ResetTimeout / time.Millisecond),
			MonitoringPeriodMs: int(bc.MonitoringPeriod / time.Millisecond),
			CallTimeoutMs:      int(bc.CallTimeout / time.Millisecond),
		}
	}

	bd := behavior.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{
			Mode:            storage.ModeLocal,
			Timeout:         50 * time.Millisecond,
			CleanupInterval: time.Minute,
			Redis: RedisConfig{
				Host:        "localhost",
				Port:        6379,
				PoolSize:    20,
				MaxRetries:  3,
				DialTimeout: 5 * time.Second,
			},
		},
		Tiers: TiersConfig{
			Catalog:   catalog,
			Roles:     tier.DefaultRoles(),
			Anonymous: tier.Anonymous,
		},
		Pools:    PoolsConfig{Default: limiter.ScopeAPI, Scopes: scopes},
		Breakers: breakers,
		Behavior: BehaviorConfig{
			Enabled:       true,
			Window:        bd.Window,
			MaxEvents:     bd.MaxEvents,
			Threshold:     bd.Threshold,
			RateWeight:    bd.RateWeight,
			ErrorWeight:   bd.ErrorWeight,
			FanoutWeight:  bd.FanoutWeight,
			Retention:     bd.Retention,
			BaseBlock:     bd.BaseBlock,
			MaxBlock:      bd.MaxBlock,
			Multiplier:    bd.Multiplier,
			QueueSize:     1024,
			Workers:       2,
			SweepInterval: time.Minute,
		},
	}
}

// Validate checks the whole config. It returns a *Error for the first problem.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return invalid("server.addr", "must not be empty")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return invalid("server.shutdown_timeout", "must be positive, got %s", c.Server.ShutdownTimeout)
	}

	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return invalid("log.level", "unknown level %q, must be one of: debug, info, warn, error", c.Log.Level)
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		return invalid("log.format", "unknown format %q, must be json or console", c.Log.Format)
	}

	if err := c.Store.validate(); err != nil {
		return err
	}

	tiers, err := c.TierList()
	if err != nil {
		return err
	}
	if _, err := tier.NewRegistry(tiers, c.Tiers.Roles, c.Tiers.Anonymous); err != nil {
		return invalid("tiers", "%v", err)
	}
	known := make(map[string]bool, len(tiers))
	for _, t := range tiers {
		known[t.Name] = true
	}

	if len(c.Pools.Scopes) == 0 {
		return invalid("pools.scopes", "at least one scope is required")
	}
	seen := make(map[string]bool)
	for i, p := range c.Pools.Scopes {
		field := fmt.Sprintf("pools.scopes[%d]", i)
		if p.Name == "" {
			return invalid(field+".name", "must not be empty")
		}
		if seen[p.Name] {
			return invalid(field+".name", "duplicate scope %q", p.Name)
		}
		seen[p.Name] = true
		if p.Tier != "" && !known[p.Tier] {
			return invalid(field+".tier", "unknown tier %q", p.Tier)
		}
		if p.FailurePolicy != "" && !p.FailurePolicy.Valid() {
			return invalid(field+".failure_policy", "unknown policy %q, must be one of: open, local, closed", p.FailurePolicy)
		}
	}
	if c.Pools.Default != "" && !seen[c.Pools.Default] {
		return invalid("pools.default", "scope %q is not configured", c.Pools.Default)
	}

	for _, name := range sortedKeys(c.Breakers) {
		if err := c.Breakers[name].toBreaker().Validate(); err != nil {
			return invalid("breakers."+name, "%v", err)
		}
	}

	if c.Behavior.Enabled {
		if err := c.BehaviorConfig().Validate(); err != nil {
			return invalid("behavior", "%v", err)
		}
		if c.Behavior.QueueSize <= 0 {
			return invalid("behavior.queue_size", "must be positive, got %d", c.Behavior.QueueSize)
		}
		if c.Behavior.Workers <= 0 {
			return invalid("behavior.workers", "must be positive, got %d", c.Behavior.Workers)
		}
		if c.Behavior.SweepInterval <= 0 {
			return invalid("behavior.sweep_interval", "must be positive, got %s", c.Behavior.SweepInterval)
		}
	}
	return nil
}

func (s StoreConfig) validate() error {
	if s.Timeout <= 0 {
		return invalid("store.timeout", "must be positive, got %s", s.Timeout)
	}
	if s.CleanupInterval <= 0 {
		return invalid("store.cleanup_interval", "must be positive, got %s", s.CleanupInterval)
	}
	switch s.Mode {
	case storage.ModeLocal:
		return nil
	case storage.ModeRedis:
	default:
		return invalid("store.mode", "unknown mode %q, must be redis or local", s.Mode)
	}

	r := s.Redis
	if r.Cluster {
		if len(r.ClusterNodes) == 0 {
			return invalid("store.redis.cluster_nodes", "required when cluster=true")
		}
	} else {
		if r.Host == "" {
			return invalid("store.redis.host", "must not be empty")
		}
		if r.Port <= 0 {
			return invalid("store.redis.port", "must be positive, got %d", r.Port)
		}
	}
	if r.DB < 0 {
		return invalid("store.redis.db", "must not be negative, got %d", r.DB)
	}
	if r.PoolSize < 0 || r.MaxRetries < 0 || r.DialTimeout < 0 {
		return invalid("store.redis", "pool_size, max_retries and dial_timeout must not be negative")
	}
	return nil
}

// TierList converts the catalog, ordered by name.
func (c Config) TierList() ([]tier.Tier, error) {
	if len(c.Tiers.Catalog) == 0 {
		return nil, invalid("tiers.catalog", "at least one tier is required")
	}
	out := make([]tier.Tier, 0, len(c.Tiers.Catalog))
	for _, name := range sortedKeys(c.Tiers.Catalog) {
		tc := c.Tiers.Catalog[name]
		if tc.WindowSeconds <= 0 {
			return nil, invalid("tiers.catalog."+name+".window_seconds", "must be positive, got %d", tc.WindowSeconds)
		}
		if tc.Capacity <= 0 {
			return nil, invalid("tiers.catalog."+name+".capacity", "must be positive, got %d", tc.Capacity)
		}
		out = append(out, tier.Tier{
			Name:        name,
			Capacity:    tc.Capacity,
			Window:      time.Duration(tc.WindowSeconds) * time.Second,
			Description: tc.Description,
		})
	}
	return out, nil
}

// TierRegistry builds the registry described by the config.
func (c Config) TierRegistry() (*tier.Registry, error) {
	tiers, err := c.TierList()
	if err != nil {
		return nil, err
	}
	return tier.NewRegistry(tiers, c.Tiers.Roles, c.Tiers.Anonymous)
}

// LimiterConfig converts the pool section.
func (c Config) LimiterConfig() limiter.Config {
	out := limiter.Config{DefaultScope: c.Pools.Default}
	for _, p := range c.Pools.Scopes {
		out.Scopes = append(out.Scopes, limiter.Scope{Name: p.Name, Tier: p.Tier, Policy: p.FailurePolicy})
	}
	return out
}

// StorageConfig converts the store section.
func (c Config) StorageConfig() storage.Config {
	r := c.Store.Redis
	return storage.Config{
		Mode:    c.Store.Mode,
		Timeout: c.Store.Timeout,
		Redis: storage.RedisConfig{
			Host:         r.Host,
			Port:         r.Port,
			Password:     r.Password,
			DB:           r.DB,
			Cluster:      r.Cluster,
			ClusterNodes: append([]string(nil), r.ClusterNodes...),
			PoolSize:     r.PoolSize,
			MaxRetries:   r.MaxRetries,
			DialTimeout:  r.DialTimeout,
		},
		Memory: storage.MemoryConfig{CleanupInterval: c.Store.CleanupInterval},
	}
}

// BreakerConfigs converts the breaker section.
func (c Config) BreakerConfigs() map[string]breaker.Config {
	out := make(map[string]breaker.Config, len(c.Breakers))
	for name, bc := range c.Breakers {
		out[name] = bc.toBreaker()
	}
	return out
}

func (b BreakerConfig) toBreaker() breaker.Config {
	return breaker.Config{
		FailureThreshold: b.FailureThreshold,
		ResetTimeout:     time.Duration(b.ResetTimeoutMs) * time.Millisecond,
		MonitoringPeriod: time.Duration(b.MonitoringPeriodMs) * time.Millisecond,
		CallTimeout:      time.Duration(b.CallTimeoutMs) * time.Millisecond,
	}
}

// BehaviorConfig converts the behavior section.
func (c Config) BehaviorConfig() behavior.Config {
	b := c.Behavior
	return behavior.Config{
		Window:       b.Window,
		MaxEvents:    b.MaxEvents,
		Threshold:    b.Threshold,
		RateWeight:   b.RateWeight,
		ErrorWeight:  b.ErrorWeight,
		FanoutWeight: b.FanoutWeight,
		Retention:    b.Retention,
		BaseBlock:    b.BaseBlock,
		MaxBlock:     b.MaxBlock,
		Multiplier:   b.Multiplier,
	}
}

// IsConfigError reports whether err is a *Error.
func IsConfigError(err error) bool {
	var ce *Error
	return errors.As(err, &ce)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
