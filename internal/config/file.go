package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/SmitUplenchwar2687/Turnstile/internal/limiter"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
)

// EnvPrefix prefixes environment overrides, e.g. TURNSTILE_STORE_MODE.
const EnvPrefix = "TURNSTILE"

// fileConfig is the on-disk shape. Durations are strings like "50ms".
type fileConfig struct {
	Server   fileServer             `mapstructure:"server" yaml:"server"`
	Log      fileLog                `mapstructure:"log" yaml:"log"`
	Store    fileStore              `mapstructure:"store" yaml:"store"`
	Tiers    fileTiers              `mapstructure:"tiers" yaml:"tiers"`
	Pools    filePools              `mapstructure:"pools" yaml:"pools"`
	Breakers map[string]fileBreaker `mapstructure:"breakers" yaml:"breakers"`
	Behavior fileBehavior           `mapstructure:"behavior" yaml:"behavior"`
}

type fileServer struct {
	Addr                 string `mapstructure:"addr" yaml:"addr"`
	AdminToken           string `mapstructure:"admin_token" yaml:"admin_token,omitempty"`
	TrustIdentityHeaders bool   `mapstructure:"trust_identity_headers" yaml:"trust_identity_headers"`
	ShutdownTimeout      string `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

type fileLog struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

type fileStore struct {
	Mode            string    `mapstructure:"mode" yaml:"mode"`
	Timeout         string    `mapstructure:"timeout" yaml:"timeout"`
	CleanupInterval string    `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
	Redis           fileRedis `mapstructure:"redis" yaml:"redis"`
}

type fileRedis struct {
	Host         string   `mapstructure:"host" yaml:"host"`
	Port         int      `mapstructure:"port" yaml:"port"`
	Password     string   `mapstructure:"password" yaml:"password,omitempty"`
	DB           int      `mapstructure:"db" yaml:"db"`
	Cluster      bool     `mapstructure:"cluster" yaml:"cluster"`
	ClusterNodes []string `mapstructure:"cluster_nodes" yaml:"cluster_nodes,omitempty"`
	PoolSize     int      `mapstructure:"pool_size" yaml:"pool_size"`
	MaxRetries   int      `mapstructure:"max_retries" yaml:"max_retries"`
	DialTimeout  string   `mapstructure:"dial_timeout" yaml:"dial_timeout"`
}

type fileTier struct {
	Capacity      int    `mapstructure:"capacity" yaml:"capacity"`
	WindowSeconds int    `mapstructure:"window_seconds" yaml:"window_seconds"`
	Description   string `mapstructure:"description" yaml:"description,omitempty"`
}

type fileTiers struct {
	Catalog   map[string]fileTier `mapstructure:"catalog" yaml:"catalog"`
	Roles     map[string]string   `mapstructure:"roles" yaml:"roles"`
	Anonymous string              `mapstructure:"anonymous" yaml:"anonymous"`
}

type filePool struct {
	Name          string `mapstructure:"name" yaml:"name"`
	Tier          string `mapstructure:"tier" yaml:"tier,omitempty"`
	FailurePolicy string `mapstructure:"failure_policy" yaml:"failure_policy"`
}

type filePools struct {
	Default string     `mapstructure:"default" yaml:"default"`
	Scopes  []filePool `mapstructure:"scopes" yaml:"scopes"`
}

type fileBreaker struct {
	FailureThreshold   int `mapstructure:"failure_threshold" yaml:"failure_threshold"`
	ResetTimeoutMs     int `mapstructure:"reset_timeout_ms" yaml:"reset_timeout_ms"`
	MonitoringPeriodMs int `mapstructure:"monitoring_period_ms" yaml:"monitoring_period_ms"`
	CallTimeoutMs      int `mapstructure:"call_timeout_ms" yaml:"call_timeout_ms"`
}

type fileBehavior struct {
	Enabled       bool    `mapstructure:"enabled" yaml:"enabled"`
	Window        string  `mapstructure:"window" yaml:"window"`
	MaxEvents     int     `mapstructure:"max_events" yaml:"max_events"`
	Threshold     float64 `mapstructure:"threshold" yaml:"threshold"`
	RateWeight    float64 `mapstructure:"rate_weight" yaml:"rate_weight"`
	ErrorWeight   float64 `mapstructure:"error_weight" yaml:"error_weight"`
	FanoutWeight  float64 `mapstructure:"fanout_weight" yaml:"fanout_weight"`
	Retention     string  `mapstructure:"retention" yaml:"retention"`
	BaseBlock     string  `mapstructure:"base_block" yaml:"base_block"`
	MaxBlock      string  `mapstructure:"max_block" yaml:"max_block"`
	Multiplier    float64 `mapstructure:"multiplier" yaml:"multiplier"`
	QueueSize     int     `mapstructure:"queue_size" yaml:"queue_size"`
	Workers       int     `mapstructure:"workers" yaml:"workers"`
	SweepInterval string  `mapstructure:"sweep_interval" yaml:"sweep_interval"`
}

// Load reads path (YAML or JSON, chosen by extension) over Default and then
// applies TURNSTILE_* environment overrides. An empty path loads defaults
// plus environment only. The result is validated.
func Load(path string) (Config, error) {
	defaults := toFile(Default())

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setScalarDefaults(v, defaults)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config file: %w", err)
		}
	}

	raw := defaults
	// Scopes are replaced wholesale rather than merged by index.
	raw.Pools.Scopes = nil
	if err := v.Unmarshal(&raw); err != nil {
		return Config{}, fmt.Errorf("parsing config: %w", err)
	}
	if len(raw.Pools.Scopes) == 0 {
		raw.Pools.Scopes = defaults.Pools.Scopes
	}

	cfg, err := raw.toConfig()
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// setScalarDefaults registers every scalar key so AutomaticEnv can see it
// during Unmarshal.
func setScalarDefaults(v *viper.Viper, f fileConfig) {
	defaults := map[string]any{
		"server.addr":                   f.Server.Addr,
		"server.admin_token":            f.Server.AdminToken,
		"server.trust_identity_headers": f.Server.TrustIdentityHeaders,
		"server.shutdown_timeout":       f.Server.ShutdownTimeout,

		"log.level":  f.Log.Level,
		"log.format": f.Log.Format,

		"store.mode":                f.Store.Mode,
		"store.timeout":             f.Store.Timeout,
		"store.cleanup_interval":    f.Store.CleanupInterval,
		"store.redis.host":          f.Store.Redis.Host,
		"store.redis.port":          f.Store.Redis.Port,
		"store.redis.password":      f.Store.Redis.Password,
		"store.redis.db":            f.Store.Redis.DB,
		"store.redis.cluster":       f.Store.Redis.Cluster,
		"store.redis.cluster_nodes": f.Store.Redis.ClusterNodes,
		"store.redis.pool_size":     f.Store.Redis.PoolSize,
		"store.redis.max_retries":   f.Store.Redis.MaxRetries,
		"store.redis.dial_timeout":  f.Store.Redis.DialTimeout,

		"tiers.anonymous": f.Tiers.Anonymous,
		"pools.default":   f.Pools.Default,

		"behavior.enabled":        f.Behavior.Enabled,
		"behavior.window":         f.Behavior.Window,
		"behavior.max_events":     f.Behavior.MaxEvents,
		"behavior.threshold":      f.Behavior.Threshold,
		"behavior.rate_weight":    f.Behavior.RateWeight,
		"behavior.error_weight":   f.Behavior.ErrorWeight,
		"behavior.fanout_weight":  f.Behavior.FanoutWeight,
		"behavior.retention":      f.Behavior.Retention,
		"behavior.base_block":     f.Behavior.BaseBlock,
		"behavior.max_block":      f.Behavior.MaxBlock,
		"behavior.multiplier":     f.Behavior.Multiplier,
		"behavior.queue_size":     f.Behavior.QueueSize,
		"behavior.workers":        f.Behavior.Workers,
		"behavior.sweep_interval": f.Behavior.SweepInterval,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

func toFile(c Config) fileConfig {
	f := fileConfig{
		Server: fileServer{
			Addr:                 c.Server.Addr,
			AdminToken:           c.Server.AdminToken,
			TrustIdentityHeaders: c.Server.TrustIdentityHeaders,
			ShutdownTimeout:      c.Server.ShutdownTimeout.String(),
		},
		Log: fileLog{Level: c.Log.Level, Format: c.Log.Format},
		Store: fileStore{
			Mode:            string(c.Store.Mode),
			Timeout:         c.Store.Timeout.String(),
			CleanupInterval: c.Store.CleanupInterval.String(),
			Redis: fileRedis{
				Host:         c.Store.Redis.Host,
				Port:         c.Store.Redis.Port,
				Password:     c.Store.Redis.Password,
				DB:           c.Store.Redis.DB,
				Cluster:      c.Store.Redis.Cluster,
				ClusterNodes: append([]string(nil), c.Store.Redis.ClusterNodes...),
				PoolSize:     c.Store.Redis.PoolSize,
				MaxRetries:   c.Store.Redis.MaxRetries,
				DialTimeout:  c.Store.Redis.DialTimeout.String(),
			},
		},
		Tiers: fileTiers{
			Catalog:   make(map[string]fileTier, len(c.Tiers.Catalog)),
			Roles:     make(map[string]string, len(c.Tiers.Roles)),
			Anonymous: c.Tiers.Anonymous,
		},
		Pools:    filePools{Default: c.Pools.Default},
		Breakers: make(map[string]fileBreaker, len(c.Breakers)),
		Behavior: fileBehavior{
			Enabled:       c.Behavior.Enabled,
			Window:        c.Behavior.Window.String(),
			MaxEvents:     c.Behavior.MaxEvents,
			Threshold:     c.Behavior.Threshold,
			RateWeight:    c.Behavior.RateWeight,
			ErrorWeight:   c.Behavior.ErrorWeight,
			FanoutWeight:  c.Behavior.FanoutWeight,
			Retention:     c.Behavior.Retention.String(),
			BaseBlock:     c.Behavior.BaseBlock.String(),
			MaxBlock:      c.Behavior.MaxBlock.String(),
			Multiplier:    c.Behavior.Multiplier,
			QueueSize:     c.Behavior.QueueSize,
			Workers:       c.Behavior.Workers,
			SweepInterval: c.Behavior.SweepInterval.String(),
		},
	}
	for name, t := range c.Tiers.Catalog {
		f.Tiers.Catalog[name] = fileTier(t)
	}
	for role, t := range c.Tiers.Roles {
		f.Tiers.Roles[role] = t
	}
	for _, p := range c.Pools.Scopes {
		f.Pools.Scopes = append(f.Pools.Scopes, filePool{Name: p.Name, Tier: p.Tier, FailurePolicy: string(p.FailurePolicy)})
	}
	for name, b := range c.Breakers {
		f.Breakers[name] = fileBreaker(b)
	}
	return f
}

func (f fileConfig) toConfig() (Config, error) {
	var c Config
	var err error
	dur := func(field, s string) time.Duration {
		if err != nil {
			return 0
		}
		d, perr := time.ParseDuration(s)
		if perr != nil {
			err = invalid(field, "%v", perr)
		}
		return d
	}

	c.Server = ServerConfig{
		Addr:                 f.Server.Addr,
		AdminToken:           f.Server.AdminToken,
		TrustIdentityHeaders: f.Server.TrustIdentityHeaders,
		ShutdownTimeout:      dur("server.shutdown_timeout", f.Server.ShutdownTimeout),
	}
	c.Log = LogConfig{Level: strings.ToLower(f.Log.Level), Format: strings.ToLower(f.Log.Format)}
	c.Store = StoreConfig{
		Mode:            storage.Mode(strings.ToLower(f.Store.Mode)),
		Timeout:         dur("store.timeout", f.Store.Timeout),
		CleanupInterval: dur("store.cleanup_interval", f.Store.CleanupInterval),
		Redis: RedisConfig{
			Host:         f.Store.Redis.Host,
			Port:         f.Store.Redis.Port,
			Password:     f.Store.Redis.Password,
			DB:           f.Store.Redis.DB,
			Cluster:      f.Store.Redis.Cluster,
			ClusterNodes: f.Store.Redis.ClusterNodes,
			PoolSize:     f.Store.Redis.PoolSize,
			MaxRetries:   f.Store.Redis.MaxRetries,
			DialTimeout:  dur("store.redis.dial_timeout", f.Store.Redis.DialTimeout),
		},
	}

	c.Tiers = TiersConfig{
		Catalog:   make(map[string]TierConfig, len(f.Tiers.Catalog)),
		Roles:     make(map[string]string, len(f.Tiers.Roles)),
		Anonymous: f.Tiers.Anonymous,
	}
	for name, t := range f.Tiers.Catalog {
		c.Tiers.Catalog[name] = TierConfig(t)
	}
	for role, t := range f.Tiers.Roles {
		c.Tiers.Roles[role] = t
	}

	c.Pools.Default = f.Pools.Default
	for _, p := range f.Pools.Scopes {
		c.Pools.Scopes = append(c.Pools.Scopes, PoolConfig{
			Name:          p.Name,
			Tier:          p.Tier,
			FailurePolicy: limiter.FailurePolicy(strings.ToLower(p.FailurePolicy)),
		})
	}

	c.Breakers = make(map[string]BreakerConfig, len(f.Breakers))
	for name, b := range f.Breakers {
		c.Breakers[name] = BreakerConfig(b)
	}

	b := f.Behavior
	c.Behavior = BehaviorConfig{
		Enabled:       b.Enabled,
		Window:        dur("behavior.window", b.Window),
		MaxEvents:     b.MaxEvents,
		Threshold:     b.Threshold,
		RateWeight:    b.RateWeight,
		ErrorWeight:   b.ErrorWeight,
		FanoutWeight:  b.FanoutWeight,
		Retention:     dur("behavior.retention", b.Retention),
		BaseBlock:     dur("behavior.base_block", b.BaseBlock),
		MaxBlock:      dur("behavior.max_block", b.MaxBlock),
		Multiplier:    b.Multiplier,
		QueueSize:     b.QueueSize,
		Workers:       b.Workers,
		SweepInterval: dur("behavior.sweep_interval", b.SweepInterval),
	}
	if err != nil {
		return Config{}, err
	}
	return c, nil
}

// Write encodes cfg as YAML.
func Write(w io.Writer, cfg Config) error {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(toFile(cfg)); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// WriteExample writes the default configuration to path.
func WriteExample(path string) error {
	var buf bytes.Buffer
	buf.WriteString("# Turnstile configuration. Environment variables prefixed with TURNSTILE_ override these values.\n")
	if err := Write(&buf, Default()); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0644)
}
