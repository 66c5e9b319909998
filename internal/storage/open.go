package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

// Mode selects the shared store backing quota counters and override lists.
type Mode string

const (
	// ModeRedis uses Redis as the shared store with a memory fallback.
	ModeRedis Mode = "redis"
	// ModeLocal keeps everything in process. Decisions are permanently degraded.
	ModeLocal Mode = "local"
)

const defaultStoreTimeout = 50 * time.Millisecond

// Config selects and configures the backend.
type Config struct {
	Mode    Mode
	Timeout time.Duration // bound on each distributed round-trip on the hot path
	Redis   RedisConfig
	Memory  MemoryConfig
}

// Backend bundles the stores chosen at startup.
type Backend struct {
	Mode    Mode
	Timeout time.Duration
	// Counters is the primary counter store; in local mode it is Fallback.
	Counters CounterStore
	// Fallback is the process-local counter store used while degraded.
	Fallback CounterStore
	Lists    ListStore

	client redis.UniversalClient
}

// Degraded reports whether every decision is served from process-local state.
func (b *Backend) Degraded() bool {
	return b.Mode == ModeLocal
}

// Open builds the backend for cfg. It is the only place that branches on the
// store mode.
func Open(ctx context.Context, cfg Config, clk clock.Clock, logger *zap.Logger) (*Backend, error) {
	clk = clock.OrReal(clk)
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Memory.Clock == nil {
		cfg.Memory.Clock = clk
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultStoreTimeout
	}

	local, err := NewMemoryCounterStore(cfg.Memory)
	if err != nil {
		return nil, fmt.Errorf("creating memory store: %w", err)
	}

	switch cfg.Mode {
	case ModeLocal, "":
		logger.Info("using local store, quota decisions are per-process")
		return &Backend{
			Mode:     ModeLocal,
			Timeout:  timeout,
			Counters: local,
			Fallback: local,
			Lists:    NewMemoryListStore(clk),
		}, nil

	case ModeRedis:
		client, err := NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			_ = local.Close()
			return nil, fmt.Errorf("connecting to redis: %w", err)
		}
		logger.Info("using redis store",
			zap.Bool("cluster", cfg.Redis.Cluster),
			zap.Duration("timeout", timeout))
		return &Backend{
			Mode:     ModeRedis,
			Timeout:  timeout,
			Counters: NewRedisCounterStore(client, clk),
			Fallback: local,
			Lists:    NewRedisListStore(client, clk),
			client:   client,
		}, nil

	default:
		_ = local.Close()
		return nil, fmt.Errorf("unknown store mode %q", cfg.Mode)
	}
}

// Close releases every store and the shared client.
func (b *Backend) Close() error {
	var errs []error
	if b.Counters != b.Fallback {
		errs = append(errs, b.Counters.Close())
	}
	errs = append(errs, b.Fallback.Close(), b.Lists.Close())
	if b.client != nil {
		errs = append(errs, b.client.Close())
	}
	return errors.Join(errs...)
}
