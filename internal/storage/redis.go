package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

const (
	defaultRedisPoolSize    = 20
	defaultRedisMaxRetries  = 3
	defaultRedisDialTimeout = 5 * time.Second

	redisCounterPrefix = "turnstile:rl:"
	redisScanBatch     = 500
)

// consumeScript is the only write path for quota counters. INCR, the TTL on
// first use and the capacity check run as one atomic unit on the server, so
// concurrent consumers in different processes observe a serializable sequence.
// An over-capacity increment is undone inside the script.
var consumeScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local window = tonumber(ARGV[2])

local used = redis.call('INCR', key)
if used == 1 then
  redis.call('PEXPIRE', key, window)
end

local ttl = redis.call('PTTL', key)
if ttl < 0 then
  redis.call('PEXPIRE', key, window)
  ttl = window
end

if used > capacity then
  redis.call('DECR', key)
  return {0, 0, ttl}
end

return {1, capacity - used, ttl}
`)

// RedisConfig holds connection settings for the distributed store.
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

// Addr returns host:port for standalone mode.
func (c RedisConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// NewRedisClient validates cfg, connects and pings with retry.
func NewRedisClient(ctx context.Context, cfg RedisConfig) (redis.UniversalClient, error) {
	conf, err := normalizeRedisConfig(cfg)
	if err != nil {
		return nil, err
	}

	var client redis.UniversalClient
	if conf.Cluster {
		client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:       conf.ClusterNodes,
			Password:    conf.Password,
			PoolSize:    conf.PoolSize,
			MaxRetries:  conf.MaxRetries,
			DialTimeout: conf.DialTimeout,
		})
	} else {
		client = redis.NewClient(&redis.Options{
			Addr:        conf.Addr(),
			Password:    conf.Password,
			DB:          conf.DB,
			PoolSize:    conf.PoolSize,
			MaxRetries:  conf.MaxRetries,
			DialTimeout: conf.DialTimeout,
		})
	}

	if err := pingWithRetry(ctx, client, conf.MaxRetries); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}

// RedisCounterStore is the distributed CounterStore. The client is owned by
// the caller; Close does not close it.
type RedisCounterStore struct {
	client redis.UniversalClient
	clock  clock.Clock
}

// NewRedisCounterStore wraps an existing client.
func NewRedisCounterStore(client redis.UniversalClient, clk clock.Clock) *RedisCounterStore {
	return &RedisCounterStore{client: client, clock: clock.OrReal(clk)}
}

func (s *RedisCounterStore) Consume(ctx context.Context, key string, capacity int, window time.Duration) (Counter, error) {
	if err := validateCounterArgs(key, capacity, window); err != nil {
		return Counter{}, err
	}

	res, err := consumeScript.Run(ctx, s.client, []string{redisCounterPrefix + key}, capacity, window.Milliseconds()).Result()
	if err != nil {
		return Counter{}, unavailable("running consume script", err)
	}

	values, ok := res.([]interface{})
	if !ok || len(values) != 3 {
		return Counter{}, fmt.Errorf("unexpected consume script result: %T", res)
	}
	allowed, err := asInt64(values[0])
	if err != nil {
		return Counter{}, fmt.Errorf("parsing allowed result: %w", err)
	}
	remaining, err := asInt64(values[1])
	if err != nil {
		return Counter{}, fmt.Errorf("parsing remaining result: %w", err)
	}
	ttl, err := asInt64(values[2])
	if err != nil {
		return Counter{}, fmt.Errorf("parsing ttl result: %w", err)
	}

	resetAt := s.clock.Now().Add(time.Duration(ttl) * time.Millisecond)
	return Counter{
		Allowed:     allowed == 1,
		Remaining:   int(remaining),
		WindowStart: resetAt.Add(-window),
		ResetAt:     resetAt,
	}, nil
}

func (s *RedisCounterStore) Peek(ctx context.Context, key string, capacity int, window time.Duration) (Counter, error) {
	if err := validateCounterArgs(key, capacity, window); err != nil {
		return Counter{}, err
	}

	redisKey := redisCounterPrefix + key
	pipe := s.client.Pipeline()
	getCmd := pipe.Get(ctx, redisKey)
	ttlCmd := pipe.PTTL(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Counter{}, unavailable("peeking counter", err)
	}

	now := s.clock.Now()
	used, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return Counter{Allowed: true, Remaining: capacity, WindowStart: now, ResetAt: now.Add(window)}, nil
	}
	if err != nil {
		return Counter{}, fmt.Errorf("parsing counter value: %w", err)
	}

	ttl := ttlCmd.Val()
	if ttl < 0 {
		ttl = window
	}
	remaining := capacity - used
	if remaining < 0 {
		remaining = 0
	}
	resetAt := now.Add(ttl)
	return Counter{Allowed: remaining > 0, Remaining: remaining, WindowStart: resetAt.Add(-window), ResetAt: resetAt}, nil
}

func (s *RedisCounterStore) Reset(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, redisCounterPrefix+key).Err(); err != nil {
		return unavailable("deleting counter", err)
	}
	return nil
}

func (s *RedisCounterStore) ResetAll(ctx context.Context) error {
	if err := deletePrefix(ctx, s.client, redisCounterPrefix); err != nil {
		return unavailable("deleting counters", err)
	}
	return nil
}

func (s *RedisCounterStore) Close() error {
	return nil
}

// deletePrefix removes every key starting with prefix. Cluster clients are
// scanned master by master because SCAN only walks one node.
func deletePrefix(ctx context.Context, client redis.UniversalClient, prefix string) error {
	del := func(ctx context.Context, c redis.Cmdable) error {
		iter := c.Scan(ctx, 0, prefix+"*", redisScanBatch).Iterator()
		for iter.Next(ctx) {
			if err := c.Del(ctx, iter.Val()).Err(); err != nil {
				return err
			}
		}
		return iter.Err()
	}

	if cc, ok := client.(*redis.ClusterClient); ok {
		return cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			return del(ctx, node)
		})
	}
	return del(ctx, client)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

func pingWithRetry(ctx context.Context, client redis.UniversalClient, maxRetries int) error {
	attempts := maxRetries + 1
	if attempts < 1 {
		attempts = 1
	}

	backoff := 100 * time.Millisecond
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := client.Ping(ctx).Err(); err == nil {
			return nil
		} else {
			lastErr = err
		}

		if i == attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}

	if lastErr == nil {
		lastErr = errors.New("ping failed with unknown error")
	}
	return lastErr
}

func normalizeRedisConfig(cfg RedisConfig) (RedisConfig, error) {
	conf := cfg
	if conf.PoolSize <= 0 {
		conf.PoolSize = defaultRedisPoolSize
	}
	if conf.MaxRetries <= 0 {
		conf.MaxRetries = defaultRedisMaxRetries
	}
	if conf.DialTimeout <= 0 {
		conf.DialTimeout = defaultRedisDialTimeout
	}

	if conf.Cluster {
		if len(conf.ClusterNodes) == 0 {
			return conf, fmt.Errorf("cluster_nodes is required when cluster=true")
		}
		return conf, nil
	}
	if conf.Host == "" {
		return conf, fmt.Errorf("host is required when cluster=false")
	}
	if conf.Port <= 0 {
		return conf, fmt.Errorf("port must be positive when cluster=false, got %d", conf.Port)
	}
	return conf, nil
}

func asInt64(v interface{}) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case float64:
		return int64(x), nil
	case string:
		n, err := strconv.ParseInt(x, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parse int64 from %q: %w", x, err)
		}
		return n, nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}
