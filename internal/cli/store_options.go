package cli

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/SmitUplenchwar2687/Turnstile/internal/config"
	"github.com/SmitUplenchwar2687/Turnstile/internal/storage"
)

type storeOptions struct {
	mode              string
	timeout           time.Duration
	cleanupInterval   time.Duration
	redisHost         string
	redisPort         int
	redisPassword     string
	redisDB           int
	redisCluster      bool
	redisClusterNodes []string
	redisPoolSize     int
	redisMaxRetries   int
	redisDialTimeout  time.Duration
}

func (o *storeOptions) addFlags(cmd *cobra.Command) {
	d := config.Default().Store
	cmd.Flags().StringVar(&o.mode, "store", string(d.Mode), "counter store mode (redis, local)")
	cmd.Flags().DurationVar(&o.timeout, "store-timeout", d.Timeout, "bound on each shared store round-trip")
	cmd.Flags().DurationVar(&o.cleanupInterval, "store-cleanup-interval", d.CleanupInterval, "cleanup interval for the in-process store")
	cmd.Flags().StringVar(&o.redisHost, "redis-host", d.Redis.Host, "redis host (or host:port)")
	cmd.Flags().IntVar(&o.redisPort, "redis-port", d.Redis.Port, "redis port")
	cmd.Flags().StringVar(&o.redisPassword, "redis-password", "", "redis password")
	cmd.Flags().IntVar(&o.redisDB, "redis-db", d.Redis.DB, "redis database index")
	cmd.Flags().BoolVar(&o.redisCluster, "redis-cluster", false, "enable redis cluster mode")
	cmd.Flags().StringSliceVar(&o.redisClusterNodes, "redis-cluster-nodes", nil, "redis cluster nodes host:port list")
	cmd.Flags().IntVar(&o.redisPoolSize, "redis-pool-size", d.Redis.PoolSize, "redis connection pool size")
	cmd.Flags().IntVar(&o.redisMaxRetries, "redis-max-retries", d.Redis.MaxRetries, "redis max retries")
	cmd.Flags().DurationVar(&o.redisDialTimeout, "redis-dial-timeout", d.Redis.DialTimeout, "redis dial timeout")
}

// applyTo overrides cfg with every flag the user set explicitly. Flags left
// at their defaults never mask values from the config file.
func (o *storeOptions) applyTo(cmd *cobra.Command, cfg *config.StoreConfig) error {
	changed := cmd.Flags().Changed
	if changed("store") {
		cfg.Mode = storage.Mode(o.mode)
	}
	if changed("store-timeout") {
		cfg.Timeout = o.timeout
	}
	if changed("store-cleanup-interval") {
		cfg.CleanupInterval = o.cleanupInterval
	}
	if changed("redis-host") {
		cfg.Redis.Host = o.redisHost
	}
	if changed("redis-port") {
		cfg.Redis.Port = o.redisPort
	}
	if changed("redis-password") {
		cfg.Redis.Password = o.redisPassword
	}
	if changed("redis-db") {
		cfg.Redis.DB = o.redisDB
	}
	if changed("redis-cluster") {
		cfg.Redis.Cluster = o.redisCluster
	}
	if changed("redis-cluster-nodes") {
		cfg.Redis.ClusterNodes = append([]string(nil), o.redisClusterNodes...)
	}
	if changed("redis-pool-size") {
		cfg.Redis.PoolSize = o.redisPoolSize
	}
	if changed("redis-max-retries") {
		cfg.Redis.MaxRetries = o.redisMaxRetries
	}
	if changed("redis-dial-timeout") {
		cfg.Redis.DialTimeout = o.redisDialTimeout
	}

	if cfg.Redis.Cluster || cfg.Mode != storage.ModeRedis {
		return nil
	}
	host, port, err := normalizeRedisHostPort(cfg.Redis.Host, cfg.Redis.Port)
	if err != nil {
		return err
	}
	cfg.Redis.Host = host
	cfg.Redis.Port = port
	return nil
}

func normalizeRedisHostPort(host string, port int) (string, int, error) {
	if strings.Contains(host, ":") {
		h, p, err := net.SplitHostPort(host)
		if err != nil {
			return "", 0, fmt.Errorf("invalid --redis-host value %q: %w", host, err)
		}
		n, err := strconv.Atoi(p)
		if err != nil {
			return "", 0, fmt.Errorf("invalid redis port in --redis-host %q: %w", host, err)
		}
		host = h
		port = n
	}

	if host == "" {
		return "", 0, fmt.Errorf("redis host cannot be empty")
	}
	if port <= 0 {
		return "", 0, fmt.Errorf("redis port must be positive, got %d", port)
	}

	return host, port, nil
}
