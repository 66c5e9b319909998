package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/SmitUplenchwar2687/Turnstile/internal/clock"
)

const redisListPrefix = "turnstile:list:"

// RedisListStore keeps each entry under its own key so Redis expires it
// natively. Listing walks the list's key prefix with SCAN.
type RedisListStore struct {
	client redis.UniversalClient
	clock  clock.Clock
}

// NewRedisListStore wraps an existing client. The client is owned by the caller.
func NewRedisListStore(client redis.UniversalClient, clk clock.Clock) *RedisListStore {
	return &RedisListStore{client: client, clock: clock.OrReal(clk)}
}

func redisListKey(list, key string) string {
	return redisListPrefix + list + ":" + key
}

func (s *RedisListStore) Put(ctx context.Context, list string, e Entry) error {
	if e.Key == "" {
		return errors.New("entry key is required")
	}

	var ttl time.Duration
	if e.ExpiresAt != nil {
		ttl = s.clock.Until(*e.ExpiresAt)
		if ttl <= 0 {
			_, err := s.Delete(ctx, list, e.Key)
			return err
		}
	}

	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encoding entry: %w", err)
	}
	if err := s.client.Set(ctx, redisListKey(list, e.Key), data, ttl).Err(); err != nil {
		return unavailable("storing list entry", err)
	}
	return nil
}

func (s *RedisListStore) Get(ctx context.Context, list, key string) (Entry, bool, error) {
	data, err := s.client.Get(ctx, redisListKey(list, key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, unavailable("reading list entry", err)
	}

	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decoding entry %q: %w", key, err)
	}
	if e.Expired(s.clock.Now()) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (s *RedisListStore) Delete(ctx context.Context, list, key string) (bool, error) {
	n, err := s.client.Del(ctx, redisListKey(list, key)).Result()
	if err != nil {
		return false, unavailable("deleting list entry", err)
	}
	return n > 0, nil
}

func (s *RedisListStore) List(ctx context.Context, list string) ([]Entry, error) {
	prefix := redisListPrefix + list + ":"
	var out []Entry

	collect := func(ctx context.Context, c redis.Cmdable) error {
		iter := c.Scan(ctx, 0, prefix+"*", redisScanBatch).Iterator()
		for iter.Next(ctx) {
			e, ok, err := s.Get(ctx, list, strings.TrimPrefix(iter.Val(), prefix))
			if err != nil {
				return err
			}
			if ok {
				out = append(out, e)
			}
		}
		return iter.Err()
	}

	var err error
	if cc, ok := s.client.(*redis.ClusterClient); ok {
		var mu sync.Mutex
		err = cc.ForEachMaster(ctx, func(ctx context.Context, node *redis.Client) error {
			mu.Lock()
			defer mu.Unlock()
			return collect(ctx, node)
		})
	} else {
		err = collect(ctx, s.client)
	}
	if err != nil {
		return nil, unavailable("listing entries", err)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (s *RedisListStore) Close() error {
	return nil
}
