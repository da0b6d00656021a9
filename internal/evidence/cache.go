package evidence

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/target-evidence-core/internal/domain"
)

// negativeMarker is the Redis value recorded for a cached "no data" answer
const negativeMarker = "\x00none"

// CacheConfig configures a ProviderCache
type CacheConfig struct {
	Size        int
	TTL         time.Duration
	NegativeTTL time.Duration
}

// CacheStats tracks cache performance
type CacheStats struct {
	Hits         int64 `json:"hits"`
	NegativeHits int64 `json:"negative_hits"`
	Misses       int64 `json:"misses"`
	RedisErrors  int64 `json:"redis_errors"`
}

// ProviderCache caches provider answers per provider and key. Positive
// answers live for TTL, "no data" answers for NegativeTTL. Errors are
// never cached. An optional Redis tier is shared between processes.
type ProviderCache struct {
	positive *expirable.LRU[string, []byte]
	negative *expirable.LRU[string, struct{}]
	redis    *redis.Client
	cfg      CacheConfig
	log      *logrus.Logger

	hits         atomic.Int64
	negativeHits atomic.Int64
	misses       atomic.Int64
	redisErrors  atomic.Int64
}

// NewProviderCache creates a memory-only cache
func NewProviderCache(cfg CacheConfig, logger *logrus.Logger) *ProviderCache {
	if cfg.Size <= 0 {
		cfg.Size = 10000
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	if cfg.NegativeTTL <= 0 {
		cfg.NegativeTTL = time.Hour
	}
	return &ProviderCache{
		positive: expirable.NewLRU[string, []byte](cfg.Size, nil, cfg.TTL),
		negative: expirable.NewLRU[string, struct{}](cfg.Size, nil, cfg.NegativeTTL),
		cfg:      cfg,
		log:      logger,
	}
}

// NewRedisClient connects to Redis for the shared cache tier
func NewRedisClient(ctx context.Context, cfg domain.CacheConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	// Apply cache-specific configurations
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	if cfg.PoolTimeout > 0 {
		opts.PoolTimeout = cfg.PoolTimeout
	}
	opts.MaxRetries = cfg.MaxRetries

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// WithRedis adds the shared Redis tier
func (c *ProviderCache) WithRedis(client *redis.Client) *ProviderCache {
	c.redis = client
	return c
}

// Stats returns cache counters
func (c *ProviderCache) Stats() CacheStats {
	return CacheStats{
		Hits:         c.hits.Load(),
		NegativeHits: c.negativeHits.Load(),
		Misses:       c.misses.Load(),
		RedisErrors:  c.redisErrors.Load(),
	}
}

// Purge drops every memory-tier entry
func (c *ProviderCache) Purge() {
	c.positive.Purge()
	c.negative.Purge()
}

// lookup returns (data, found, negative)
func (c *ProviderCache) lookup(ctx context.Context, key string) ([]byte, bool, bool) {
	if data, ok := c.positive.Get(key); ok {
		c.hits.Add(1)
		return data, true, false
	}
	if _, ok := c.negative.Get(key); ok {
		c.negativeHits.Add(1)
		return nil, true, true
	}
	if c.redis != nil {
		val, err := c.redis.Get(ctx, c.redisKey(key)).Result()
		switch {
		case err == redis.Nil:
			// Cache miss
		case err != nil:
			c.redisErrors.Add(1)
			c.log.WithError(err).Debug("Redis cache read failed")
		case val == negativeMarker:
			c.negative.Add(key, struct{}{})
			c.negativeHits.Add(1)
			return nil, true, true
		default:
			c.positive.Add(key, []byte(val))
			c.hits.Add(1)
			return []byte(val), true, false
		}
	}
	c.misses.Add(1)
	return nil, false, false
}

func (c *ProviderCache) storePositive(ctx context.Context, key string, data []byte) {
	c.positive.Add(key, data)
	c.negative.Remove(key)
	if c.redis != nil {
		if err := c.redis.Set(ctx, c.redisKey(key), data, c.cfg.TTL).Err(); err != nil {
			c.redisErrors.Add(1)
		}
	}
}

func (c *ProviderCache) storeNegative(ctx context.Context, key string) {
	c.negative.Add(key, struct{}{})
	c.positive.Remove(key)
	if c.redis != nil {
		if err := c.redis.Set(ctx, c.redisKey(key), negativeMarker, c.cfg.NegativeTTL).Err(); err != nil {
			c.redisErrors.Add(1)
		}
	}
}

func (c *ProviderCache) redisKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return fmt.Sprintf("tec:evidence:%x", hash[:12])
}

// Fetch returns the cached answer for (provider, key) or calls fetch and
// caches its result. A nil result is cached as a negative answer.
func Fetch[T any](ctx context.Context, c *ProviderCache, provider, key string, fetch func(context.Context) (*T, error)) (*T, error) {
	if c == nil {
		return fetch(ctx)
	}
	cacheKey := provider + ":" + key

	if data, found, negative := c.lookup(ctx, cacheKey); found {
		if negative {
			return nil, nil
		}
		var v T
		if err := json.Unmarshal(data, &v); err == nil {
			return &v, nil
		}
		// Corrupted entry; fall through to the provider
		c.positive.Remove(cacheKey)
	}

	v, err := fetch(ctx)
	if err != nil {
		return nil, err
	}
	if v == nil {
		c.storeNegative(ctx, cacheKey)
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err == nil {
		c.storePositive(ctx, cacheKey, data)
	}
	return v, nil
}
