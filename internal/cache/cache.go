// Package cache memoises the document ids the index returns for a query in
// Redis. Keys carry a generation number that advances on every index
// mutation, so stale entries become unreachable without a scan and simply
// age out through their TTL.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/config"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/metrics"
	pkgredis "github.com/Adithya-Monish-Kumar-K/docsearch/pkg/redis"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/resilience"
)

const keyPrefix = "docsearch:ids:"

// Client is the subset of pkg/redis.Client the cache uses.
type Client interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type QueryCache struct {
	client  Client
	ttl     time.Duration
	group   singleflight.Group
	gen     atomic.Uint64
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// New returns a QueryCache. The generation starts from the wall clock so a
// restarted process never reads entries written by its predecessor. Redis
// calls go through a circuit breaker; while it is open every lookup is a
// miss and nothing is written.
func New(client Client, cfg config.RedisConfig, m *metrics.Metrics) *QueryCache {
	c := &QueryCache{
		client: client,
		ttl:    cfg.CacheTTL,
		breaker: resilience.NewBreaker("redis-cache", resilience.BreakerConfig{
			FailureThreshold: cfg.BreakerThreshold,
			Cooldown:         cfg.BreakerCooldown,
		}),
		metrics: m,
		logger:  slog.Default().With("component", "query-cache"),
	}
	c.gen.Store(uint64(time.Now().UnixNano()))
	return c
}

// Get returns the cached ids for q over fields. Redis errors count as misses.
func (c *QueryCache) Get(ctx context.Context, q string, fields []string) ([]string, bool) {
	return c.get(ctx, c.buildKey(q, fields))
}

// Set stores ids for q over fields. Failures are logged and swallowed.
func (c *QueryCache) Set(ctx context.Context, q string, fields []string, ids []string) {
	c.set(ctx, c.buildKey(q, fields), ids)
}

// GetOrCompute returns cached ids or runs compute once per key, however many
// callers ask at the same time, and caches its result. The key is fixed
// before compute runs, so a result computed across an Advance is stored
// under the old generation and never served afterwards.
func (c *QueryCache) GetOrCompute(
	ctx context.Context,
	q string,
	fields []string,
	compute func() ([]string, error),
) ([]string, bool, error) {
	key := c.buildKey(q, fields)
	if ids, ok := c.get(ctx, key); ok {
		return ids, true, nil
	}
	val, err, _ := c.group.Do(key, func() (interface{}, error) {
		ids, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, ids)
		return ids, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]string), false, nil
}

func (c *QueryCache) get(ctx context.Context, key string) ([]string, bool) {
	var data string
	found := false
	err := c.breaker.Do(func() error {
		v, err := c.client.Get(ctx, key)
		if pkgredis.IsNilError(err) {
			return nil
		}
		if err != nil {
			return err
		}
		data, found = v, true
		return nil
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrOpen) {
			c.logger.Error("cache get failed", "key", key, "error", err)
		}
		c.miss()
		return nil, false
	}
	if !found {
		c.miss()
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal([]byte(data), &ids); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		c.miss()
		return nil, false
	}
	c.hit()
	c.logger.Debug("cache hit", "key", key)
	return ids, true
}

func (c *QueryCache) set(ctx context.Context, key string, ids []string) {
	data, err := json.Marshal(ids)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Do(func() error {
		return c.client.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// Advance moves to a new generation.
func (c *QueryCache) Advance() {
	c.gen.Add(1)
}

// Invalidate advances the generation and deletes every cached entry.
func (c *QueryCache) Invalidate(ctx context.Context) (int64, error) {
	c.Advance()
	deleted, err := c.client.FlushByPattern(ctx, keyPrefix+"*")
	if err != nil {
		return deleted, fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Info("cache invalidated", "keys_deleted", deleted)
	return deleted, nil
}

func (c *QueryCache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *QueryCache) hit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *QueryCache) miss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// buildKey hashes the generation, the query and the normalised fields, each
// string length-prefixed so no choice of query text or field names can make
// two different tuples hash the same input.
func (c *QueryCache) buildKey(q string, fields []string) string {
	h := sha256.New()
	fmt.Fprintf(h, "%d|%d:%s", c.gen.Load(), len(q), q)
	for _, f := range normalizeFields(fields) {
		fmt.Fprintf(h, "|%d:%s", len(f), f)
	}
	return fmt.Sprintf("%s%x", keyPrefix, h.Sum(nil)[:16])
}

// normalizeFields makes field order and repetition irrelevant to the key.
func normalizeFields(fields []string) []string {
	sorted := append([]string(nil), fields...)
	sort.Strings(sorted)
	out := sorted[:0]
	for _, f := range sorted {
		if len(out) > 0 && out[len(out)-1] == f {
			continue
		}
		out = append(out, f)
	}
	return out
}
