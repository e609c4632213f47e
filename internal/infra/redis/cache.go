package redis

import (
	"context"
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/domain"
)

// Cache shares computed payloads between relay instances.
// Entries are stored as JSON under SET {prefix}{key} with a PX expiry a little
// past the TTL; freshness itself is decided on read from computedAt, so a
// slow Redis eviction never serves an entry older than the TTL.
type Cache[T any] struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	clock  clockwork.Clock

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewCache[T any](client *redis.Client, prefix string, ttl time.Duration, clock clockwork.Clock) *Cache[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Cache[T]{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		clock:  clock,
		rnd:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (c *Cache[T]) key(key string) string {
	return c.prefix + key
}

func (c *Cache[T]) Get(ctx context.Context, key string) (domain.CacheEntry[T], bool) {
	raw, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Warn().Err(err).Str("key", key).Msg("redis cache read failed, treating as miss")
		}
		return domain.CacheEntry[T]{}, false
	}
	var entry domain.CacheEntry[T]
	if err := json.Unmarshal(raw, &entry); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("dropping undecodable cache entry")
		_ = c.client.Del(ctx, c.key(key)).Err()
		return domain.CacheEntry[T]{}, false
	}
	if !entry.Fresh(c.clock.Now(), c.ttl) {
		return domain.CacheEntry[T]{}, false
	}
	return entry, true
}

func (c *Cache[T]) Put(ctx context.Context, key string, payload T) domain.CacheEntry[T] {
	entry := domain.CacheEntry[T]{Payload: payload, ComputedAt: c.clock.Now().UnixMilli()}
	raw, err := json.Marshal(entry)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("encode cache entry")
		return entry
	}
	if err := c.client.Set(ctx, c.key(key), raw, c.ttlWithJitter()).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis cache write failed")
	}
	return entry
}

func (c *Cache[T]) Invalidate(ctx context.Context, key string) {
	if err := c.client.Del(ctx, c.key(key)).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("redis cache invalidate failed")
	}
}

// InvalidateAll removes every key under this cache's prefix.
func (c *Cache[T]) InvalidateAll(ctx context.Context) {
	iter := c.client.Scan(ctx, 0, c.prefix+"*", 100).Iterator()
	pipe := c.client.Pipeline()
	n := 0
	for iter.Next(ctx) {
		pipe.Del(ctx, iter.Val())
		n++
	}
	if err := iter.Err(); err != nil {
		log.Warn().Err(err).Str("prefix", c.prefix).Msg("redis cache scan failed")
	}
	if n == 0 {
		return
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("prefix", c.prefix).Msg("redis cache invalidate all failed")
	}
}

// ttlWithJitter spreads key expirations; the jitter only ever extends the
// Redis expiry, never the logical TTL.
func (c *Cache[T]) ttlWithJitter() time.Duration {
	if c.ttl <= 0 {
		return 0
	}
	jitterMax := int64(c.ttl) / 10
	c.rndMu.Lock()
	defer c.rndMu.Unlock()
	return c.ttl + time.Duration(c.rnd.Int63n(jitterMax+1))
}
