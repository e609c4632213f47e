package memory

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"quiz-sync-relay/internal/domain"
)

// TTLCache is a process-local cache whose entries disappear once they are
// ttl old. Expiry is checked on read against the injected clock.
type TTLCache[T any] struct {
	ttl   time.Duration
	clock clockwork.Clock

	mu      sync.RWMutex
	entries map[string]domain.CacheEntry[T]
}

func NewTTLCache[T any](ttl time.Duration, clock clockwork.Clock) *TTLCache[T] {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &TTLCache[T]{
		ttl:     ttl,
		clock:   clock,
		entries: make(map[string]domain.CacheEntry[T]),
	}
}

func (c *TTLCache[T]) Get(_ context.Context, key string) (domain.CacheEntry[T], bool) {
	now := c.clock.Now()

	c.mu.RLock()
	entry, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok {
		return domain.CacheEntry[T]{}, false
	}
	if entry.Fresh(now, c.ttl) {
		return entry, true
	}

	c.mu.Lock()
	// drop only if nobody refreshed it meanwhile
	if cur, ok := c.entries[key]; ok && cur.ComputedAt == entry.ComputedAt {
		delete(c.entries, key)
	}
	c.mu.Unlock()
	return domain.CacheEntry[T]{}, false
}

func (c *TTLCache[T]) Put(_ context.Context, key string, payload T) domain.CacheEntry[T] {
	entry := domain.CacheEntry[T]{Payload: payload, ComputedAt: c.clock.Now().UnixMilli()}
	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
	return entry
}

func (c *TTLCache[T]) Invalidate(_ context.Context, key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *TTLCache[T]) InvalidateAll(_ context.Context) {
	c.mu.Lock()
	c.entries = make(map[string]domain.CacheEntry[T])
	c.mu.Unlock()
}

// Len counts stored entries, including expired ones not yet read.
func (c *TTLCache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
