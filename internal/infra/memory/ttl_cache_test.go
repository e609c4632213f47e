package memory

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

func TestTTLCacheExpiresAtTTL(t *testing.T) {
	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	cache := NewTTLCache[string](30*time.Second, clock)

	put := cache.Put(ctx, "peer-data", "snapshot")
	if put.ComputedAt != clock.Now().UnixMilli() {
		t.Fatalf("expected computedAt stamped with clock, got %d", put.ComputedAt)
	}

	clock.Advance(30*time.Second - time.Millisecond)
	if entry, ok := cache.Get(ctx, "peer-data"); !ok || entry.Payload != "snapshot" {
		t.Fatalf("expected fresh entry before ttl, got %+v ok=%v", entry, ok)
	}

	clock.Advance(time.Millisecond)
	if _, ok := cache.Get(ctx, "peer-data"); ok {
		t.Fatalf("expected entry absent once ttl elapsed")
	}
	if cache.Len() != 0 {
		t.Fatalf("expected expired entry dropped, len=%d", cache.Len())
	}
}

func TestTTLCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := NewTTLCache[int](time.Minute, clockwork.NewFakeClock())
	cache.Put(ctx, "question-stats:q1", 1)
	cache.Put(ctx, "question-stats:q2", 2)

	cache.Invalidate(ctx, "question-stats:q1")
	if _, ok := cache.Get(ctx, "question-stats:q1"); ok {
		t.Fatalf("expected q1 invalidated")
	}
	if _, ok := cache.Get(ctx, "question-stats:q2"); !ok {
		t.Fatalf("expected q2 still cached")
	}

	cache.InvalidateAll(ctx)
	if _, ok := cache.Get(ctx, "question-stats:q2"); ok {
		t.Fatalf("expected all entries invalidated")
	}
}
