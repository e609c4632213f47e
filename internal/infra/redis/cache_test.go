package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
	"quiz-sync-relay/internal/domain"
)

func TestCacheRoundTripAndTTL(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	clock := clockwork.NewFakeClockAt(time.UnixMilli(1_700_000_000_000))
	cache := NewCache[[]domain.AnswerRecord](newClient(mr), "relay:peers:", 30*time.Second, clock)

	records := []domain.AnswerRecord{{Username: "bob", QuestionID: "q1", Value: "A", Timestamp: 5}}
	cache.Put(ctx, "peer-data", records)
	if !mr.Exists("relay:peers:peer-data") {
		t.Fatalf("expected redis key to be set")
	}

	entry, ok := cache.Get(ctx, "peer-data")
	if !ok {
		t.Fatalf("expected cache hit")
	}
	if len(entry.Payload) != 1 || entry.Payload[0].Value != "A" {
		t.Fatalf("unexpected payload %+v", entry.Payload)
	}
	if entry.ComputedAt != clock.Now().UnixMilli() {
		t.Fatalf("unexpected computedAt %d", entry.ComputedAt)
	}

	// redis still holds the key, but the logical ttl has passed
	clock.Advance(30 * time.Second)
	if _, ok := cache.Get(ctx, "peer-data"); ok {
		t.Fatalf("expected stale entry treated as absent")
	}
}

func TestCacheSetsExpiryBackstop(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	cache := NewCache[domain.QuestionStats](newClient(mr), "relay:stats:", time.Minute, nil)
	cache.Put(context.Background(), "question-stats:q1", domain.QuestionStats{QuestionID: "q1"})

	ttl := mr.TTL("relay:stats:question-stats:q1")
	if ttl < time.Minute || ttl > time.Minute+6*time.Second {
		t.Fatalf("unexpected expiry %v", ttl)
	}
	mr.FastForward(2 * time.Minute)
	if mr.Exists("relay:stats:question-stats:q1") {
		t.Fatalf("expected redis to expire the key")
	}
}

func TestCacheInvalidateAllScopedToPrefix(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	ctx := context.Background()
	client := newClient(mr)
	stats := NewCache[domain.QuestionStats](client, "relay:stats:", time.Minute, nil)
	peers := NewCache[[]domain.AnswerRecord](client, "relay:peers:", time.Minute, nil)

	stats.Put(ctx, "question-stats:q1", domain.QuestionStats{QuestionID: "q1"})
	stats.Put(ctx, "question-stats:q2", domain.QuestionStats{QuestionID: "q2"})
	peers.Put(ctx, "peer-data", nil)

	stats.Invalidate(ctx, "question-stats:q1")
	if mr.Exists("relay:stats:question-stats:q1") {
		t.Fatalf("expected q1 removed")
	}

	stats.InvalidateAll(ctx)
	if mr.Exists("relay:stats:question-stats:q2") {
		t.Fatalf("expected q2 removed")
	}
	if !mr.Exists("relay:peers:peer-data") {
		t.Fatalf("expected other prefix untouched")
	}
}

func TestCacheMissOnGarbage(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()

	_ = mr.Set("relay:stats:question-stats:q1", "not json")
	cache := NewCache[domain.QuestionStats](newClient(mr), "relay:stats:", time.Minute, nil)
	if _, ok := cache.Get(context.Background(), "question-stats:q1"); ok {
		t.Fatalf("expected miss on undecodable entry")
	}
	if mr.Exists("relay:stats:question-stats:q1") {
		t.Fatalf("expected undecodable entry deleted")
	}
}

func newClient(mr *miniredis.Miniredis) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr: mr.Addr(),
	})
}
