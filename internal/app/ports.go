package app

import (
	"context"

	"quiz-sync-relay/internal/domain"
)

// AnswerStore is the shared source of truth for submitted answers (Postgres, in-memory).
// List results are ordered by timestamp ascending, then username.
type AnswerStore interface {
	Upsert(ctx context.Context, rec domain.AnswerRecord) error
	UpsertBatch(ctx context.Context, recs []domain.AnswerRecord) error
	List(ctx context.Context) ([]domain.AnswerRecord, error)
	ListByQuestion(ctx context.Context, questionID string) ([]domain.AnswerRecord, error)
	Counts(ctx context.Context) (total, uniqueUsers int, err error)
}

// Cache holds computed payloads keyed by string. Get only reports entries that
// are still inside the implementation's TTL at the time of the call.
type Cache[T any] interface {
	Get(ctx context.Context, key string) (domain.CacheEntry[T], bool)
	Put(ctx context.Context, key string, payload T) domain.CacheEntry[T]
	Invalidate(ctx context.Context, key string)
	InvalidateAll(ctx context.Context)
}

// Broadcaster fans a message out to every connected realtime client.
type Broadcaster interface {
	Broadcast(msg any) int
	ClientCount() int
}

// ChangePublisher announces store mutations to other relay instances.
type ChangePublisher interface {
	Publish(ctx context.Context, ev domain.ChangeEvent) error
}
