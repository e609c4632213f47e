package app

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"
	"quiz-sync-relay/internal/domain"
	"quiz-sync-relay/internal/stats"
)

const (
	peerDataKey    = "peer-data"
	statsKeyPrefix = "question-stats:"
)

func statsKey(questionID string) string {
	return statsKeyPrefix + questionID
}

// PeerData is the bulk peer snapshot served to clients.
type PeerData struct {
	Data       []domain.AnswerRecord `json:"data"`
	Total      int                   `json:"total"`
	Filtered   int                   `json:"filtered"`
	Cached     bool                  `json:"cached"`
	LastUpdate int64                 `json:"lastUpdate"`
}

type SubmitResult struct {
	Success   bool  `json:"success"`
	Timestamp int64 `json:"timestamp"`
	Broadcast int   `json:"broadcast"`
}

type BatchResult struct {
	Success   bool `json:"success"`
	Count     int  `json:"count"`
	Broadcast int  `json:"broadcast"`
}

type ServerStats struct {
	TotalAnswers     int     `json:"totalAnswers"`
	UniqueUsers      int     `json:"uniqueUsers"`
	ConnectedClients int     `json:"connectedClients"`
	CacheStatus      string  `json:"cacheStatus"`
	Uptime           float64 `json:"uptime"`
	MemoryUsage      string  `json:"memoryUsage"`
}

type Health struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Cache       string `json:"cache"`
	Timestamp   string `json:"timestamp"`
}

// Option configures optional RelayService collaborators.
type Option func(*RelayService)

// WithPublisher announces every local upsert on the change feed.
func WithPublisher(p ChangePublisher) Option {
	return func(s *RelayService) { s.publisher = p }
}

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clockwork.Clock) Option {
	return func(s *RelayService) { s.clock = c }
}

// WithOrigin sets the instance id stamped on published change events.
func WithOrigin(origin string) Option {
	return func(s *RelayService) { s.origin = origin }
}

// RelayService contains the relay use cases: cached peer reads, stats,
// submissions, and reacting to upstream change notifications.
type RelayService struct {
	store     AnswerStore
	peers     Cache[[]domain.AnswerRecord]
	stats     Cache[domain.QuestionStats]
	hub       Broadcaster
	publisher ChangePublisher
	clock     clockwork.Clock
	origin    string
	started   time.Time
	sf        singleflight.Group
	gens      generations
}

func NewRelayService(store AnswerStore, peers Cache[[]domain.AnswerRecord], questionStats Cache[domain.QuestionStats], hub Broadcaster, opts ...Option) *RelayService {
	s := &RelayService{
		store:  store,
		peers:  peers,
		stats:  questionStats,
		hub:    hub,
		clock:  clockwork.NewRealClock(),
		origin: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.started = s.clock.Now()
	return s
}

// Origin is the id this instance stamps on published change events.
func (s *RelayService) Origin() string {
	return s.origin
}

// generations counts invalidations per cache key, plus a shared counter for
// InvalidateAll, so a fill that raced an invalidation can tell its result is stale.
type generations struct {
	mu   sync.Mutex
	all  uint64
	keys map[string]uint64
}

type generation struct {
	all, key uint64
}

func (g *generations) current(key string) generation {
	g.mu.Lock()
	defer g.mu.Unlock()
	return generation{all: g.all, key: g.keys[key]}
}

func (g *generations) bump(key string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.keys == nil {
		g.keys = make(map[string]uint64)
	}
	g.keys[key]++
}

func (g *generations) bumpAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.all++
}

// fill returns the cached entry for key or computes and stores it.
// Concurrent misses for the same key and generation share one computation.
// A result computed across an invalidation is returned to its callers but
// never left in the cache.
func fill[T any](ctx context.Context, sf *singleflight.Group, gens *generations, clock clockwork.Clock, cache Cache[T], key string, load func(context.Context) (T, error)) (domain.CacheEntry[T], bool, error) {
	if entry, ok := cache.Get(ctx, key); ok {
		return entry, true, nil
	}
	gen := gens.current(key)
	flight := fmt.Sprintf("%s@%d.%d", key, gen.all, gen.key)
	v, err, _ := sf.Do(flight, func() (interface{}, error) {
		if entry, ok := cache.Get(ctx, key); ok {
			return entry, nil
		}
		payload, err := load(ctx)
		if err != nil {
			return nil, err
		}
		if gens.current(key) != gen {
			return domain.CacheEntry[T]{Payload: payload, ComputedAt: clock.Now().UnixMilli()}, nil
		}
		entry := cache.Put(ctx, key, payload)
		if gens.current(key) != gen {
			cache.Invalidate(ctx, key)
		}
		return entry, nil
	})
	if err != nil {
		return domain.CacheEntry[T]{}, false, err
	}
	return v.(domain.CacheEntry[T]), false, nil
}

func (s *RelayService) invalidatePeers(ctx context.Context) {
	s.gens.bump(peerDataKey)
	s.peers.Invalidate(ctx, peerDataKey)
}

func (s *RelayService) invalidateStats(ctx context.Context, questionID string) {
	s.gens.bump(statsKey(questionID))
	s.stats.Invalidate(ctx, statsKey(questionID))
}

func (s *RelayService) invalidateAllStats(ctx context.Context) {
	s.gens.bumpAll()
	s.stats.InvalidateAll(ctx)
}

// PeerData returns every stored answer, or only those newer than since when since > 0.
// Total always counts the unfiltered set.
func (s *RelayService) PeerData(ctx context.Context, since int64) (PeerData, error) {
	entry, cached, err := fill(ctx, &s.sf, &s.gens, s.clock, s.peers, peerDataKey, func(ctx context.Context) ([]domain.AnswerRecord, error) {
		records, err := s.store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list answers: %w", err)
		}
		return records, nil
	})
	if err != nil {
		return PeerData{}, err
	}

	all := entry.Payload
	filtered := make([]domain.AnswerRecord, 0, len(all))
	for _, rec := range all {
		if since <= 0 || rec.Timestamp > since {
			filtered = append(filtered, rec)
		}
	}
	return PeerData{
		Data:       filtered,
		Total:      len(all),
		Filtered:   len(filtered),
		Cached:     cached,
		LastUpdate: entry.ComputedAt,
	}, nil
}

// QuestionStats returns the cached or freshly computed distribution for a question.
func (s *RelayService) QuestionStats(ctx context.Context, questionID string) (domain.QuestionStats, error) {
	entry, _, err := fill(ctx, &s.sf, &s.gens, s.clock, s.stats, statsKey(questionID), func(ctx context.Context) (domain.QuestionStats, error) {
		records, err := s.store.ListByQuestion(ctx, questionID)
		if err != nil {
			return domain.QuestionStats{}, fmt.Errorf("list answers for %s: %w", questionID, err)
		}
		result := stats.Compute(records, questionID)
		result.Timestamp = s.clock.Now().UnixMilli()
		return result, nil
	})
	if err != nil {
		return domain.QuestionStats{}, err
	}
	return entry.Payload, nil
}

// SubmitAnswer upserts one answer, invalidates the affected cache keys and
// notifies connected clients. A zero timestamp is replaced with now.
func (s *RelayService) SubmitAnswer(ctx context.Context, rec domain.AnswerRecord) (SubmitResult, error) {
	if err := rec.Validate(); err != nil {
		return SubmitResult{}, err
	}
	if rec.Timestamp <= 0 {
		rec.Timestamp = s.clock.Now().UnixMilli()
	}
	if err := s.store.Upsert(ctx, rec); err != nil {
		return SubmitResult{}, fmt.Errorf("upsert answer: %w", err)
	}

	s.invalidatePeers(ctx)
	s.invalidateStats(ctx, rec.QuestionID)
	s.publish(ctx, domain.ChangeUpdate, rec)

	s.hub.Broadcast(domain.NewAnswerSubmittedMessage(rec))
	log.Debug().
		Str("username", rec.Username).
		Str("question_id", rec.QuestionID).
		Int64("timestamp", rec.Timestamp).
		Msg("answer submitted")

	return SubmitResult{Success: true, Timestamp: rec.Timestamp, Broadcast: s.hub.ClientCount()}, nil
}

// BatchSubmit upserts many answers at once. Duplicate keys inside the batch
// resolve to the last occurrence, matching arrival order at the store.
func (s *RelayService) BatchSubmit(ctx context.Context, recs []domain.AnswerRecord) (BatchResult, error) {
	now := s.clock.Now().UnixMilli()
	index := make(map[domain.AnswerKey]int, len(recs))
	deduped := make([]domain.AnswerRecord, 0, len(recs))
	for i, rec := range recs {
		if err := rec.Validate(); err != nil {
			return BatchResult{}, fmt.Errorf("answer %d: %w", i, err)
		}
		if rec.Timestamp <= 0 {
			rec.Timestamp = now
		}
		if at, ok := index[rec.Key()]; ok {
			deduped[at] = rec
			continue
		}
		index[rec.Key()] = len(deduped)
		deduped = append(deduped, rec)
	}

	if len(deduped) > 0 {
		if err := s.store.UpsertBatch(ctx, deduped); err != nil {
			return BatchResult{}, fmt.Errorf("upsert batch: %w", err)
		}
	}

	s.invalidatePeers(ctx)
	s.invalidateAllStats(ctx)
	for _, rec := range deduped {
		s.publish(ctx, domain.ChangeUpdate, rec)
	}

	s.hub.Broadcast(domain.BatchSubmittedMessage{
		Type:      domain.EventBatchSubmitted,
		Count:     len(recs),
		Timestamp: s.clock.Now().UnixMilli(),
	})
	log.Debug().Int("count", len(recs)).Int("unique", len(deduped)).Msg("batch submitted")

	return BatchResult{Success: true, Count: len(recs), Broadcast: s.hub.ClientCount()}, nil
}

func (s *RelayService) publish(ctx context.Context, kind domain.ChangeKind, rec domain.AnswerRecord) {
	if s.publisher == nil {
		return
	}
	ev := domain.ChangeEvent{
		Origin:    s.origin,
		Kind:      kind,
		Record:    rec,
		Timestamp: s.clock.Now().UnixMilli(),
	}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		log.Warn().Err(err).Str("question_id", rec.QuestionID).Msg("publish change event failed")
	}
}

// HandleChange reacts to a store change observed on the change feed.
// Events this instance published itself are ignored; the local submit path
// already invalidated and broadcast for them.
func (s *RelayService) HandleChange(ctx context.Context, ev domain.ChangeEvent) {
	if ev.Origin != "" && ev.Origin == s.origin {
		return
	}

	s.invalidatePeers(ctx)
	if ev.Record.QuestionID != "" {
		s.invalidateStats(ctx, ev.Record.QuestionID)
	} else {
		s.invalidateAllStats(ctx)
	}

	data, err := json.Marshal(ev.Record)
	if err != nil {
		log.Error().Err(err).Msg("encode change record")
		return
	}
	n := s.hub.Broadcast(domain.RealtimeUpdateMessage{
		Type:      domain.EventRealtimeUpdate,
		Event:     string(ev.Kind),
		Data:      data,
		Timestamp: s.clock.Now().UnixMilli(),
	})
	log.Debug().
		Str("origin", ev.Origin).
		Str("event", string(ev.Kind)).
		Str("question_id", ev.Record.QuestionID).
		Int("clients", n).
		Msg("relayed upstream change")
}

func (s *RelayService) cacheStatus(ctx context.Context) string {
	if _, ok := s.peers.Get(ctx, peerDataKey); ok {
		return "warm"
	}
	return "cold"
}

// ServerStats reports store counts and process health.
func (s *RelayService) ServerStats(ctx context.Context) (ServerStats, error) {
	total, users, err := s.store.Counts(ctx)
	if err != nil {
		return ServerStats{}, fmt.Errorf("count answers: %w", err)
	}
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	return ServerStats{
		TotalAnswers:     total,
		UniqueUsers:      users,
		ConnectedClients: s.hub.ClientCount(),
		CacheStatus:      s.cacheStatus(ctx),
		Uptime:           s.clock.Since(s.started).Seconds(),
		MemoryUsage:      fmt.Sprintf("%.2f MB", float64(mem.HeapAlloc)/1024/1024),
	}, nil
}

func (s *RelayService) Health(ctx context.Context) Health {
	return Health{
		Status:      "healthy",
		Connections: s.hub.ClientCount(),
		Cache:       s.cacheStatus(ctx),
		Timestamp:   s.clock.Now().UTC().Format(time.RFC3339Nano),
	}
}
