package memory

import (
	"context"
	"sort"
	"sync"

	"quiz-sync-relay/internal/domain"
)

// AnswerStore is an in-memory implementation of app.AnswerStore, used when no
// database is configured and in tests. Upserts are last-arrival-wins per key.
type AnswerStore struct {
	mu      sync.RWMutex
	records map[domain.AnswerKey]domain.AnswerRecord
}

func NewAnswerStore() *AnswerStore {
	return &AnswerStore{records: make(map[domain.AnswerKey]domain.AnswerRecord)}
}

func (s *AnswerStore) Upsert(_ context.Context, rec domain.AnswerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	s.records[rec.Key()] = rec
	s.mu.Unlock()
	return nil
}

func (s *AnswerStore) UpsertBatch(_ context.Context, recs []domain.AnswerRecord) error {
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range recs {
		s.records[rec.Key()] = rec
	}
	return nil
}

func (s *AnswerStore) List(_ context.Context) ([]domain.AnswerRecord, error) {
	return s.collect(func(domain.AnswerRecord) bool { return true }), nil
}

func (s *AnswerStore) ListByQuestion(_ context.Context, questionID string) ([]domain.AnswerRecord, error) {
	return s.collect(func(rec domain.AnswerRecord) bool { return rec.QuestionID == questionID }), nil
}

func (s *AnswerStore) Counts(_ context.Context) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	users := make(map[string]struct{})
	for key := range s.records {
		users[key.Username] = struct{}{}
	}
	return len(s.records), len(users), nil
}

func (s *AnswerStore) collect(keep func(domain.AnswerRecord) bool) []domain.AnswerRecord {
	s.mu.RLock()
	out := make([]domain.AnswerRecord, 0, len(s.records))
	for _, rec := range s.records {
		if keep(rec) {
			out = append(out, rec)
		}
	}
	s.mu.RUnlock()

	SortRecords(out)
	return out
}

// SortRecords orders records by timestamp ascending, then username, then question.
func SortRecords(recs []domain.AnswerRecord) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Timestamp != recs[j].Timestamp {
			return recs[i].Timestamp < recs[j].Timestamp
		}
		if recs[i].Username != recs[j].Username {
			return recs[i].Username < recs[j].Username
		}
		return recs[i].QuestionID < recs[j].QuestionID
	})
}
