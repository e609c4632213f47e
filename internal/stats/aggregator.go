// Package stats derives per-question answer distributions from raw answer records.
package stats

import (
	"math"

	"quiz-sync-relay/internal/domain"
)

type bucket struct {
	value string
	count int
}

// Compute builds the distribution for questionID from records.
//
// Buckets are kept in first-seen order, so the consensus tie-break is explicit:
// among values with the same highest count, the one encountered first in
// records wins. Callers that want a stable consensus must pass records in a
// stable order (the stores return them by timestamp, then username).
func Compute(records []domain.AnswerRecord, questionID string) domain.QuestionStats {
	result := domain.QuestionStats{
		QuestionID:   questionID,
		Distribution: map[string]int{},
	}

	index := make(map[string]int)
	var buckets []bucket
	users := make(map[string]struct{})
	total := 0

	for _, rec := range records {
		if rec.QuestionID != questionID {
			continue
		}
		total++
		users[rec.Username] = struct{}{}
		i, ok := index[rec.Value]
		if !ok {
			i = len(buckets)
			index[rec.Value] = i
			buckets = append(buckets, bucket{value: rec.Value})
		}
		buckets[i].count++
	}

	result.TotalResponses = total
	result.UniqueUsers = len(users)
	if total == 0 {
		return result
	}

	lead := -1
	for i, b := range buckets {
		if lead < 0 || b.count > buckets[lead].count {
			lead = i
		}
		result.Distribution[b.value] = int(math.Round(float64(b.count) / float64(total) * 100))
	}
	consensus := buckets[lead].value
	result.Consensus = &consensus
	return result
}
