package domain

import "time"

// QuestionStats is the derived answer distribution for one question.
// Percentages are rounded independently and may not sum to exactly 100.
type QuestionStats struct {
	QuestionID     string         `json:"questionId"`
	Consensus      *string        `json:"consensus"`
	Distribution   map[string]int `json:"distribution"`
	TotalResponses int            `json:"totalResponses"`
	UniqueUsers    int            `json:"uniqueUsers"`
	Timestamp      int64          `json:"timestamp"`
}

// CacheEntry wraps a cached payload with the time it was computed.
type CacheEntry[T any] struct {
	Payload    T     `json:"payload"`
	ComputedAt int64 `json:"computedAt"`
}

// Fresh reports whether the entry is still inside its TTL at now.
func (e CacheEntry[T]) Fresh(now time.Time, ttl time.Duration) bool {
	return now.UnixMilli()-e.ComputedAt < ttl.Milliseconds()
}

// NoticeLevel categorizes messages surfaced for user-initiated actions.
type NoticeLevel string

const (
	NoticeSuccess NoticeLevel = "success"
	NoticeFailure NoticeLevel = "failure"
	NoticeInfo    NoticeLevel = "info"
)

// Notice is a user-facing outcome message.
type Notice struct {
	Level   NoticeLevel `json:"level"`
	Message string      `json:"message"`
}
