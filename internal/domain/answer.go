package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// AnswerRecord is a single user's answer to a single question as exchanged with the relay and store.
// (Username, QuestionID) is the uniqueness key; a later record supersedes an earlier one.
type AnswerRecord struct {
	Username   string `json:"username"`
	QuestionID string `json:"question_id"`
	Value      string `json:"answer_value"`
	Timestamp  int64  `json:"timestamp"`
}

// AnswerKey identifies the logical slot an AnswerRecord occupies.
type AnswerKey struct {
	Username   string
	QuestionID string
}

func (r AnswerRecord) Key() AnswerKey {
	return AnswerKey{Username: r.Username, QuestionID: r.QuestionID}
}

// Validate checks the fields every stored record must carry.
func (r AnswerRecord) Validate() error {
	if r.Username == "" {
		return fmt.Errorf("%w: username is required", ErrInvalidAnswer)
	}
	if r.QuestionID == "" {
		return fmt.Errorf("%w: question_id is required", ErrInvalidAnswer)
	}
	return nil
}

// Answer is the per-question entry kept inside a UserRecord.
type Answer struct {
	Value     string `json:"value"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

// MigrateAnswer converts a stored answer into the standard {value, timestamp} shape.
// Legacy bare values carry no submission time and are stamped with now; that
// original time is unrecoverable. A structured answer without a timestamp keeps 0
// so the merge engine can fall back to the parallel timestamps map.
func MigrateAnswer(raw json.RawMessage, now time.Time) (Answer, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Answer{}, fmt.Errorf("%w: empty answer", ErrMalformedAnswer)
	}

	if raw[0] == '{' {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(raw, &fields); err != nil {
			return Answer{}, fmt.Errorf("%w: %v", ErrMalformedAnswer, err)
		}
		if value, ok := fields["value"]; ok {
			answer := Answer{Value: ScalarString(value)}
			if ts, ok := fields["timestamp"]; ok && !isNull(ts) {
				decoded, err := decodeLoose(ts)
				if err != nil {
					return Answer{}, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
				}
				ms, ok := NormalizeTimestamp(decoded)
				if !ok {
					return Answer{}, fmt.Errorf("%w: %s", ErrMalformedTimestamp, string(ts))
				}
				answer.Timestamp = ms
			}
			return answer, nil
		}
	}

	return Answer{Value: ScalarString(raw), Timestamp: now.UnixMilli()}, nil
}

// ScalarString renders a JSON value as the string form used for answer values:
// strings are unquoted, other values are compacted JSON text.
func ScalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if isNull(raw) {
		return ""
	}
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

func isNull(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
