package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// ActivityState is the coarse live state of a user inside the quiz.
type ActivityState string

const (
	ActivityIdle      ActivityState = "idle"
	ActivityViewing   ActivityState = "viewing"
	ActivityAnswering ActivityState = "answering"
	ActivitySubmitted ActivityState = "submitted"
)

func (s ActivityState) Valid() bool {
	switch s {
	case ActivityIdle, ActivityViewing, ActivityAnswering, ActivitySubmitted:
		return true
	}
	return false
}

// Activity is ephemeral presence data. It is never merged.
type Activity struct {
	State      ActivityState `json:"state"`
	QuestionID *string       `json:"questionId"`
	LastUpdate int64         `json:"lastUpdate"`
}

// Badge records when an achievement was first earned.
type Badge struct {
	EarnedAt int64 `json:"earnedAt,omitempty"`
}

// UserRecord is everything one user has produced. It is owned by that user's
// client; copies received through import or sync are merged into it.
type UserRecord struct {
	Answers         map[string]Answer  `json:"answers,omitempty"`
	Reasons         map[string]string  `json:"reasons,omitempty"`
	Timestamps      map[string]int64   `json:"timestamps,omitempty"`
	Attempts        map[string]int     `json:"attempts,omitempty"`
	Progress        map[string]float64 `json:"progress,omitempty"`
	Badges          map[string]Badge   `json:"badges,omitempty"`
	Preferences     json.RawMessage    `json:"preferences,omitempty"`
	CurrentActivity *Activity          `json:"currentActivity,omitempty"`
}

// NewUserRecord returns a record with every map allocated and an idle activity.
func NewUserRecord(now time.Time) *UserRecord {
	r := &UserRecord{}
	r.EnsureMaps()
	r.CurrentActivity = &Activity{State: ActivityIdle, LastUpdate: now.UnixMilli()}
	return r
}

// EnsureMaps allocates any nil map so callers can write without checks.
func (r *UserRecord) EnsureMaps() {
	if r.Answers == nil {
		r.Answers = make(map[string]Answer)
	}
	if r.Reasons == nil {
		r.Reasons = make(map[string]string)
	}
	if r.Timestamps == nil {
		r.Timestamps = make(map[string]int64)
	}
	if r.Attempts == nil {
		r.Attempts = make(map[string]int)
	}
	if r.Progress == nil {
		r.Progress = make(map[string]float64)
	}
	if r.Badges == nil {
		r.Badges = make(map[string]Badge)
	}
}

// IsEmpty reports whether the record carries no data at all.
func (r *UserRecord) IsEmpty() bool {
	if r == nil {
		return true
	}
	return len(r.Answers) == 0 &&
		len(r.Reasons) == 0 &&
		len(r.Timestamps) == 0 &&
		len(r.Attempts) == 0 &&
		len(r.Progress) == 0 &&
		len(r.Badges) == 0 &&
		len(r.Preferences) == 0 &&
		r.CurrentActivity == nil
}

// Clone returns a deep copy that shares no mutable state with r.
func (r *UserRecord) Clone() *UserRecord {
	if r == nil {
		return nil
	}
	out := &UserRecord{
		Answers:     cloneMap(r.Answers),
		Reasons:     cloneMap(r.Reasons),
		Timestamps:  cloneMap(r.Timestamps),
		Attempts:    cloneMap(r.Attempts),
		Progress:    cloneMap(r.Progress),
		Badges:      cloneMap(r.Badges),
		Preferences: bytes.Clone(r.Preferences),
	}
	if r.CurrentActivity != nil {
		activity := *r.CurrentActivity
		if activity.QuestionID != nil {
			qid := *activity.QuestionID
			activity.QuestionID = &qid
		}
		out.CurrentActivity = &activity
	}
	return out
}

func cloneMap[K comparable, V any](in map[K]V) map[K]V {
	if in == nil {
		return nil
	}
	out := make(map[K]V, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// UnmarshalJSON decodes leniently: a malformed entry for one question is dropped
// and logged instead of failing the whole record.
func (r *UserRecord) UnmarshalJSON(data []byte) error {
	decoded, problems := DecodeUserRecord(data, time.Now())
	for _, p := range problems {
		log.Warn().Err(p).Msg("dropped malformed user record entry")
	}
	if decoded == nil {
		if len(problems) > 0 {
			return problems[0]
		}
		return ErrMalformedRecord
	}
	*r = *decoded
	return nil
}

type looseUserRecord struct {
	Answers         map[string]json.RawMessage `json:"answers"`
	Reasons         map[string]json.RawMessage `json:"reasons"`
	Timestamps      map[string]json.RawMessage `json:"timestamps"`
	Attempts        map[string]json.RawMessage `json:"attempts"`
	Progress        map[string]json.RawMessage `json:"progress"`
	Badges          map[string]json.RawMessage `json:"badges"`
	Preferences     json.RawMessage            `json:"preferences"`
	CurrentActivity json.RawMessage            `json:"currentActivity"`
}

// DecodeUserRecord parses a user record from untrusted JSON (backup files, peer data).
// It returns nil only when raw is not a JSON object; otherwise every well-formed
// entry is kept and each malformed one is reported in problems.
func DecodeUserRecord(raw json.RawMessage, now time.Time) (*UserRecord, []error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || raw[0] != '{' {
		return nil, []error{fmt.Errorf("%w: expected object", ErrMalformedRecord)}
	}
	var loose looseUserRecord
	if err := json.Unmarshal(raw, &loose); err != nil {
		return nil, []error{fmt.Errorf("%w: %v", ErrMalformedRecord, err)}
	}

	var problems []error
	report := func(field, key string, err error) {
		problems = append(problems, fmt.Errorf("%s[%s]: %w", field, key, err))
	}

	rec := &UserRecord{}
	if loose.Answers != nil {
		rec.Answers = make(map[string]Answer, len(loose.Answers))
		for qid, v := range loose.Answers {
			answer, err := MigrateAnswer(v, now)
			if err != nil {
				report("answers", qid, err)
				continue
			}
			rec.Answers[qid] = answer
		}
	}
	if loose.Reasons != nil {
		rec.Reasons = make(map[string]string, len(loose.Reasons))
		for qid, v := range loose.Reasons {
			var reason string
			if err := json.Unmarshal(v, &reason); err != nil {
				report("reasons", qid, fmt.Errorf("%w: %v", ErrMalformedRecord, err))
				continue
			}
			rec.Reasons[qid] = reason
		}
	}
	if loose.Timestamps != nil {
		rec.Timestamps = make(map[string]int64, len(loose.Timestamps))
		for qid, v := range loose.Timestamps {
			decoded, err := decodeLoose(v)
			if err != nil {
				report("timestamps", qid, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err))
				continue
			}
			ms, ok := NormalizeTimestamp(decoded)
			if !ok {
				report("timestamps", qid, ErrMalformedTimestamp)
				continue
			}
			rec.Timestamps[qid] = ms
		}
	}
	if loose.Attempts != nil {
		rec.Attempts = make(map[string]int, len(loose.Attempts))
		for qid, v := range loose.Attempts {
			n, ok := looseNumber(v)
			if !ok {
				report("attempts", qid, ErrMalformedRecord)
				continue
			}
			rec.Attempts[qid] = int(n)
		}
	}
	if loose.Progress != nil {
		rec.Progress = make(map[string]float64, len(loose.Progress))
		for key, v := range loose.Progress {
			n, ok := looseNumber(v)
			if !ok {
				report("progress", key, ErrMalformedRecord)
				continue
			}
			rec.Progress[key] = n
		}
	}
	if loose.Badges != nil {
		rec.Badges = make(map[string]Badge, len(loose.Badges))
		for id, v := range loose.Badges {
			badge, err := decodeBadge(v)
			if err != nil {
				report("badges", id, err)
				continue
			}
			rec.Badges[id] = badge
		}
	}
	if !isNull(loose.Preferences) {
		if bytes.TrimSpace(loose.Preferences)[0] == '{' {
			rec.Preferences = bytes.Clone(loose.Preferences)
		} else {
			report("preferences", "*", ErrMalformedRecord)
		}
	}
	if !isNull(loose.CurrentActivity) {
		var activity Activity
		if err := json.Unmarshal(loose.CurrentActivity, &activity); err != nil || !activity.State.Valid() {
			report("currentActivity", "*", ErrMalformedRecord)
		} else {
			rec.CurrentActivity = &activity
		}
	}
	return rec, problems
}

func decodeBadge(raw json.RawMessage) (Badge, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return Badge{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	earned, ok := fields["earnedAt"]
	if !ok || isNull(earned) {
		return Badge{}, nil
	}
	decoded, err := decodeLoose(earned)
	if err != nil {
		return Badge{}, fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	ms, ok := NormalizeTimestamp(decoded)
	if !ok {
		return Badge{}, ErrMalformedTimestamp
	}
	return Badge{EarnedAt: ms}, nil
}

// looseNumber accepts JSON numbers and numeric strings.
func looseNumber(raw json.RawMessage) (float64, bool) {
	decoded, err := decodeLoose(raw)
	if err != nil {
		return 0, false
	}
	switch v := decoded.(type) {
	case json.Number:
		f, err := v.Float64()
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil && !math.IsNaN(f) && !math.IsInf(f, 0)
	}
	return 0, false
}

// ClassDataset is the root aggregate persisted on every client.
type ClassDataset struct {
	Users map[string]*UserRecord `json:"users"`
}

func NewClassDataset() *ClassDataset {
	return &ClassDataset{Users: make(map[string]*UserRecord)}
}
