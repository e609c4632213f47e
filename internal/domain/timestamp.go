package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// isoLayouts lists the textual encodings accepted for answer timestamps, most common first.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999-07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// NormalizeTimestamp converts a numeric epoch or an ISO-8601 string into epoch milliseconds.
// ok is false when the input cannot be interpreted; callers treat that as unknown and sort it last.
// Already-normalized values pass through unchanged, so the function is idempotent.
func NormalizeTimestamp(raw any) (int64, bool) {
	switch v := raw.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case int32:
		return int64(v), true
	case Timestamp:
		return int64(v), true
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) || math.Abs(v) >= math.MaxInt64 {
			return 0, false
		}
		return int64(v), true
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, true
		}
		f, err := v.Float64()
		if err != nil {
			return 0, false
		}
		return NormalizeTimestamp(f)
	case time.Time:
		if v.IsZero() {
			return 0, false
		}
		return v.UnixMilli(), true
	case string:
		return parseTimestampString(v)
	default:
		return 0, false
	}
}

func parseTimestampString(raw string) (int64, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n, true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return NormalizeTimestamp(f)
	}
	for _, layout := range isoLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UnixMilli(), true
		}
	}
	return 0, false
}

// Timestamp is an epoch-millisecond value that decodes from either a JSON number or a date string.
type Timestamp int64

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	// null, absent and "" all mean no timestamp was supplied
	if len(data) == 0 || bytes.Equal(data, []byte("null")) || bytes.Equal(data, []byte(`""`)) {
		*t = 0
		return nil
	}
	var raw any
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedTimestamp, err)
	}
	ms, ok := NormalizeTimestamp(raw)
	if !ok {
		return fmt.Errorf("%w: %s", ErrMalformedTimestamp, string(data))
	}
	*t = Timestamp(ms)
	return nil
}

// Millis returns the timestamp as plain epoch milliseconds.
func (t Timestamp) Millis() int64 {
	return int64(t)
}

// decodeLoose decodes raw JSON keeping numbers as json.Number.
func decodeLoose(raw json.RawMessage) (any, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}
