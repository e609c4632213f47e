package domain

import (
	"encoding/json"
	"math"
	"testing"
	"time"
)

func TestNormalizeTimestampEncodings(t *testing.T) {
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC).UnixMilli()

	cases := []struct {
		name string
		raw  any
	}{
		{"int64", want},
		{"float64", float64(want)},
		{"json number", json.Number("1709296200000")},
		{"numeric string", "1709296200000"},
		{"rfc3339", "2024-03-01T12:30:00Z"},
		{"rfc3339 millis", "2024-03-01T12:30:00.000Z"},
		{"offset", "2024-03-01T13:30:00+01:00"},
		{"time", time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		got, ok := NormalizeTimestamp(tc.raw)
		if !ok {
			t.Fatalf("%s: expected ok", tc.name)
		}
		if got != want {
			t.Fatalf("%s: expected %d, got %d", tc.name, want, got)
		}
	}
}

func TestNormalizeTimestampIsIdempotent(t *testing.T) {
	inputs := []any{int64(1700000000000), "2023-11-14T22:13:20Z", 1.7e12, "1700000000000"}
	for _, in := range inputs {
		once, ok := NormalizeTimestamp(in)
		if !ok {
			t.Fatalf("normalize %v failed", in)
		}
		twice, ok := NormalizeTimestamp(once)
		if !ok || twice != once {
			t.Fatalf("expected idempotent result for %v: %d then %d", in, once, twice)
		}
	}
}

func TestNormalizeTimestampRejectsGarbage(t *testing.T) {
	for _, in := range []any{"", "yesterday", math.NaN(), math.Inf(1), 1e19, -1e300, "9.3e18", nil, true, []int{1}} {
		if _, ok := NormalizeTimestamp(in); ok {
			t.Fatalf("expected %v to be unknown", in)
		}
	}
}

func TestTimestampUnmarshal(t *testing.T) {
	var body struct {
		A Timestamp `json:"a"`
		B Timestamp `json:"b"`
		C Timestamp `json:"c"`
		D Timestamp `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a": 1000, "b": "1970-01-01T00:00:02Z", "c": null, "d": ""}`), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body.A != 1000 || body.B != 2000 || body.C != 0 || body.D != 0 {
		t.Fatalf("unexpected values %+v", body)
	}

	var bad struct {
		A Timestamp `json:"a"`
	}
	if err := json.Unmarshal([]byte(`{"a": "not a date"}`), &bad); err == nil {
		t.Fatalf("expected error for malformed timestamp")
	}
}
