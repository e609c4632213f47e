package merge

import (
	"encoding/json"
	"reflect"
	"testing"

	"quiz-sync-relay/internal/domain"
)

func record(answers map[string]domain.Answer) *domain.UserRecord {
	r := &domain.UserRecord{Answers: answers}
	return r
}

func TestMergeVacuousSides(t *testing.T) {
	b := record(map[string]domain.Answer{"q1": {Value: "A", Timestamp: 1}})
	if got := MergeUserRecords(nil, b); got != b {
		t.Fatalf("expected incoming returned when existing is nil")
	}
	if got := MergeUserRecords(&domain.UserRecord{}, b); got != b {
		t.Fatalf("expected incoming returned when existing is empty")
	}
	if got := MergeUserRecords(b, nil); got != b {
		t.Fatalf("expected existing returned when incoming is nil")
	}
}

func TestMergeLatestWins(t *testing.T) {
	existing := record(map[string]domain.Answer{"q1": {Value: "A", Timestamp: 100}})
	incoming := record(map[string]domain.Answer{"q1": {Value: "B", Timestamp: 200}})
	incoming.Reasons = map[string]string{"q1": "changed my mind"}

	got := MergeUserRecords(existing, incoming)
	if got.Answers["q1"].Value != "B" || got.Answers["q1"].Timestamp != 200 {
		t.Fatalf("expected newer answer B@200, got %+v", got.Answers["q1"])
	}
	if got.Timestamps["q1"] != 200 {
		t.Fatalf("expected timestamps map updated, got %d", got.Timestamps["q1"])
	}
	if got.Reasons["q1"] != "changed my mind" {
		t.Fatalf("expected reason copied, got %q", got.Reasons["q1"])
	}
	if existing.Answers["q1"].Value != "A" {
		t.Fatalf("existing must not be mutated")
	}

	got = MergeUserRecords(incoming, existing)
	if got.Answers["q1"].Value != "B" {
		t.Fatalf("older incoming must not replace newer existing, got %+v", got.Answers["q1"])
	}
}

func TestMergeEqualTimestampKeepsExisting(t *testing.T) {
	existing := record(map[string]domain.Answer{"q1": {Value: "A", Timestamp: 100}})
	incoming := record(map[string]domain.Answer{"q1": {Value: "B", Timestamp: 100}})
	got := MergeUserRecords(existing, incoming)
	if got.Answers["q1"].Value != "A" {
		t.Fatalf("expected existing kept on tie, got %+v", got.Answers["q1"])
	}
}

func TestMergeUsesTimestampsMapFallback(t *testing.T) {
	existing := record(map[string]domain.Answer{"q1": {Value: "A"}})
	existing.Timestamps = map[string]int64{"q1": 500}
	incoming := record(map[string]domain.Answer{"q1": {Value: "B"}})
	incoming.Timestamps = map[string]int64{"q1": 400}

	got := MergeUserRecords(existing, incoming)
	if got.Answers["q1"].Value != "A" {
		t.Fatalf("expected map timestamp 500 to beat 400, got %+v", got.Answers["q1"])
	}

	incoming.Timestamps["q1"] = 600
	got = MergeUserRecords(existing, incoming)
	if got.Answers["q1"].Value != "B" || got.Timestamps["q1"] != 600 {
		t.Fatalf("expected B@600, got %+v ts=%d", got.Answers["q1"], got.Timestamps["q1"])
	}
}

func TestMergeAddsNewQuestions(t *testing.T) {
	existing := record(map[string]domain.Answer{"q1": {Value: "A", Timestamp: 1}})
	incoming := record(map[string]domain.Answer{"q2": {Value: "C"}})
	got := MergeUserRecords(existing, incoming)
	if len(got.Answers) != 2 || got.Answers["q2"].Value != "C" {
		t.Fatalf("expected q2 added, got %+v", got.Answers)
	}
	if _, ok := got.Timestamps["q2"]; ok {
		t.Fatalf("expected no timestamp recorded for undated answer")
	}
}

func TestMergeMaxWinsAttemptsAndProgress(t *testing.T) {
	existing := &domain.UserRecord{
		Attempts: map[string]int{"q1": 3, "q2": 1},
		Progress: map[string]float64{"unit1": 0.8},
	}
	incoming := &domain.UserRecord{
		Attempts: map[string]int{"q1": 2, "q2": 4, "q3": -1},
		Progress: map[string]float64{"unit1": 0.5, "unit2": 0.25},
	}
	got, rep := Merge(existing, incoming)
	if got.Attempts["q1"] != 3 || got.Attempts["q2"] != 4 {
		t.Fatalf("unexpected attempts %+v", got.Attempts)
	}
	if _, ok := got.Attempts["q3"]; ok {
		t.Fatalf("negative attempt count should be skipped")
	}
	if got.Progress["unit1"] != 0.8 || got.Progress["unit2"] != 0.25 {
		t.Fatalf("unexpected progress %+v", got.Progress)
	}
	if rep.Skipped != 1 || rep.AttemptsUpdated != 1 || rep.ProgressUpdated != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestMergeBadgesKeepEarliest(t *testing.T) {
	existing := &domain.UserRecord{Badges: map[string]domain.Badge{
		"streak": {EarnedAt: 500},
		"first":  {},
	}}
	incoming := &domain.UserRecord{Badges: map[string]domain.Badge{
		"streak": {EarnedAt: 300},
		"first":  {EarnedAt: 900},
		"new":    {EarnedAt: 1000},
	}}
	got := MergeUserRecords(existing, incoming)
	want := map[string]domain.Badge{
		"streak": {EarnedAt: 300},
		"first":  {EarnedAt: 900},
		"new":    {EarnedAt: 1000},
	}
	if !reflect.DeepEqual(got.Badges, want) {
		t.Fatalf("badges = %+v, want %+v", got.Badges, want)
	}

	got = MergeUserRecords(incoming, existing)
	if got.Badges["streak"].EarnedAt != 300 {
		t.Fatalf("later badge must not replace earlier one, got %+v", got.Badges["streak"])
	}
}

func TestMergePreferencesReplacedActivityKept(t *testing.T) {
	qid := "q7"
	existing := &domain.UserRecord{
		Preferences:     json.RawMessage(`{"theme":"dark","sound":true}`),
		CurrentActivity: &domain.Activity{State: domain.ActivityAnswering, QuestionID: &qid, LastUpdate: 10},
	}
	incoming := &domain.UserRecord{
		Preferences:     json.RawMessage(`{"theme":"light"}`),
		CurrentActivity: &domain.Activity{State: domain.ActivityIdle, LastUpdate: 99},
	}
	got := MergeUserRecords(existing, incoming)
	if string(got.Preferences) != `{"theme":"light"}` {
		t.Fatalf("expected preferences replaced whole, got %s", got.Preferences)
	}
	if got.CurrentActivity.State != domain.ActivityAnswering || *got.CurrentActivity.QuestionID != "q7" {
		t.Fatalf("expected current activity untouched, got %+v", got.CurrentActivity)
	}
}

func TestMergeSkipsMalformedTimestamp(t *testing.T) {
	existing := record(map[string]domain.Answer{"q1": {Value: "A", Timestamp: 100}})
	incoming := record(map[string]domain.Answer{
		"q1": {Value: "B", Timestamp: -5},
		"q2": {Value: "C", Timestamp: 10},
	})
	got, rep := Merge(existing, incoming)
	if got.Answers["q1"].Value != "A" {
		t.Fatalf("malformed entry should be skipped, got %+v", got.Answers["q1"])
	}
	if got.Answers["q2"].Value != "C" {
		t.Fatalf("well-formed sibling should merge, got %+v", got.Answers)
	}
	if rep.Skipped != 1 {
		t.Fatalf("expected 1 skipped, got %d", rep.Skipped)
	}
}

func TestMergeSelfIsIdempotent(t *testing.T) {
	a := &domain.UserRecord{
		Answers:    map[string]domain.Answer{"q1": {Value: "A", Timestamp: 100}, "q2": {Value: "B"}},
		Timestamps: map[string]int64{"q1": 100},
		Attempts:   map[string]int{"q1": 2},
		Progress:   map[string]float64{"u1": 0.5},
		Badges:     map[string]domain.Badge{"b": {EarnedAt: 7}},
		Reasons:    map[string]string{"q1": "because"},
	}
	got := MergeUserRecords(a, a.Clone())
	want := a.Clone()
	want.EnsureMaps()
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("self merge changed record:\n got %+v\nwant %+v", got, want)
	}
}

func TestMergeNeverLosesExistingKeys(t *testing.T) {
	existing := record(map[string]domain.Answer{
		"q1": {Value: "A", Timestamp: 10},
		"q2": {Value: "B", Timestamp: 20},
	})
	incoming := record(map[string]domain.Answer{"q3": {Value: "C", Timestamp: 5}})
	got := MergeUserRecords(existing, incoming)
	for qid := range existing.Answers {
		if _, ok := got.Answers[qid]; !ok {
			t.Fatalf("merge dropped existing answer %s", qid)
		}
	}
}
