package stats

import (
	"reflect"
	"testing"

	"quiz-sync-relay/internal/domain"
)

func TestComputeEmpty(t *testing.T) {
	got := Compute(nil, "q1")
	if got.Consensus != nil {
		t.Fatalf("expected nil consensus, got %q", *got.Consensus)
	}
	if got.Distribution == nil || len(got.Distribution) != 0 {
		t.Fatalf("expected empty non-nil distribution, got %v", got.Distribution)
	}
	if got.TotalResponses != 0 || got.UniqueUsers != 0 {
		t.Fatalf("expected zero totals, got %+v", got)
	}
}

func TestComputePluralityAndPercentages(t *testing.T) {
	records := []domain.AnswerRecord{
		{Username: "u1", QuestionID: "q1", Value: "A"},
		{Username: "u2", QuestionID: "q1", Value: "A"},
		{Username: "u3", QuestionID: "q1", Value: "B"},
		{Username: "u1", QuestionID: "q2", Value: "C"},
	}
	got := Compute(records, "q1")
	if got.Consensus == nil || *got.Consensus != "A" {
		t.Fatalf("expected consensus A, got %v", got.Consensus)
	}
	if !reflect.DeepEqual(got.Distribution, map[string]int{"A": 67, "B": 33}) {
		t.Fatalf("unexpected distribution %v", got.Distribution)
	}
	if got.TotalResponses != 3 || got.UniqueUsers != 3 {
		t.Fatalf("unexpected totals %+v", got)
	}
}

func TestComputeTieKeepsFirstSeen(t *testing.T) {
	records := []domain.AnswerRecord{
		{Username: "u1", QuestionID: "q1", Value: "B"},
		{Username: "u2", QuestionID: "q1", Value: "A"},
		{Username: "u3", QuestionID: "q1", Value: "A"},
		{Username: "u4", QuestionID: "q1", Value: "B"},
	}
	got := Compute(records, "q1")
	if got.Consensus == nil || *got.Consensus != "B" {
		t.Fatalf("expected first-seen B to keep the lead, got %v", got.Consensus)
	}

	reversed := []domain.AnswerRecord{records[1], records[0], records[2], records[3]}
	got = Compute(reversed, "q1")
	if *got.Consensus != "A" {
		t.Fatalf("expected first-seen A to keep the lead, got %v", *got.Consensus)
	}
}

func TestComputeRoundingMayNotSumTo100(t *testing.T) {
	records := []domain.AnswerRecord{
		{Username: "u1", QuestionID: "q1", Value: "A"},
		{Username: "u2", QuestionID: "q1", Value: "B"},
		{Username: "u3", QuestionID: "q1", Value: "C"},
	}
	got := Compute(records, "q1")
	for v, pct := range got.Distribution {
		if pct != 33 {
			t.Fatalf("expected 33 for %s, got %d", v, pct)
		}
	}
}
