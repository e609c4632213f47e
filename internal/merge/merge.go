// Package merge reconciles user records arriving from imports and peer sync
// with the locally held copy.
package merge

import (
	"bytes"
	"fmt"

	"github.com/rs/zerolog/log"
	"quiz-sync-relay/internal/domain"
)

// Report counts what a merge changed.
type Report struct {
	AnswersUpdated  int
	AttemptsUpdated int
	ProgressUpdated int
	BadgesUpdated   int
	Skipped         int
}

// MergeUserRecords combines an existing record with an incoming one.
// It never mutates either argument and never loses data held by existing.
func MergeUserRecords(existing, incoming *domain.UserRecord) *domain.UserRecord {
	merged, _ := Merge(existing, incoming)
	return merged
}

// Merge is MergeUserRecords with a report of the applied changes.
//
// Rules: answers are latest-wins by timestamp with equal positive timestamps
// keeping the existing answer; attempts and progress are max-wins; badges keep
// the earliest earnedAt; preferences are replaced whole; currentActivity is
// left as existing has it. When one side is empty the other is returned as is.
func Merge(existing, incoming *domain.UserRecord) (merged *domain.UserRecord, rep Report) {
	if existing.IsEmpty() {
		return incoming, rep
	}
	if incoming.IsEmpty() {
		return existing, rep
	}

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("merge aborted, keeping existing user record")
			merged, rep = existing, Report{}
		}
	}()

	out := existing.Clone()
	out.EnsureMaps()

	mergeAnswers(out, incoming, &rep)
	mergeAttempts(out, incoming, &rep)
	mergeProgress(out, incoming, &rep)
	mergeBadges(out, incoming, &rep)
	if len(bytes.TrimSpace(incoming.Preferences)) > 0 {
		out.Preferences = bytes.Clone(incoming.Preferences)
	}

	log.Debug().
		Int("answers_updated", rep.AnswersUpdated).
		Int("attempts_updated", rep.AttemptsUpdated).
		Int("progress_updated", rep.ProgressUpdated).
		Int("badges_updated", rep.BadgesUpdated).
		Int("skipped", rep.Skipped).
		Msg("user records merged")
	return out, rep
}

// effectiveTimestamp prefers the inline answer timestamp, then the parallel
// timestamps map, then 0.
func effectiveTimestamp(rec *domain.UserRecord, questionID string, answer domain.Answer) (int64, error) {
	ts := answer.Timestamp
	if ts == 0 {
		ts = rec.Timestamps[questionID]
	}
	if ts < 0 {
		return 0, fmt.Errorf("%w: negative timestamp %d", domain.ErrMalformedTimestamp, ts)
	}
	return ts, nil
}

func mergeAnswers(out, incoming *domain.UserRecord, rep *Report) {
	for qid, in := range incoming.Answers {
		inTS, err := effectiveTimestamp(incoming, qid, in)
		if err != nil {
			log.Warn().Err(err).Str("question_id", qid).Msg("skipping incoming answer")
			rep.Skipped++
			continue
		}

		cur, exists := out.Answers[qid]
		var curTS int64
		if exists {
			curTS, err = effectiveTimestamp(out, qid, cur)
			if err != nil {
				log.Warn().Err(err).Str("question_id", qid).Msg("skipping answer with malformed local timestamp")
				rep.Skipped++
				continue
			}
		}

		switch {
		case !exists || inTS > curTS:
			in.Timestamp = inTS
			out.Answers[qid] = in
			if inTS > 0 {
				out.Timestamps[qid] = inTS
			} else {
				delete(out.Timestamps, qid)
			}
			if reason, ok := incoming.Reasons[qid]; ok && reason != "" {
				out.Reasons[qid] = reason
			}
			rep.AnswersUpdated++
		case inTS == curTS && curTS > 0:
			log.Trace().Str("question_id", qid).Int64("timestamp", curTS).Msg("identical timestamps, keeping existing answer")
		}
	}
}

func mergeAttempts(out, incoming *domain.UserRecord, rep *Report) {
	for qid, in := range incoming.Attempts {
		if in < 0 {
			log.Warn().Str("question_id", qid).Int("attempts", in).Msg("skipping negative attempt count")
			rep.Skipped++
			continue
		}
		if in > out.Attempts[qid] {
			out.Attempts[qid] = in
			rep.AttemptsUpdated++
		}
	}
}

func mergeProgress(out, incoming *domain.UserRecord, rep *Report) {
	for key, in := range incoming.Progress {
		if in > out.Progress[key] {
			out.Progress[key] = in
			rep.ProgressUpdated++
		}
	}
}

func mergeBadges(out, incoming *domain.UserRecord, rep *Report) {
	for id, in := range incoming.Badges {
		cur, exists := out.Badges[id]
		if !exists {
			out.Badges[id] = in
			rep.BadgesUpdated++
			continue
		}
		if in.EarnedAt > 0 && (cur.EarnedAt == 0 || in.EarnedAt < cur.EarnedAt) {
			out.Badges[id] = in
			rep.BadgesUpdated++
		}
	}
}
