package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"quiz-sync-relay/internal/domain"
)

const (
	upsertAnswerSQL = `
INSERT INTO answers (username, question_id, answer_value, "timestamp")
VALUES ($1, $2, $3, $4)
ON CONFLICT (username, question_id)
DO UPDATE SET answer_value = EXCLUDED.answer_value, "timestamp" = EXCLUDED."timestamp", updated_at = now()`

	selectAnswersSQL = `
SELECT username, question_id, answer_value, "timestamp"
FROM answers
ORDER BY "timestamp" ASC, username ASC, question_id ASC`

	selectAnswersByQuestionSQL = `
SELECT username, question_id, answer_value, "timestamp"
FROM answers
WHERE question_id = $1
ORDER BY "timestamp" ASC, username ASC`

	countAnswersSQL = `SELECT count(*), count(DISTINCT username) FROM answers`
)

// AnswerStore keeps answers in the Postgres answers table. Writes are plain
// upserts keyed by (username, question_id): whichever write arrives last wins.
type AnswerStore struct {
	pool *pgxpool.Pool
}

func NewAnswerStore(pool *pgxpool.Pool) *AnswerStore {
	return &AnswerStore{pool: pool}
}

func (s *AnswerStore) Upsert(ctx context.Context, rec domain.AnswerRecord) error {
	if err := rec.Validate(); err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, upsertAnswerSQL, rec.Username, rec.QuestionID, rec.Value, rec.Timestamp); err != nil {
		return fmt.Errorf("upsert answer: %w", err)
	}
	return nil
}

// UpsertBatch writes all records in one transaction. Callers must not pass
// two records with the same key.
func (s *AnswerStore) UpsertBatch(ctx context.Context, recs []domain.AnswerRecord) error {
	if len(recs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range recs {
		if err := rec.Validate(); err != nil {
			return err
		}
		batch.Queue(upsertAnswerSQL, rec.Username, rec.QuestionID, rec.Value, rec.Timestamp)
	}

	return s.pool.BeginFunc(ctx, func(tx pgx.Tx) error {
		results := tx.SendBatch(ctx, batch)
		for i := range recs {
			if _, err := results.Exec(); err != nil {
				_ = results.Close()
				return fmt.Errorf("upsert answer %d: %w", i, err)
			}
		}
		return results.Close()
	})
}

func (s *AnswerStore) List(ctx context.Context) ([]domain.AnswerRecord, error) {
	rows, err := s.pool.Query(ctx, selectAnswersSQL)
	if err != nil {
		return nil, fmt.Errorf("query answers: %w", err)
	}
	return scanAnswers(rows)
}

func (s *AnswerStore) ListByQuestion(ctx context.Context, questionID string) ([]domain.AnswerRecord, error) {
	rows, err := s.pool.Query(ctx, selectAnswersByQuestionSQL, questionID)
	if err != nil {
		return nil, fmt.Errorf("query answers for %s: %w", questionID, err)
	}
	return scanAnswers(rows)
}

func (s *AnswerStore) Counts(ctx context.Context) (int, int, error) {
	var total, users int
	if err := s.pool.QueryRow(ctx, countAnswersSQL).Scan(&total, &users); err != nil {
		return 0, 0, fmt.Errorf("count answers: %w", err)
	}
	return total, users, nil
}

func scanAnswers(rows pgx.Rows) ([]domain.AnswerRecord, error) {
	defer rows.Close()
	out := make([]domain.AnswerRecord, 0)
	for rows.Next() {
		var rec domain.AnswerRecord
		if err := rows.Scan(&rec.Username, &rec.QuestionID, &rec.Value, &rec.Timestamp); err != nil {
			return nil, fmt.Errorf("scan answer: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate answers: %w", err)
	}
	return out, nil
}
