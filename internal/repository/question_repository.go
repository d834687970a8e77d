package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stemsi/testsync/internal/model"
)

// QuestionRepository reads the question bank's answer key.
type QuestionRepository struct {
	pool *pgxpool.Pool
}

// NewQuestionRepository creates a new QuestionRepository.
func NewQuestionRepository(pool *pgxpool.Pool) *QuestionRepository {
	return &QuestionRepository{pool: pool}
}

// AnswerKeys returns the correct option of every listed question that exists.
func (r *QuestionRepository) AnswerKeys(ctx context.Context, ids []int64) ([]model.QuestionKey, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.pool.Query(ctx,
		`SELECT id, correct_answer
		 FROM questions WHERE id = ANY($1::bigint[])`, ids,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []model.QuestionKey
	for rows.Next() {
		var k model.QuestionKey
		if err := rows.Scan(&k.QuestionID, &k.CorrectAnswer); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// Upsert inserts or replaces answer key entries.
func (r *QuestionRepository) Upsert(ctx context.Context, keys []model.QuestionKey) error {
	if len(keys) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(keys))
	answers := make([]string, 0, len(keys))
	for _, k := range keys {
		ids = append(ids, k.QuestionID)
		answers = append(answers, k.CorrectAnswer)
	}
	_, err := r.pool.Exec(ctx,
		`INSERT INTO questions (id, correct_answer)
		 SELECT * FROM UNNEST($1::bigint[], $2::text[])
		 ON CONFLICT (id) DO UPDATE SET correct_answer = EXCLUDED.correct_answer`,
		ids, answers,
	)
	return err
}
