package question

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
	"github.com/rotisserie/eris"

	"github.com/sumanth-74/law-duel/internal/models"
)

// PostgresBank 基于PostgreSQL的题库
type PostgresBank struct {
	db *sql.DB
}

// NewPostgresBank 创建题库
func NewPostgresBank(db *sql.DB) *PostgresBank {
	return &PostgresBank{db: db}
}

const selectQuestionSQL = `SELECT id, subject, stem, choices, correct_index, explanation, hint
FROM questions
WHERE subject = $1 AND NOT (id = ANY($2))
ORDER BY random()
LIMIT 1`

// NextQuestion 随机抽取本局未出现过的题目
func (b *PostgresBank) NextQuestion(ctx context.Context, subject string, excludeIDs []string) (*models.Question, error) {
	if excludeIDs == nil {
		// NULL 数组会让 ANY 返回 NULL 从而过滤掉所有行
		excludeIDs = []string{}
	}

	var q models.Question
	err := b.db.QueryRowContext(ctx, selectQuestionSQL, subject, pq.Array(excludeIDs)).Scan(
		&q.ID, &q.Subject, &q.Stem, pq.Array(&q.Choices), &q.CorrectIndex, &q.Explanation, &q.Hint,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, eris.Wrapf(ErrNoQuestion, "科目: %s", subject)
		}
		return nil, eris.Wrap(err, "查询题目失败")
	}
	return &q, nil
}

// Hint 读取题目提示
func (b *PostgresBank) Hint(ctx context.Context, questionID string) (string, error) {
	var hint string
	err := b.db.QueryRowContext(ctx, `SELECT hint FROM questions WHERE id = $1`, questionID).Scan(&hint)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", eris.Wrapf(ErrNoHint, "题目不存在: %s", questionID)
		}
		return "", eris.Wrap(err, "查询提示失败")
	}
	if hint == "" {
		return "", eris.Wrapf(ErrNoHint, "题目: %s", questionID)
	}
	return hint, nil
}

// Insert 写入题目，已存在时忽略
func (b *PostgresBank) Insert(ctx context.Context, q *models.Question) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO questions (id, subject, stem, choices, correct_index, explanation, hint)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (id) DO NOTHING`,
		q.ID, q.Subject, q.Stem, pq.Array(q.Choices), q.CorrectIndex, q.Explanation, q.Hint)
	if err != nil {
		return eris.Wrapf(err, "写入题目 %s 失败", q.ID)
	}
	return nil
}
