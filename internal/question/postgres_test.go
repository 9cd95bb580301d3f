package question

import (
	"context"
	"database/sql"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumanth-74/law-duel/internal/models"
)

var questionColumns = []string{"id", "subject", "stem", "choices", "correct_index", "explanation", "hint"}

func newMockBank(t *testing.T) (*PostgresBank, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewPostgresBank(db), mock
}

func TestPostgresBankNextQuestion(t *testing.T) {
	bank, mock := newMockBank(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM questions")).
		WithArgs("Evidence", sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows(questionColumns).
			AddRow("ev-001", "Evidence", "stem", `{"Hearsay","Not hearsay"}`, 1, "FRE 801", ""))

	q, err := bank.NextQuestion(context.Background(), "Evidence", nil)
	require.NoError(t, err)
	assert.Equal(t, "ev-001", q.ID)
	assert.Equal(t, []string{"Hearsay", "Not hearsay"}, q.Choices)
	assert.Equal(t, 1, q.CorrectIndex)

	mock.ExpectQuery(regexp.QuoteMeta("FROM questions")).
		WithArgs("Torts", sqlmock.AnyArg()).
		WillReturnError(sql.ErrNoRows)
	_, err = bank.NextQuestion(context.Background(), "Torts", []string{"x"})
	assert.ErrorIs(t, err, ErrNoQuestion)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBankHint(t *testing.T) {
	bank, mock := newMockBank(t)
	hintQuery := regexp.QuoteMeta("SELECT hint FROM questions WHERE id = $1")

	mock.ExpectQuery(hintQuery).WithArgs("ev-001").
		WillReturnRows(sqlmock.NewRows([]string{"hint"}).AddRow("Think about purpose."))
	mock.ExpectQuery(hintQuery).WithArgs("ev-002").
		WillReturnRows(sqlmock.NewRows([]string{"hint"}).AddRow(""))
	mock.ExpectQuery(hintQuery).WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	hint, err := bank.Hint(context.Background(), "ev-001")
	require.NoError(t, err)
	assert.Equal(t, "Think about purpose.", hint)

	_, err = bank.Hint(context.Background(), "ev-002")
	assert.ErrorIs(t, err, ErrNoHint)
	_, err = bank.Hint(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoHint)

	require.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresBankInsert(t *testing.T) {
	bank, mock := newMockBank(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO questions")).
		WithArgs("ct-001", "Contracts", "stem", sqlmock.AnyArg(), 1, "", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := bank.Insert(context.Background(), &models.Question{
		ID: "ct-001", Subject: "Contracts", Stem: "stem", Choices: []string{"A", "B"}, CorrectIndex: 1,
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}
