package repository

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/cca-portal-api/internal/models"
)

func newRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	sqlxDB := sqlx.NewDb(db, "postgres")
	return sqlxDB, mock, func() {
		sqlxDB.Close()
		db.Close()
	}
}

var selectionRowColumns = []string{"student_uid", "student_name", "student_email", "class_id", "activities", "submitted_at", "status"}

func TestLedgerRepositorySubmitFlowCommits(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	now := time.Now()
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock_shared($1)`)).
		WithArgs(ledgerGateKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock(hashtext($1))`)).
		WithArgs("stu-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM selections WHERE student_uid = $1`)).
		WithArgs("stu-1").
		WillReturnRows(sqlmock.NewRows(selectionRowColumns).
			AddRow("stu-1", "Jane", "jane@school.org", "class-1", []byte(`[{"id":"act-1","name":"Chess"}]`), now, "submitted"))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM activities WHERE id = ANY($1) ORDER BY id FOR UPDATE`)).
		WithArgs(pq.Array([]string{"act-2"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "vendor_id", "max_seats", "enrolled_count", "active", "created_at", "updated_at"}).
			AddRow("act-2", "Robotics", "", nil, 10, 4, true, now, now))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE activities SET enrolled_count = GREATEST(enrolled_count + $2, 0)`)).
		WithArgs("act-2", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO selections`)).
		WithArgs("stu-1", "Jane", "jane@school.org", "class-1", sqlmock.AnyArg(), sqlmock.AnyArg(), models.SelectionStatusSubmitted).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := repo.WithinTx(context.Background(), func(tx LedgerTx) error {
		require.NoError(t, tx.LockStudent(context.Background(), "stu-1"))
		current, err := tx.GetSelection(context.Background(), "stu-1")
		require.NoError(t, err)
		require.NotNil(t, current)
		assert.Equal(t, []string{"act-1"}, current.Activities.IDs())

		activities, err := tx.GetActivities(context.Background(), []string{"act-2"})
		require.NoError(t, err)
		require.Contains(t, activities, "act-2")
		assert.Equal(t, 4, activities["act-2"].EnrolledCount)

		require.NoError(t, tx.AdjustEnrolled(context.Background(), "act-2", 1))
		current.Activities = append(current.Activities, activities["act-2"].Ref())
		return tx.SaveSelection(context.Background(), current)
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryWithinTxRollsBackOnError(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock_shared($1)`)).
		WithArgs(ledgerGateKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(`FROM selections WHERE student_uid = $1`)).
		WithArgs("stu-9").
		WillReturnRows(sqlmock.NewRows(selectionRowColumns))
	mock.ExpectRollback()

	sentinel := errors.New("activity is full")
	err := repo.WithinTx(context.Background(), func(tx LedgerTx) error {
		current, err := tx.GetSelection(context.Background(), "stu-9")
		require.NoError(t, err)
		assert.Nil(t, current)
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryDeleteSelectionBatch(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(ledgerGateKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM selections WHERE student_uid IN (
	SELECT student_uid FROM selections ORDER BY student_uid LIMIT $1 FOR UPDATE)`)).
		WithArgs(400).
		WillReturnResult(sqlmock.NewResult(0, 400))
	mock.ExpectCommit()

	deleted, err := repo.DeleteSelectionBatch(context.Background(), 400)
	require.NoError(t, err)
	assert.EqualValues(t, 400, deleted)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryResetEnrolledBatchRollsBackOnFailure(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(ledgerGateKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE activities SET enrolled_count = 0`)).
		WithArgs(400).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := repo.ResetEnrolledBatch(context.Background(), 400)
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryListSearchesNameAndEmail(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT student_uid, student_name, student_email, class_id, activities, submitted_at, status FROM selections WHERE 1=1 AND (LOWER(student_name) LIKE $1 OR LOWER(student_email) LIKE $1)`)).
		WithArgs("%jane%").
		WillReturnRows(sqlmock.NewRows(selectionRowColumns).
			AddRow("stu-1", "Jane", "jane@school.org", "class-1", []byte(`[]`), now, "submitted"))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM selections`)).
		WithArgs("%jane%").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

	items, total, err := repo.List(context.Background(), models.SelectionFilter{Search: "Jane"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, items, 1)
	assert.Equal(t, "stu-1", items[0].StudentUID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryListAfterPagesByUID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`FROM selections WHERE student_uid > $1 ORDER BY student_uid LIMIT $2`)).
		WithArgs("stu-1", 2).
		WillReturnRows(sqlmock.NewRows(selectionRowColumns).
			AddRow("stu-2", "Ben", "ben@school.org", "class-1", []byte(`[]`), time.Now(), "submitted"))

	items, err := repo.ListAfter(context.Background(), "stu-1", 2)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, "stu-2", items[0].StudentUID)
}

func TestLedgerRepositoryResetEnrolledBatchWaitsForLockedRows(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock($1)`)).
		WithArgs(ledgerGateKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(`WHERE enrolled_count <> 0 ORDER BY id LIMIT $1 FOR UPDATE)`)).
		WithArgs(400).
		WillReturnResult(sqlmock.NewResult(0, 12))
	mock.ExpectCommit()

	reset, err := repo.ResetEnrolledBatch(context.Background(), 400)
	require.NoError(t, err)
	assert.EqualValues(t, 12, reset)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryRemaining(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT (SELECT COUNT(*) FROM selections) AS records`)).
		WillReturnRows(sqlmock.NewRows([]string{"records", "held"}).AddRow(3, 1))

	records, held, err := repo.Remaining(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 3, records)
	assert.EqualValues(t, 1, held)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLedgerRepositoryRegistrationOpenInsideTx(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewLedgerRepository(db)

	query := regexp.QuoteMeta(`SELECT value FROM configurations WHERE key = $1 FOR SHARE`)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`SELECT pg_advisory_xact_lock_shared($1)`)).
		WithArgs(ledgerGateKey).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(query).
		WithArgs(models.ConfigKeyRegistrationOpen).
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow("false"))
	mock.ExpectQuery(query).
		WithArgs(models.ConfigKeyRegistrationOpen).
		WillReturnRows(sqlmock.NewRows([]string{"value"}))
	mock.ExpectCommit()

	err := repo.WithinTx(context.Background(), func(tx LedgerTx) error {
		open, found, err := tx.RegistrationOpen(context.Background())
		require.NoError(t, err)
		assert.True(t, found)
		assert.False(t, open)

		_, found, err = tx.RegistrationOpen(context.Background())
		require.NoError(t, err)
		assert.False(t, found)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}
