package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/cca-portal-api/internal/models"
)

func TestActivityRepositoryListFilters(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`FROM activities WHERE vendor_id = $1 AND active = TRUE AND id = ANY($2) ORDER BY name ASC, id ASC`)).
		WithArgs("vendor-1", pq.Array([]string{"act-1"})).
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "description", "vendor_id", "max_seats", "enrolled_count", "active", "created_at", "updated_at"}).
			AddRow("act-1", "Chess", "", "vendor-1", 20, 3, true, now, now))

	items, err := repo.List(context.Background(), models.ActivityFilter{VendorID: "vendor-1", ActiveOnly: true, IDs: []string{"act-1"}})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.NotNil(t, items[0].VendorID)
	assert.Equal(t, "vendor-1", *items[0].VendorID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityRepositoryCreateStartsEmpty(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO activities`)).
		WithArgs(sqlmock.AnyArg(), "Chess", "Board games", nil, 20, true, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	activity := &models.Activity{Name: "Chess", Description: "Board games", MaxSeats: 20, Active: true, EnrolledCount: 7}
	require.NoError(t, repo.Create(context.Background(), activity))
	assert.NotEmpty(t, activity.ID)
	assert.Zero(t, activity.EnrolledCount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityRepositoryDeleteIfEmptyReportsOccupied(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM activities WHERE id = $1 AND enrolled_count = 0`)).
		WithArgs("act-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.DeleteIfEmpty(context.Background(), "act-1")
	assert.ErrorIs(t, err, sql.ErrNoRows)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityRepositoryUpdateGuardsSeatCap(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	query := regexp.QuoteMeta(`WHERE id = $7 AND ($8 = 0 OR enrolled_count <= $9)`)
	mock.ExpectExec(query).
		WithArgs("Chess", "", nil, 5, true, sqlmock.AnyArg(), "act-1", 5, 5).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(query).
		WithArgs("Chess", "", nil, 0, true, sqlmock.AnyArg(), "act-1", 0, 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Update(context.Background(), &models.Activity{ID: "act-1", Name: "Chess", MaxSeats: 5, Active: true})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, repo.Update(context.Background(), &models.Activity{ID: "act-1", Name: "Chess", MaxSeats: 0, Active: true}))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestActivityRepositoryCountByVendor(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()
	repo := NewActivityRepository(db)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT COUNT(*) FROM activities WHERE vendor_id = $1`)).
		WithArgs("vendor-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))

	count, err := repo.CountByVendor(context.Background(), "vendor-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}
