package repository

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var classRowColumns = []string{
	"id", "name", "capacity", "allow_waitlist", "waitlist_capacity",
	"recruit_start_at", "recruit_end_at", "selection_type", "visibility", "active_form_id",
	"created_at", "updated_at",
}

func classRow(id string, capacity int, activeFormID interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(classRowColumns).
		AddRow(id, "Algebra", capacity, true, 10,
			now.Add(-time.Hour), now.Add(time.Hour), "FIRST_COME", "PUBLIC", activeFormID,
			now, now)
}

func TestClassRepositoryLockSnapshot(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	classRepo := NewClassRepository(db)
	enrollmentRepo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM classes WHERE id = $1 FOR UPDATE")).
		WithArgs("class-1").
		WillReturnRows(classRow("class-1", 30, "form-1"))
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) FILTER (WHERE status = $2)")).
		WithArgs("class-1", "APPROVED", "WAITLISTED").
		WillReturnRows(sqlmock.NewRows([]string{"approved", "waitlisted"}).AddRow(28, 4))
	mock.ExpectQuery(regexp.QuoteMeta("FROM application_forms WHERE id = $1 AND active = TRUE")).
		WithArgs("form-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "class_id", "questions", "active", "created_at"}).
			AddRow("form-1", "class-1", []byte(`[{"id":"q1","label":"Motivation","required":true}]`), true, time.Now()))
	mock.ExpectCommit()

	err := enrollmentRepo.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		snap, err := classRepo.LockSnapshot(context.Background(), tx, "class-1")
		require.NoError(t, err)
		assert.Equal(t, 28, snap.ApprovedCount)
		assert.Equal(t, 4, snap.WaitlistedCount)
		require.True(t, snap.HasActiveForm())
		require.Len(t, snap.Form.Questions, 1)
		assert.Equal(t, "q1", snap.Form.Questions[0].ID)
		assert.True(t, snap.SeatAvailable())
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassRepositoryLockSnapshotWithoutForm(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	classRepo := NewClassRepository(db)
	enrollmentRepo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM classes WHERE id = $1 FOR UPDATE")).
		WithArgs("class-1").
		WillReturnRows(classRow("class-1", 30, nil))
	mock.ExpectQuery(regexp.QuoteMeta("COUNT(*) FILTER (WHERE status = $2)")).
		WithArgs("class-1", "APPROVED", "WAITLISTED").
		WillReturnRows(sqlmock.NewRows([]string{"approved", "waitlisted"}).AddRow(0, 0))
	mock.ExpectCommit()

	err := enrollmentRepo.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		snap, err := classRepo.LockSnapshot(context.Background(), tx, "class-1")
		require.NoError(t, err)
		assert.False(t, snap.HasActiveForm())
		return nil
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassRepositoryLockSnapshotMissingClass(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	classRepo := NewClassRepository(db)
	enrollmentRepo := NewEnrollmentRepository(db)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM classes WHERE id = $1 FOR UPDATE")).
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(classRowColumns))
	mock.ExpectRollback()

	err := enrollmentRepo.WithTx(context.Background(), func(tx *sqlx.Tx) error {
		_, err := classRepo.LockSnapshot(context.Background(), tx, "missing")
		return err
	})
	assert.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClassRepositoryFindFormByID(t *testing.T) {
	db, mock, cleanup := newRepoMock(t)
	defer cleanup()

	repo := NewClassRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("FROM application_forms WHERE id = $1")).
		WithArgs("form-1").
		WillReturnRows(sqlmock.NewRows([]string{"id", "class_id", "questions", "active", "created_at"}).
			AddRow("form-1", "class-1", []byte(`[]`), false, time.Now()))

	form, err := repo.FindFormByID(context.Background(), "form-1")
	require.NoError(t, err)
	assert.Equal(t, "form-1", form.ID)
	assert.False(t, form.Active)
	require.NoError(t, mock.ExpectationsWereMet())
}
