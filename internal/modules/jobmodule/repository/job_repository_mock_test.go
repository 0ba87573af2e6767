package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	terrors "github.com/mantonx/mediarelay/internal/modules/transcodingmodule/errors"
)

// newMockRepo backs a repository with go-sqlmock through the postgres
// dialect.
func newMockRepo(t *testing.T) (*JobRepository, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })

	dialector := postgres.New(postgres.Config{
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	return NewJobRepository(db), mock
}

func TestGetByID_PropagatesDriverErrors(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE id = \$1`).
		WithArgs("job-1", 1).
		WillReturnError(errors.New("connection reset by peer"))

	_, err := repo.GetByID(context.Background(), "job-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, terrors.ErrJobNotFound)
	assert.Contains(t, err.Error(), "connection reset")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_NoRowsIsNotFound(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectQuery(`SELECT \* FROM "jobs" WHERE id = \$1`).
		WithArgs("missing", 1).
		WillReturnRows(sqlmock.NewRows([]string{"id", "session_id", "kind", "status"}))

	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, terrors.ErrJobNotFound)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMarkInterrupted_ReportsAffectedRows(t *testing.T) {
	repo, mock := newMockRepo(t)

	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE "jobs" SET`).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	n, err := repo.MarkInterrupted(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
