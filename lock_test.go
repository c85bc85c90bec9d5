package migrasi

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileLocker(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	first := NewFileLocker(dir)
	require.NoError(t, first.Lock(ctx))

	info, err := first.Info()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), info.PID)
	assert.NotEmpty(t, info.Owner)
	assert.NotEmpty(t, info.StartTime)

	second := NewFileLocker(dir)
	err = second.Lock(ctx)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Contains(t, err.Error(), "held by")

	require.NoError(t, first.Unlock(ctx))
	_, err = os.Stat(first.Path())
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, second.Lock(ctx))
	require.NoError(t, second.Unlock(ctx))
	// Unlocking twice is harmless.
	assert.NoError(t, second.Unlock(ctx))
}

func TestFileLocker_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	locker := NewFileLocker(t.TempDir())
	assert.ErrorIs(t, locker.Lock(ctx), context.Canceled)
	_, err := os.Stat(locker.Path())
	assert.True(t, os.IsNotExist(err))
}

func TestAdvisoryLocker_Postgres(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	locker, err := NewAdvisoryLocker(NewPostgresDriverFromDB(db), "schema_ledger")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(locker.key).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectExec(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(locker.key).
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx := context.Background()
	require.NoError(t, locker.Lock(ctx))
	assert.Error(t, locker.Lock(ctx), "a held lock cannot be taken again")
	require.NoError(t, locker.Unlock(ctx))
	assert.NoError(t, locker.Unlock(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_MySqlWaitsForHolder(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	locker, err := NewAdvisoryLocker(NewMySqlDriverFromDB(db), "schema_ledger")
	require.NoError(t, err)
	assert.Equal(t, "migrasi:schema_ledger", locker.name)

	mock.ExpectQuery(`SELECT GET_LOCK\(\?, 0\)`).
		WithArgs("migrasi:schema_ledger").
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(0))
	mock.ExpectQuery(`SELECT GET_LOCK\(\?, 0\)`).
		WithArgs("migrasi:schema_ledger").
		WillReturnRows(sqlmock.NewRows([]string{"GET_LOCK"}).AddRow(1))
	mock.ExpectExec(`SELECT RELEASE_LOCK\(\?\)`).
		WithArgs("migrasi:schema_ledger").
		WillReturnResult(sqlmock.NewResult(0, 0))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	require.NoError(t, locker.Lock(ctx))
	require.NoError(t, locker.Unlock(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_Timeout(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	locker, err := NewAdvisoryLocker(NewPostgresDriverFromDB(db), "schema_ledger")
	require.NoError(t, err)

	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = locker.Lock(ctx)
	assert.True(t, errors.Is(err, ErrLocked))
	assert.Nil(t, locker.conn)
}

func TestAdvisoryLocker_Unsupported(t *testing.T) {
	_, err := NewAdvisoryLocker(newSqliteDriver(t), "schema_ledger")
	assert.ErrorContains(t, err, "advisory locks are not supported")
}

func TestAdvisoryLocker_KeyIsStable(t *testing.T) {
	a, err := NewAdvisoryLocker(NewPostgresDriverFromDB(nil), "schema_ledger")
	require.NoError(t, err)
	b, err := NewAdvisoryLocker(NewPostgresDriverFromDB(nil), "schema_ledger")
	require.NoError(t, err)
	c, err := NewAdvisoryLocker(NewPostgresDriverFromDB(nil), "other_ledger")
	require.NoError(t, err)

	assert.Equal(t, a.key, b.key)
	assert.NotEqual(t, a.key, c.key)
}
