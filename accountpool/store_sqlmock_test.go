package accountpool

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/require"
)

// newMockStore builds a Store directly over a sqlmock connection, skipping
// Open's migration run — these tests exercise query error propagation, not
// schema setup.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return &Store{db: db, log: nil}, mock
}

func TestGetWrapsDriverErrorDistinctFromNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT username, display_name").
		WithArgs("ghost").
		WillReturnError(sql.ErrNoRows)

	_, err := store.Get(context.Background(), "ghost")
	require.Error(t, err)
	require.ErrorIs(t, err, sql.ErrNoRows)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetPropagatesUnexpectedDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("connection reset by peer")

	mock.ExpectQuery("SELECT username, display_name").
		WithArgs("a1").
		WillReturnError(boom)

	_, err := store.Get(context.Background(), "a1")
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextAvailableWrapsUnexpectedDriverError(t *testing.T) {
	store, mock := newMockStore(t)
	boom := errors.New("database is locked")

	mock.ExpectQuery("SELECT a.username").
		WillReturnError(boom)

	_, err := store.NextAvailable(context.Background(), "SearchTimeline")
	require.Error(t, err)
	require.ErrorIs(t, err, boom)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNextAvailableNoRowsIsNotAnError(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery("SELECT a.username").
		WillReturnError(sql.ErrNoRows)

	cand, err := store.NextAvailable(context.Background(), "SearchTimeline")
	require.NoError(t, err)
	require.Nil(t, cand.Account)
}
