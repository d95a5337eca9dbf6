package store

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockPostgres(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		_ = db.Close()
	})
	return NewPostgresStore(db), mock
}

func TestPostgresStore_EnsureSchema(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS docsync_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	require.NoError(t, s.EnsureSchema(context.Background()))
}

func TestPostgresStore_Create(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO docsync_documents").
		WithArgs("doc", 0, 0, sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, s.Create(context.Background(), "doc"))
}

func TestPostgresStore_CreateDuplicate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectExec("INSERT INTO docsync_documents").
		WillReturnError(&pq.Error{Code: uniqueViolation})
	require.ErrorIs(t, s.Create(context.Background(), "doc"), ErrExists)
}

func TestPostgresStore_Get(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery("SELECT name, snapshot, snapshot_version, version, created_at, updated_at FROM docsync_documents").
		WithArgs("doc").
		WillReturnRows(sqlmock.NewRows(documentColumns).
			AddRow("doc", []byte("snap"), 3, 5, now, now))

	info, err := s.Get(context.Background(), "doc")
	require.NoError(t, err)
	assert.Equal(t, &DocumentInfo{
		Name:            "doc",
		Snapshot:        []byte("snap"),
		SnapshotVersion: 3,
		Version:         5,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, info)
}

func TestPostgresStore_GetNotFound(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectQuery("SELECT .* FROM docsync_documents").
		WithArgs("missing").
		WillReturnRows(sqlmock.NewRows(documentColumns))

	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_List(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .* FROM docsync_documents ORDER BY name").
		WillReturnRows(sqlmock.NewRows(documentColumns).
			AddRow("a", nil, 0, 0, now, now).
			AddRow("b", []byte("s"), 1, 2, now, now))

	docs, err := s.List(context.Background())
	require.NoError(t, err)
	require.Len(t, docs, 2)
	assert.Equal(t, "a", docs[0].Name)
	assert.Equal(t, 2, docs[1].Version)
}

func TestPostgresStore_AppendUpdate(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE docsync_documents SET version").
		WithArgs(4, sqlmock.AnyArg(), "doc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO docsync_updates").
		WithArgs("doc", 4, []byte("u4")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, s.AppendUpdate(context.Background(), "doc", []byte("u4"), 4))
}

func TestPostgresStore_AppendUpdateMissingDocument(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE docsync_documents").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	err := s.AppendUpdate(context.Background(), "missing", []byte("u"), 1)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresStore_SaveCompacts(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec(`UPDATE docsync_documents SET snapshot = \$1, snapshot_version = \$2, version = GREATEST\(version, \$3\)`).
		WithArgs([]byte("snap"), 2, 2, sqlmock.AnyArg(), "doc").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM docsync_updates").
		WithArgs("doc", 2).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	require.NoError(t, s.Save(context.Background(), "doc", []byte("snap"), 2))
}

func TestPostgresStore_SaveRollsBackOnError(t *testing.T) {
	s, mock := newMockPostgres(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE docsync_documents").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM docsync_updates").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := s.Save(context.Background(), "doc", []byte("snap"), 2)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestPostgresStore_GetUpdates(t *testing.T) {
	s, mock := newMockPostgres(t)
	now := time.Now().UTC()
	mock.ExpectQuery("SELECT .* FROM docsync_documents").
		WithArgs("doc").
		WillReturnRows(sqlmock.NewRows(documentColumns).AddRow("doc", nil, 0, 2, now, now))
	mock.ExpectQuery("SELECT payload FROM docsync_updates").
		WithArgs("doc", 0).
		WillReturnRows(sqlmock.NewRows([]string{"payload"}).
			AddRow([]byte("u1")).
			AddRow([]byte("u2")))

	updates, err := s.GetUpdates(context.Background(), "doc", 0)
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("u1"), []byte("u2")}, updates)
}
