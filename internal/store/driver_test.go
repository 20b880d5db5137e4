package store

import (
	"context"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockDB returns a store wired to sqlmock instead of a SQLite file, for
// failures a real database will not produce on demand.
func mockDB(t *testing.T) (*DB, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &DB{conn: conn, path: "sqlmock"}, mock
}

func TestUpsertMessagesDriverFailures(t *testing.T) {
	insert := regexp.QuoteMeta("INSERT INTO messages")
	batch := []Message{
		{ID: "m1", ChatID: "c1", Content: "hi", CreatedAt: "2024-01-01T10:00:00.000Z"},
		{ID: "m2", ChatID: "c1", Content: "yo", CreatedAt: "2024-01-01T10:01:00.000Z"},
	}

	tests := []struct {
		name    string
		setup   func(sqlmock.Sqlmock)
		wantMsg string
	}{
		{
			name: "exec fails mid batch",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec(insert).WillReturnError(assert.AnError)
				mock.ExpectRollback()
			},
			wantMsg: "upsert message m2",
		},
		{
			name: "commit fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin()
				mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(1, 1))
				mock.ExpectExec(insert).WillReturnResult(sqlmock.NewResult(2, 1))
				mock.ExpectCommit().WillReturnError(assert.AnError)
			},
			wantMsg: "commit messages",
		},
		{
			name: "begin fails",
			setup: func(mock sqlmock.Sqlmock) {
				mock.ExpectBegin().WillReturnError(assert.AnError)
			},
			wantMsg: "begin tx",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock := mockDB(t)
			tt.setup(mock)

			err := db.UpsertMessages(context.Background(), batch)
			assert.ErrorIs(t, err, assert.AnError)
			assert.ErrorContains(t, err, tt.wantMsg)
			assert.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestUpsertMessagesEmptyBatchSkipsDriver(t *testing.T) {
	db, mock := mockDB(t)
	require.NoError(t, db.UpsertMessages(context.Background(), nil))
	assert.NoError(t, mock.ExpectationsWereMet())
}
