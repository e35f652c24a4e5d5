package audit

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func TestNewDBLogger(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS login_activity").WillReturnResult(sqlmock.NewResult(0, 0))

		logger, err := NewDBLogger(db)
		require.NoError(t, err)
		assert.NotNil(t, logger)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nil database", func(t *testing.T) {
		logger, err := NewDBLogger(nil)
		assert.Error(t, err)
		assert.Nil(t, logger)
	})

	t.Run("table creation error", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()

		mock.ExpectExec("CREATE TABLE IF NOT EXISTS login_activity").WillReturnError(errors.New("boom"))

		_, err := NewDBLogger(db)
		assert.Error(t, err)
		assert.Contains(t, err.Error(), "failed to ensure login_activity table")
	})
}

func TestRecordLoginActivity(t *testing.T) {
	t.Run("records entry", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		logger := &DBLogger{db: db}

		mock.ExpectExec("INSERT INTO login_activity").
			WithArgs("user@acme.test", "LOGIN_SUCCESS", "login succeeded", "Auth0").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := logger.RecordLoginActivity(context.Background(), "user@acme.test", CodeLoginSuccess, "login succeeded", "Auth0")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty email is substituted", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		logger := &DBLogger{db: db}

		mock.ExpectExec("INSERT INTO login_activity").
			WithArgs("<empty>", "UNKNOWN_IDENTITY", "no email claim", "Auth0").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := logger.RecordLoginActivity(context.Background(), "", CodeUnknownIdentity, "no email claim", "Auth0")
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestListRecent(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	logger := &DBLogger{db: db}

	now := time.Now()
	mock.ExpectQuery("SELECT id, email, code, message, provider, created_at").
		WithArgs(2).
		WillReturnRows(sqlmock.NewRows([]string{"id", "email", "code", "message", "provider", "created_at"}).
			AddRow(2, "b@acme.test", "LOGIN_FAILED", "USER_NOT_FOUND", "Auth0", now).
			AddRow(1, "a@acme.test", "LOGIN_SUCCESS", "login succeeded", "Auth0", now))

	entries, err := logger.ListRecent(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, CodeLoginFailed, entries[0].Code)
	assert.Equal(t, "a@acme.test", entries[1].Email)
}

func TestNopLogger(t *testing.T) {
	assert.NoError(t, NopLogger{}.RecordLoginActivity(context.Background(), "x", CodeLogout, "", "Auth0"))
}
