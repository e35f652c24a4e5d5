package directory

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock
}

func beginTx(t *testing.T, db *sql.DB, mock sqlmock.Sqlmock) *Tx {
	mock.ExpectBegin()
	tx, err := NewStore(db).Begin(context.Background())
	require.NoError(t, err)
	return tx
}

func TestEnsureSchema(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectExec("CREATE TABLE IF NOT EXISTS organizations").WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewStore(db).EnsureSchema(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureRole(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("INSERT INTO roles").
		WithArgs(sqlmock.AnyArg(), "owner", `["*"]`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("role-1"))

	id, err := NewStore(db).EnsureRole(context.Background(), "owner", []string{"*"})
	require.NoError(t, err)
	assert.Equal(t, "role-1", id)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCountOrganizations(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT COUNT").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))

	count, err := NewStore(db).CountOrganizations(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, count)
}

func TestFindUserByEmail(t *testing.T) {
	t.Run("found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		tx := beginTx(t, db, mock)

		now := time.Now()
		mock.ExpectQuery("SELECT id, email, name, status, organization_id").
			WithArgs("user@acme.test").
			WillReturnRows(sqlmock.NewRows(
				[]string{"id", "email", "name", "status", "organization_id", "created_at", "updated_at"}).
				AddRow("u-1", "user@acme.test", "User", "active", "org-1", now, now))

		user, err := tx.FindUserByEmail(context.Background(), "user@acme.test")
		require.NoError(t, err)
		assert.Equal(t, "u-1", user.ID)
		assert.Equal(t, UserStatusActive, user.Status)
	})

	t.Run("not found", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		tx := beginTx(t, db, mock)

		mock.ExpectQuery("SELECT id, email, name, status, organization_id").
			WithArgs("missing@acme.test").
			WillReturnError(sql.ErrNoRows)

		_, err := tx.FindUserByEmail(context.Background(), "missing@acme.test")
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCreateUser(t *testing.T) {
	t.Run("assigns id and scans timestamps", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		tx := beginTx(t, db, mock)

		now := time.Now()
		mock.ExpectQuery("INSERT INTO users").
			WithArgs(sqlmock.AnyArg(), "new@acme.test", "New", "active", "org-1").
			WillReturnRows(sqlmock.NewRows([]string{"created_at", "updated_at"}).AddRow(now, now))

		user := &User{Email: "new@acme.test", Name: "New", Status: UserStatusActive, OrganizationID: "org-1"}
		require.NoError(t, tx.CreateUser(context.Background(), user))
		assert.NotEmpty(t, user.ID)
	})

	t.Run("duplicate email maps to ErrDuplicate", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		tx := beginTx(t, db, mock)

		mock.ExpectQuery("INSERT INTO users").
			WillReturnError(&pq.Error{Code: "23505"})

		err := tx.CreateUser(context.Background(), &User{Email: "dup@acme.test", Status: UserStatusActive})
		assert.ErrorIs(t, err, ErrDuplicate)
	})
}

func TestUpdateUser(t *testing.T) {
	t.Run("missing row", func(t *testing.T) {
		db, mock := setupMockDB(t)
		defer db.Close()
		tx := beginTx(t, db, mock)

		mock.ExpectExec("UPDATE users").
			WillReturnResult(sqlmock.NewResult(0, 0))

		err := tx.UpdateUser(context.Background(), &User{ID: "ghost"})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestListMembershipsByUser(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	tx := beginTx(t, db, mock)

	now := time.Now()
	login := now.Add(-time.Hour)
	mock.ExpectQuery("FROM workspace_memberships m").
		WithArgs("u-1").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "workspace_id", "role_id", "created_by",
			"last_login_at", "created_at", "name", "organization_id", "name",
		}).
			AddRow("m-2", "u-1", "ws-2", "r-1", "u-1", login, now, "second", "org-1", "owner").
			AddRow("m-1", "u-1", "ws-1", "r-1", "u-1", nil, now, "first", "org-1", "owner"))

	details, err := tx.ListMembershipsByUser(context.Background(), "u-1")
	require.NoError(t, err)
	require.Len(t, details, 2)
	assert.Equal(t, "second", details[0].WorkspaceName)
	assert.Equal(t, "owner", details[0].RoleName)
	assert.Nil(t, details[1].LastLoginAt)
}

func TestTouchMembershipLogin(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	tx := beginTx(t, db, mock)

	at := time.Now()
	mock.ExpectExec("UPDATE workspace_memberships SET last_login_at").
		WithArgs(at, "m-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	assert.NoError(t, tx.TouchMembershipLogin(context.Background(), "m-1", at))
}

func TestScanRolePermissions(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()
	tx := beginTx(t, db, mock)

	mock.ExpectQuery("SELECT id, name, permissions FROM roles WHERE name").
		WithArgs("owner").
		WillReturnRows(sqlmock.NewRows([]string{"id", "name", "permissions"}).
			AddRow("r-1", "owner", `["workspace:read","workspace:write"]`))

	role, err := tx.FindRoleByName(context.Background(), "owner")
	require.NoError(t, err)
	assert.Equal(t, []string{"workspace:read", "workspace:write"}, role.Permissions)
}

func TestRollbackAfterCommitIsSafe(t *testing.T) {
	db, mock := setupMockDB(t)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectCommit()

	tx, err := NewStore(db).Begin(context.Background())
	require.NoError(t, err)
	require.NoError(t, tx.Commit())
	assert.NoError(t, tx.Rollback())
}

func TestTranslateErrorPassthrough(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, plain, translateError(plain))
	assert.ErrorIs(t, translateError(&pq.Error{Code: "23505"}), ErrDuplicate)
}
