package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRepoWithMock(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	database, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	return NewRepository(database), mock
}

var userRowColumns = []string{
	"id", "username", "email", "password_hash", "full_name", "role", "is_active",
	"reset_token", "reset_token_expiry", "last_login_at", "version", "created_at", "updated_at",
}

func TestRepositoryFindByUsername(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	created := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	mock.ExpectQuery(`(?s)SELECT .* FROM users WHERE username = \$1 AND is_active = TRUE`).
		WithArgs("alice").
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow(int64(7), "alice", "alice@example.com", "$2a$hash", "Alice", "ADMIN", true, nil, nil, created, int64(3), created, created))

	user, err := repo.FindByUsername(context.Background(), "alice")
	require.NoError(t, err)
	assert.EqualValues(t, 7, user.ID)
	assert.Equal(t, RoleAdmin, user.Role)
	assert.EqualValues(t, 3, user.Version)
	assert.Nil(t, user.ResetToken)
	require.NotNil(t, user.LastLoginAt)
	assert.Equal(t, created, *user.LastLoginAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindByIDNotFound(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)SELECT .* FROM users WHERE id = \$1`).
		WithArgs(int64(9)).
		WillReturnError(sql.ErrNoRows)

	_, err := repo.FindByID(context.Background(), 9)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestRepositoryFindByResetTokenDBError(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)SELECT .* FROM users WHERE reset_token = \$1`).
		WithArgs("digest").
		WillReturnError(errors.New("db down"))

	_, err := repo.FindByResetToken(context.Background(), "digest")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "query user by reset token: db down")
}

func TestRepositoryCreate(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)INSERT INTO users .* RETURNING id, version`).
		WithArgs("alice", "alice@example.com", "hash", "Alice", "USER", true, now, now).
		WillReturnRows(sqlmock.NewRows([]string{"id", "version"}).AddRow(int64(1), int64(1)))

	user, err := repo.Create(context.Background(), User{
		Username: "alice", Email: "alice@example.com", PasswordHash: "hash", FullName: "Alice",
		Role: RoleUser, Active: true, CreatedAt: now, UpdatedAt: now,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 1, user.ID)
	assert.EqualValues(t, 1, user.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryCreateDuplicate(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)INSERT INTO users`).
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "users_username_key"})

	_, err := repo.Create(context.Background(), User{Username: "alice", Role: RoleUser})
	assert.ErrorIs(t, err, ErrDuplicateIdentity)
}

func TestRepositorySaveBumpsVersion(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	token := "digest"
	expiry := time.Now().Add(time.Hour).UTC()

	mock.ExpectQuery(`(?s)UPDATE users\s+SET .* version = version \+ 1\s+WHERE id = \$1 AND version = \$2\s+RETURNING version`).
		WithArgs(int64(5), int64(2), "a@example.com", "hash", "Alice", "USER", true, token, expiry, sqlmock.AnyArg()).
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))

	saved, err := repo.Save(context.Background(), User{
		ID: 5, Version: 2, Email: "a@example.com", PasswordHash: "hash", FullName: "Alice",
		Role: RoleUser, Active: true, ResetToken: &token, ResetTokenExpiry: &expiry, UpdatedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, saved.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositorySaveStale(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectQuery(`(?s)UPDATE users`).WillReturnError(sql.ErrNoRows)

	_, err := repo.Save(context.Background(), User{ID: 5, Version: 2, Role: RoleUser})
	assert.ErrorIs(t, err, ErrStaleUser)
}

func TestRepositoryDelete(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectExec(`DELETE FROM users WHERE id = \$1`).WithArgs(int64(5)).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`DELETE FROM users WHERE id = \$1`).WithArgs(int64(6)).WillReturnResult(sqlmock.NewResult(0, 0))

	require.NoError(t, repo.Delete(context.Background(), 5))
	assert.ErrorIs(t, repo.Delete(context.Background(), 6), ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryList(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()

	mock.ExpectQuery(`(?s)SELECT .* FROM users ORDER BY id ASC`).
		WillReturnRows(sqlmock.NewRows(userRowColumns).
			AddRow(int64(1), "alice", "alice@example.com", "h", "Alice", "USER", true, nil, nil, nil, int64(1), now, now).
			AddRow(int64(2), "bob", "bob@example.com", "h", "Bob", "ADMIN", false, "digest", now, nil, int64(4), now, now))

	users, err := repo.List(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "bob", users[1].Username)
	require.NotNil(t, users[1].ResetToken)
	assert.Equal(t, "digest", *users[1].ResetToken)
	assert.False(t, users[1].Active)
}

func TestRepositoryReplaceRefreshToken(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()
	expires := now.Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM auth_refresh_tokens WHERE user_id = \$1`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`(?s)INSERT INTO auth_refresh_tokens \(id, user_id, token_hash, expires_at, created_at\)`).
		WithArgs(sqlmock.AnyArg(), int64(7), "digest", expires, now).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceRefreshToken(context.Background(), 7, "digest", expires, now))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryReplaceRefreshTokenUnknownUserRollsBack(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT id FROM users WHERE id = \$1 FOR UPDATE`).
		WithArgs(int64(7)).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	err := repo.ReplaceRefreshToken(context.Background(), 7, "digest", time.Now(), time.Now())
	assert.ErrorIs(t, err, ErrUserNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryReplaceRefreshTokenInsertFails(t *testing.T) {
	repo, mock := newRepoWithMock(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectExec(`DELETE FROM auth_refresh_tokens`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(`INSERT INTO auth_refresh_tokens`).WillReturnError(errors.New("disk full"))
	mock.ExpectRollback()

	err := repo.ReplaceRefreshToken(context.Background(), 7, "digest", time.Now(), time.Now())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "insert refresh token: disk full")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRepositoryFindRefreshToken(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	expires := time.Now().Add(time.Hour).UTC()

	mock.ExpectQuery(`(?s)SELECT user_id, expires_at, created_at\s+FROM auth_refresh_tokens\s+WHERE token_hash = \$1`).
		WithArgs("digest").
		WillReturnRows(sqlmock.NewRows([]string{"user_id", "expires_at", "created_at"}).AddRow(int64(7), expires, expires))
	mock.ExpectQuery(`FROM auth_refresh_tokens`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	token, err := repo.FindRefreshToken(context.Background(), "digest")
	require.NoError(t, err)
	assert.EqualValues(t, 7, token.UserID)
	assert.Equal(t, expires, token.ExpiresAt)

	_, err = repo.FindRefreshToken(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrRefreshTokenNotFound)
}

func TestRepositoryPurgeAndClear(t *testing.T) {
	repo, mock := newRepoWithMock(t)
	now := time.Now().UTC()

	mock.ExpectExec(`(?s)WITH stale AS .* FROM auth_refresh_tokens .* DELETE FROM auth_refresh_tokens t`).
		WithArgs(now, 50).
		WillReturnResult(sqlmock.NewResult(0, 4))
	mock.ExpectExec(`(?s)WITH stale AS .* UPDATE users u\s+SET reset_token = NULL`).
		WithArgs(now, 50).
		WillReturnResult(sqlmock.NewResult(0, 2))

	purged, err := repo.PurgeExpiredRefreshTokens(context.Background(), now, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 4, purged)

	cleared, err := repo.ClearExpiredResetTokens(context.Background(), now, 50)
	require.NoError(t, err)
	assert.EqualValues(t, 2, cleared)
	require.NoError(t, mock.ExpectationsWereMet())
}
