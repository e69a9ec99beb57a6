package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"secure-store/internal/db"
)

const uniqueViolation = "23505"

const userColumns = `id, username, email, password_hash, full_name, role, is_active,
	reset_token, reset_token_expiry, last_login_at, version, created_at, updated_at`

// Repository is the Postgres CredentialStore and RefreshTokenStore.
type Repository struct {
	database *sql.DB
}

func NewRepository(database *sql.DB) *Repository {
	return &Repository{database: database}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (User, error) {
	var (
		user             User
		role             string
		resetToken       sql.NullString
		resetTokenExpiry sql.NullTime
		lastLoginAt      sql.NullTime
	)

	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.FullName,
		&role,
		&user.Active,
		&resetToken,
		&resetTokenExpiry,
		&lastLoginAt,
		&user.Version,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}

	user.Role = ParseRole(role)
	if resetToken.Valid {
		value := resetToken.String
		user.ResetToken = &value
	}
	if resetTokenExpiry.Valid {
		value := resetTokenExpiry.Time.UTC()
		user.ResetTokenExpiry = &value
	}
	if lastLoginAt.Valid {
		value := lastLoginAt.Time.UTC()
		user.LastLoginAt = &value
	}

	return user, nil
}

func (r *Repository) findOne(ctx context.Context, what, where string, arg any) (User, error) {
	row := r.database.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE `+where, arg)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, fmt.Errorf("query user by %s: %w", what, err)
	}
	return user, nil
}

func (r *Repository) FindByID(ctx context.Context, id int64) (User, error) {
	return r.findOne(ctx, "id", `id = $1`, id)
}

func (r *Repository) FindByUsername(ctx context.Context, username string) (User, error) {
	return r.findOne(ctx, "username", `username = $1 AND is_active = TRUE`, username)
}

func (r *Repository) FindByEmail(ctx context.Context, email string) (User, error) {
	return r.findOne(ctx, "email", `email = $1`, email)
}

func (r *Repository) FindByResetToken(ctx context.Context, token string) (User, error) {
	return r.findOne(ctx, "reset token", `reset_token = $1`, token)
}

func (r *Repository) Create(ctx context.Context, user User) (User, error) {
	err := r.database.QueryRowContext(ctx, `
		INSERT INTO users (username, email, password_hash, full_name, role, is_active, version, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, 1, $7, $8)
		RETURNING id, version
	`,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.FullName,
		string(user.Role),
		user.Active,
		user.CreatedAt.UTC(),
		user.UpdatedAt.UTC(),
	).Scan(&user.ID, &user.Version)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateIdentity
		}
		return User{}, fmt.Errorf("insert user: %w", err)
	}

	return user, nil
}

func (r *Repository) Save(ctx context.Context, user User) (User, error) {
	var resetExpiry any
	if user.ResetTokenExpiry != nil {
		resetExpiry = user.ResetTokenExpiry.UTC()
	}

	var version int64
	err := r.database.QueryRowContext(ctx, `
		UPDATE users
		SET email = $3,
			password_hash = $4,
			full_name = $5,
			role = $6,
			is_active = $7,
			reset_token = $8,
			reset_token_expiry = $9,
			updated_at = $10,
			version = version + 1
		WHERE id = $1 AND version = $2
		RETURNING version
	`,
		user.ID,
		user.Version,
		user.Email,
		user.PasswordHash,
		user.FullName,
		string(user.Role),
		user.Active,
		user.ResetToken,
		resetExpiry,
		user.UpdatedAt.UTC(),
	).Scan(&version)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return User{}, ErrStaleUser
		}
		if isUniqueViolation(err) {
			return User{}, ErrDuplicateIdentity
		}
		return User{}, fmt.Errorf("update user: %w", err)
	}

	user.Version = version
	return user, nil
}

func (r *Repository) Delete(ctx context.Context, id int64) error {
	res, err := r.database.ExecContext(ctx, `DELETE FROM users WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete user: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete user rows affected: %w", err)
	}
	if affected == 0 {
		return ErrUserNotFound
	}

	return nil
}

func (r *Repository) List(ctx context.Context) ([]User, error) {
	rows, err := r.database.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("query users: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate users: %w", err)
	}

	return users, nil
}

func (r *Repository) TouchLastLogin(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.database.ExecContext(ctx, `UPDATE users SET last_login_at = $2 WHERE id = $1`, id, at.UTC()); err != nil {
		return fmt.Errorf("update last login: %w", err)
	}
	return nil
}

func (r *Repository) ClearExpiredResetTokens(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.database.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM users
			WHERE reset_token_expiry < $1
			ORDER BY reset_token_expiry ASC
			LIMIT $2
		)
		UPDATE users u
		SET reset_token = NULL, reset_token_expiry = NULL, version = u.version + 1
		FROM stale
		WHERE u.id = stale.id
	`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("clear expired reset tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired reset tokens rows affected: %w", err)
	}

	return affected, nil
}

// ReplaceRefreshToken locks the user row so two concurrent logins cannot both
// leave a token behind.
func (r *Repository) ReplaceRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt, now time.Time) error {
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate refresh token id: %w", err)
	}

	return db.WithTx(ctx, r.database, nil, func(ctx context.Context, tx db.DBTX) error {
		var lockedID int64
		err := tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&lockedID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrUserNotFound
			}
			return fmt.Errorf("lock user row: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM auth_refresh_tokens WHERE user_id = $1`, userID); err != nil {
			return fmt.Errorf("delete previous refresh tokens: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO auth_refresh_tokens (id, user_id, token_hash, expires_at, created_at)
			VALUES ($1, $2, $3, $4, $5)
		`, id.String(), userID, tokenHash, expiresAt.UTC(), now.UTC()); err != nil {
			return fmt.Errorf("insert refresh token: %w", err)
		}

		return nil
	})
}

func (r *Repository) FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error) {
	var token RefreshToken
	err := r.database.QueryRowContext(ctx, `
		SELECT user_id, expires_at, created_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
	`, tokenHash).Scan(&token.UserID, &token.ExpiresAt, &token.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return RefreshToken{}, ErrRefreshTokenNotFound
		}
		return RefreshToken{}, fmt.Errorf("read refresh token: %w", err)
	}

	token.ExpiresAt = token.ExpiresAt.UTC()
	token.CreatedAt = token.CreatedAt.UTC()
	return token, nil
}

func (r *Repository) DeleteRefreshToken(ctx context.Context, tokenHash string) error {
	if _, err := r.database.ExecContext(ctx, `DELETE FROM auth_refresh_tokens WHERE token_hash = $1`, tokenHash); err != nil {
		return fmt.Errorf("delete refresh token: %w", err)
	}
	return nil
}

func (r *Repository) DeleteRefreshTokensForUser(ctx context.Context, userID int64) error {
	if _, err := r.database.ExecContext(ctx, `DELETE FROM auth_refresh_tokens WHERE user_id = $1`, userID); err != nil {
		return fmt.Errorf("delete user refresh tokens: %w", err)
	}
	return nil
}

func (r *Repository) PurgeExpiredRefreshTokens(ctx context.Context, before time.Time, limit int) (int64, error) {
	res, err := r.database.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < $1
			ORDER BY expires_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, before.UTC(), limit)
	if err != nil {
		return 0, fmt.Errorf("delete expired refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expired refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}
