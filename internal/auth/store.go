package auth

import (
	"context"
	"time"
)

// CredentialStore persists users. Lookups return ErrUserNotFound on a miss.
// Save is a compare-and-set on User.Version and returns ErrStaleUser when the
// row changed since it was read.
type CredentialStore interface {
	FindByID(ctx context.Context, id int64) (User, error)
	FindByUsername(ctx context.Context, username string) (User, error)
	FindByEmail(ctx context.Context, email string) (User, error)
	FindByResetToken(ctx context.Context, token string) (User, error)
	Create(ctx context.Context, user User) (User, error)
	Save(ctx context.Context, user User) (User, error)
	Delete(ctx context.Context, id int64) error
	List(ctx context.Context) ([]User, error)
	TouchLastLogin(ctx context.Context, id int64, at time.Time) error
	ClearExpiredResetTokens(ctx context.Context, before time.Time, limit int) (int64, error)
}

// RefreshTokenStore keeps refresh tokens keyed by the SHA-256 of the raw
// token. Replace must drop every other token of the user in the same atomic
// step as it stores the new one.
type RefreshTokenStore interface {
	ReplaceRefreshToken(ctx context.Context, userID int64, tokenHash string, expiresAt, now time.Time) error
	FindRefreshToken(ctx context.Context, tokenHash string) (RefreshToken, error)
	DeleteRefreshToken(ctx context.Context, tokenHash string) error
	DeleteRefreshTokensForUser(ctx context.Context, userID int64) error
	PurgeExpiredRefreshTokens(ctx context.Context, before time.Time, limit int) (int64, error)
}
