package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

const tokenBytes = 32

// Ledger owns the refresh-token lifecycle: at most one live token per user,
// rotated on every Issue.
type Ledger struct {
	store RefreshTokenStore
	ttl   time.Duration
}

func NewLedger(store RefreshTokenStore, ttl time.Duration) *Ledger {
	if ttl <= 0 {
		ttl = defaultRefreshTTL
	}
	return &Ledger{store: store, ttl: ttl}
}

func (l *Ledger) TTL() time.Duration {
	return l.ttl
}

func (l *Ledger) Issue(ctx context.Context, userID int64, now time.Time) (RefreshToken, error) {
	raw, err := randomToken(tokenBytes)
	if err != nil {
		return RefreshToken{}, fmt.Errorf("generate refresh token: %w", err)
	}

	now = now.UTC()
	expiresAt := now.Add(l.ttl)
	if err := l.store.ReplaceRefreshToken(ctx, userID, hashToken(raw), expiresAt, now); err != nil {
		return RefreshToken{}, err
	}

	return RefreshToken{
		Token:     raw,
		UserID:    userID,
		ExpiresAt: expiresAt,
		CreatedAt: now,
	}, nil
}

func (l *Ledger) Lookup(ctx context.Context, token string) (RefreshToken, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return RefreshToken{}, ErrRefreshTokenNotFound
	}

	record, err := l.store.FindRefreshToken(ctx, hashToken(token))
	if err != nil {
		return RefreshToken{}, err
	}
	record.Token = token

	return record, nil
}

// VerifyNotExpired rejects a token whose expiry is before now. It does not
// delete the token.
func (l *Ledger) VerifyNotExpired(token RefreshToken, now time.Time) (RefreshToken, error) {
	if now.After(token.ExpiresAt) {
		return RefreshToken{}, ErrTokenExpired
	}
	return token, nil
}

func (l *Ledger) Revoke(ctx context.Context, token string) error {
	token = strings.TrimSpace(token)
	if token == "" {
		return ErrRefreshTokenNotFound
	}
	return l.store.DeleteRefreshToken(ctx, hashToken(token))
}

func (l *Ledger) DeleteForUser(ctx context.Context, userID int64) error {
	return l.store.DeleteRefreshTokensForUser(ctx, userID)
}

func (l *Ledger) PurgeExpired(ctx context.Context, before time.Time, limit int) (int64, error) {
	return l.store.PurgeExpiredRefreshTokens(ctx, before, limit)
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func hashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}
